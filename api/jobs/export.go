package jobs

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/kilianp07/fleetjobs/core/batch"
	"github.com/kilianp07/fleetjobs/infra/sheet"
	"github.com/kilianp07/fleetjobs/pkg/export"
)

var exportFormats = map[string]struct {
	contentType string
	write       func(*bytes.Buffer, []batch.Plan) error
}{
	"json": {"application/json", func(b *bytes.Buffer, p []batch.Plan) error { return export.WriteJSON(b, p) }},
	"csv":  {"text/csv", func(b *bytes.Buffer, p []batch.Plan) error { return export.WriteCSV(b, p) }},
	"xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", func(b *bytes.Buffer, p []batch.Plan) error { return sheet.WriteBatches(b, p) }},
}

// exportBatches serves GET /api/batches/export?format=json|csv|xlsx. Repeated
// id parameters select plans; otherwise every plan, or only open ones with
// open=true, is written.
func (h *Handler) exportBatches(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	f, ok := exportFormats[format]
	if !ok {
		badRequest(w, "unsupported format "+format)
		return
	}
	plans, err := h.ops.ExportPlans(r.Context(), r.URL.Query()["id"], boolParam(r, "open"))
	if err != nil {
		writeError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := f.write(&buf, plans); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", f.contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=batches.%s", format))
	_, _ = w.Write(buf.Bytes())
}
