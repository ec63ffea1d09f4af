// Package export writes batch plans for downstream dispatch tools.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/kilianp07/fleetjobs/core/batch"
	"github.com/kilianp07/fleetjobs/core/model"
)

// DateLayout is used for collection and delivery dates.
const DateLayout = "2006-01-02"

// Header lists the columns of one job row.
var Header = []string{
	"batch_id", "batch_name", "job_ref", "job_id", "order_no", "selected_driver",
	"driver_order_sequence", "is_active", "cluster_id", "forward_return_flag",
	"collection_postcode", "delivery_postcode", "collection_date", "delivery_date", "status",
}

// Row renders one job of a plan in Header order.
func Row(b model.BatchPlan, j model.Job) []string {
	seq := ""
	if j.Sequence > 0 {
		seq = strconv.Itoa(j.Sequence)
	}
	return []string{
		b.ID, b.Name, j.Ref, j.ID, j.OrderNo, j.SelectedDriver,
		seq, strconv.FormatBool(j.Active), j.ClusterID, string(j.Leg),
		j.CollectionPostcode, j.DeliveryPostcode, date(j.CollectionDate), date(j.DeliveryDate), string(j.Status),
	}
}

func date(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// WriteJSON writes the plans to w in JSON format.
func WriteJSON(w io.Writer, plans []batch.Plan) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(plans)
}

// WriteCSV writes one row per job with a header line.
func WriteCSV(w io.Writer, plans []batch.Plan) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, p := range plans {
		for _, j := range p.Jobs {
			if err := cw.Write(Row(p.Batch, j)); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
