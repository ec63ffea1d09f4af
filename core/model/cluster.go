package model

// Cluster is a suggested or approved grouping of jobs served as a round trip.
type Cluster struct {
	ID          string   `json:"cluster_id"`
	Members     []string `json:"members"`
	Score       float64  `json:"score"`
	DetourMiles float64  `json:"detour_miles"`
	DateGapDays int      `json:"date_gap_days"`
}

// LegFor returns the flag a member receives given its position in the
// deterministic member order.
func LegFor(position int) Leg {
	if position == 0 {
		return LegForward
	}
	return LegReturn
}
