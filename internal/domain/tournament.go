package domain

// SecondsPerDay is the cadence every tournament slot repeats on.
const SecondsPerDay int64 = 24 * 60 * 60

// Tournament is a recurring schedule of phase windows anchored to a
// time of day. All durations are in seconds.
type Tournament struct {
	ID                       string `json:"id"`
	ExecutionStartAt         int64  `json:"execution_start_at"`
	PredictionTime           int64  `json:"prediction_time"`
	PurchaseTime             int64  `json:"purchase_time"`
	ShippingTime             int64  `json:"shipping_time"`
	ExecutionPreparationTime int64  `json:"execution_preparation_time"`
	ExecutionTime            int64  `json:"execution_time"`
	PublicationTime          int64  `json:"publication_time"`
	Description              string `json:"description"`
}

// IsZero reports whether t is the "unknown tournament" sentinel.
func (t Tournament) IsZero() bool {
	return t == Tournament{}
}

// ValidSlot reports whether executionStartAt falls on the tournament's
// daily anchor.
func (t Tournament) ValidSlot(executionStartAt int64) bool {
	return floorMod(executionStartAt, SecondsPerDay) == floorMod(t.ExecutionStartAt, SecondsPerDay)
}

func floorMod(a, m int64) int64 {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}
