package market

import "github.com/alanyoungcy/alphamarket/internal/domain"

// Phase is the window a slot is in at a given time.
type Phase int

const (
	PhaseBeforePrediction Phase = iota
	PhasePrediction
	PhasePurchase
	PhaseShipping
	PhasePreparation
	PhaseExecution
	PhaseEmbargo
	PhasePublication
	PhaseClosed
)

var phaseNames = [...]string{
	PhaseBeforePrediction: "before_prediction",
	PhasePrediction:       "prediction",
	PhasePurchase:         "purchase",
	PhaseShipping:         "shipping",
	PhasePreparation:      "execution_preparation",
	PhaseExecution:        "execution",
	PhaseEmbargo:          "embargo",
	PhasePublication:      "publication",
	PhaseClosed:           "closed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// PublicationDelay separates the end of execution from the publication
// window.
const PublicationDelay = domain.SecondsPerDay

// PhaseAt maps now onto the window of the slot starting at
// executionStartAt. Windows are half-open; a zero-length window is never
// returned.
func PhaseAt(now, executionStartAt int64, t domain.Tournament) Phase {
	e := executionStartAt
	x := t.ExecutionPreparationTime
	s := t.ShippingTime
	u := t.PurchaseTime
	p := t.PredictionTime
	published := e + t.ExecutionTime + PublicationDelay

	bounds := [...]struct {
		end   int64
		phase Phase
	}{
		{e - x - s - u - p, PhaseBeforePrediction},
		{e - x - s - u, PhasePrediction},
		{e - x - s, PhasePurchase},
		{e - x, PhaseShipping},
		{e, PhasePreparation},
		{e + t.ExecutionTime, PhaseExecution},
		{published, PhaseEmbargo},
		{published + t.PublicationTime, PhasePublication},
	}
	for _, b := range bounds {
		if now < b.end {
			return b.phase
		}
	}
	return PhaseClosed
}

// Window returns the [start, end) interval of phase for the slot, or
// zeros for the unbounded phases.
func Window(phase Phase, executionStartAt int64, t domain.Tournament) (start, end int64) {
	e := executionStartAt
	x := t.ExecutionPreparationTime
	s := t.ShippingTime
	u := t.PurchaseTime
	p := t.PredictionTime
	published := e + t.ExecutionTime + PublicationDelay

	switch phase {
	case PhasePrediction:
		return e - x - s - u - p, e - x - s - u
	case PhasePurchase:
		return e - x - s - u, e - x - s
	case PhaseShipping:
		return e - x - s, e - x
	case PhasePreparation:
		return e - x, e
	case PhaseExecution:
		return e, e + t.ExecutionTime
	case PhaseEmbargo:
		return e + t.ExecutionTime, published
	case PhasePublication:
		return published, published + t.PublicationTime
	default:
		return 0, 0
	}
}

// refundOpen reports whether unshipped purchases may be refunded. The
// window opens when shipping closes and never ends.
func refundOpen(p Phase) bool {
	return p >= PhasePreparation
}
