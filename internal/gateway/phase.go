package gateway

// Phase is the session's position in the production lifecycle. Transitions
// only ever happen on the orchestrator task.
type Phase uint8

const (
	Idle Phase = iota
	OrderSelected
	AwaitingUPC
	Producing
	Draining
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "IDLE"
	case OrderSelected:
		return "ORDER_SELECTED"
	case AwaitingUPC:
		return "AWAITING_UPC"
	case Producing:
		return "PRODUCING"
	case Draining:
		return "DRAINING"
	case Failed:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
