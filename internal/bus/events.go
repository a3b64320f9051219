package bus

import "time"

// Type enumerates every event the engine can publish. The set is closed:
// presentation layers switch over it exhaustively.
type Type uint8

const (
	CountUpdated Type = iota + 1
	ProgressUpdated
	StateChanged
	DeviceHeartbeat
	DeviceReset
	StaleCounterDetected
	LecturaCompleted
	IncrementRejected
	SyncStarted
	SyncCompleted
	EngineFailed
)

func (t Type) String() string {
	switch t {
	case CountUpdated:
		return "COUNT_UPDATED"
	case ProgressUpdated:
		return "PROGRESS_UPDATED"
	case StateChanged:
		return "STATE_CHANGED"
	case DeviceHeartbeat:
		return "DEVICE_HEARTBEAT"
	case DeviceReset:
		return "DEVICE_RESET"
	case StaleCounterDetected:
		return "STALE_COUNTER_DETECTED"
	case LecturaCompleted:
		return "LECTURA_COMPLETED"
	case IncrementRejected:
		return "INCREMENT_REJECTED"
	case SyncStarted:
		return "SYNC_STARTED"
	case SyncCompleted:
		return "SYNC_COMPLETED"
	case EngineFailed:
		return "ENGINE_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Event is a single notification from the engine. Payload fields are sparse;
// which ones are set depends on Type. Raw error objects never cross the bus,
// only Reason strings.
type Event struct {
	Type Type
	At   time.Time

	DeviceID  string
	OrderCode string
	Phase     string

	Counter int   // device counter (CountUpdated, StaleCounterDetected, DeviceReset)
	Delta   int   // delta behind this event (CountUpdated, StaleCounterDetected)
	Seq     int64 // buffer sequence (CountUpdated, IncrementRejected)

	Pending  int     // unsynced rows (SyncStarted/SyncCompleted) or pieces pending (ProgressUpdated)
	Uploaded int     // increments uploaded in the pass (SyncCompleted)
	Ratio    float64 // progress ratio (ProgressUpdated)

	Reason string // failure/rejection detail (EngineFailed, IncrementRejected)
}
