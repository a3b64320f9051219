package sisproone

import "time"

// Source identifies how an increment was produced.
type Source string

const (
	// SourceRS485 marks increments derived from counter frames on the bus.
	SourceRS485 Source = "RS485"
	// SourceInitial marks the synthetic increment appended when the operator
	// keeps a non-zero counter found at UPC-validation time.
	SourceInitial Source = "INITIAL"
)

// Increment is one durable unit of production reported by the device and
// destined for the MES. Seq is assigned by the local buffer and is dense and
// strictly increasing per process. Once Synced is true the row is immutable.
type Increment struct {
	Seq         int64
	OrderCode   string
	UPC         string
	Quantity    int
	OccurredAt  time.Time
	Source      Source
	StationID   int
	UserID      int
	OrderID     int
	Synced      bool
	Rejected    bool
	Fingerprint string
}
