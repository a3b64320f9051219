// Package device tracks the runtime state of every counter on the bus.
//
// The tracker is not goroutine safe on purpose: the orchestrator task owns
// it exclusively and other tasks only ever see copies published on the bus.
package device

import (
	"time"

	"github.com/salvadorguc/sisproone-micro/internal/clock"
	"github.com/salvadorguc/sisproone-micro/internal/rs485"
)

// InactivityTimeout is how long a device may stay silent before the sweep
// marks it disconnected.
const InactivityTimeout = 60 * time.Second

// State is the per-device connection state.
type State uint8

const (
	Disconnected State = iota
	Connected
	Active
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Info is the runtime record for one device. Counter mirrors the device's
// authoritative monotonic count; a decrease means the device reset.
type Info struct {
	DeviceID        string
	State           State
	Counter         int
	Total           int
	Target          int
	Active          bool
	LastHeartbeatAt time.Time
	InactiveSeconds int
	LogCounter      int
	LastFrameAt     time.Time
}

// Effect reports what applying one frame meant. At most one of Delta/Reset
// is meaningful per frame.
type Effect struct {
	Device    Info
	Delta     int  // pieces produced since the previous CONT, 0 if none
	Reset     bool // counter went backwards: device reset
	Heartbeat bool
	Completed bool // FIN observed
}

// Tracker owns the device map. Devices appear implicitly on their first
// frame and are only evicted on engine shutdown.
type Tracker struct {
	clock   clock.Clock
	devices map[string]*Info
}

func NewTracker(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Tracker{clock: clk, devices: make(map[string]*Info)}
}

// Apply folds one inbound frame into the device map and reports its effect.
func (t *Tracker) Apply(f rs485.Frame) Effect {
	now := t.clock.Now()

	d, ok := t.devices[f.DeviceID]
	if !ok {
		d = &Info{DeviceID: f.DeviceID}
		t.devices[f.DeviceID] = d
	}
	d.LastFrameAt = now
	if d.State == Disconnected {
		d.State = Connected
	}

	var eff Effect
	switch f.Tag {
	case rs485.TagCont:
		v := int(f.Value)
		switch {
		case v < d.Counter:
			// The counter only moves forward; a decrease is the device
			// starting over, not negative production.
			d.Counter = v
			eff.Reset = true
		case v > d.Counter:
			eff.Delta = v - d.Counter
			d.Counter = v
		}
	case rs485.TagTotal:
		d.Total = int(f.Value)
	case rs485.TagMeta:
		d.Target = int(f.Value)
	case rs485.TagEstado:
		d.Active = f.Value == 1
		if d.Active {
			d.State = Active
		} else if d.State == Active {
			d.State = Connected
		}
	case rs485.TagReset:
		d.Counter = 0
		d.Active = false
		if d.State == Active {
			d.State = Connected
		}
	case rs485.TagLog:
		d.LogCounter = int(f.Value)
	case rs485.TagHeartbeat:
		// The frame value is the device's own timestamp; informational only.
		d.LastHeartbeatAt = now
		eff.Heartbeat = true
	case rs485.TagInactivo:
		d.InactiveSeconds = int(f.Value)
	case rs485.TagFin:
		eff.Completed = true
	}

	eff.Device = *d
	return eff
}

// Get returns a copy of one device's record.
func (t *Tracker) Get(deviceID string) (Info, bool) {
	d, ok := t.devices[deviceID]
	if !ok {
		return Info{}, false
	}
	return *d, true
}

// Snapshot returns copies of every known device.
func (t *Tracker) Snapshot() []Info {
	out := make([]Info, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, *d)
	}
	return out
}

// SweepInactive disconnects devices that have been silent longer than
// timeout and returns their ids.
func (t *Tracker) SweepInactive(timeout time.Duration) []string {
	now := t.clock.Now()
	var gone []string
	for id, d := range t.devices {
		if d.State == Disconnected {
			continue
		}
		if now.Sub(d.LastFrameAt) > timeout {
			d.State = Disconnected
			d.Active = false
			gone = append(gone, id)
		}
	}
	return gone
}
