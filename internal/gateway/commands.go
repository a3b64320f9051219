package gateway

import (
	"context"
	"errors"
	"fmt"

	sisproone "github.com/salvadorguc/sisproone-micro"
	"github.com/salvadorguc/sisproone-micro/internal/bus"
	"github.com/salvadorguc/sisproone-micro/internal/device"
	"github.com/salvadorguc/sisproone-micro/internal/rs485"
)

// Operator-input errors. These are command results, never state transitions.
var (
	ErrStopped            = errors.New("gateway: engine stopped")
	ErrBadPhase           = errors.New("gateway: command not valid in current phase")
	ErrNoStation          = errors.New("gateway: no station selected")
	ErrUnknownStation     = errors.New("gateway: station not found")
	ErrUnknownOrder       = errors.New("gateway: order not assigned to station")
	ErrOrderNotSelectable = errors.New("gateway: order closed or without pending quantity")
	ErrUPCMismatch        = errors.New("gateway: scanned UPC does not match the order product")
	ErrWrongPIN           = errors.New("gateway: wrong close PIN")
	ErrNoStaleDecision    = errors.New("gateway: no stale counter decision pending")
)

// do runs fn on the orchestrator loop and waits for its result.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context) error) error {
	c := command{fn: fn, reply: make(chan error, 1)}
	select {
	case e.cmds <- c:
	case <-e.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SelectStation resolves the station against the MES, persists the choice
// and binds the session to it. Only valid while idle.
func (e *Engine) SelectStation(ctx context.Context, stationID int) (sisproone.Station, error) {
	var out sisproone.Station
	err := e.do(ctx, func(ctx context.Context) error {
		if e.session.Phase != Idle {
			return ErrBadPhase
		}
		stations, err := e.backend.ListStations(ctx)
		if err != nil {
			return fmt.Errorf("select station: %w", err)
		}
		for _, st := range stations {
			if st.ID == stationID {
				if err := e.store.SaveStation(ctx, st); err != nil {
					return fmt.Errorf("select station: %w", err)
				}
				e.session.Station = st
				out = st
				return nil
			}
		}
		return ErrUnknownStation
	})
	return out, err
}

// SelectOrder binds an assigned, selectable order to the session and moves
// it to AWAITING_UPC. The recipe is fetched advisorily; its absence never
// blocks counting.
func (e *Engine) SelectOrder(ctx context.Context, orderCode string) (sisproone.Recipe, error) {
	var recipe sisproone.Recipe
	err := e.do(ctx, func(ctx context.Context) error {
		if e.session.Phase != Idle && e.session.Phase != OrderSelected && e.session.Phase != AwaitingUPC {
			return ErrBadPhase
		}
		if e.session.Station.ID == 0 {
			return ErrNoStation
		}
		orders, err := e.backend.ListAssignedOrders(ctx, e.session.Station.ID)
		if err != nil {
			return fmt.Errorf("select order: %w", err)
		}
		for _, o := range orders {
			if o.Code != orderCode {
				continue
			}
			if !o.Selectable() {
				return ErrOrderNotSelectable
			}
			e.session.Order = o
			e.session.ValidatedUPC = ""
			e.session.stalePending = false
			e.setPhase(OrderSelected)

			if rec, err := e.backend.GetOrderRecipe(ctx, o.ID); err != nil {
				e.log.Warn("recipe not available", "order", o.Code, "error", err)
			} else {
				recipe = rec
			}
			e.setPhase(AwaitingUPC)
			return nil
		}
		return ErrUnknownOrder
	})
	return recipe, err
}

// ValidateResult reports the outcome of a UPC scan. When StaleCounter is
// non-zero the session stays in AWAITING_UPC until ResolveStaleCounter.
type ValidateResult struct {
	Producing    bool
	StaleCounter int
}

// ValidateUPC checks the scanned code against the order product. A mismatch
// is an operator-input error and causes no transition. On match, a non-zero
// device counter demands an operator decision before production starts.
func (e *Engine) ValidateUPC(ctx context.Context, code string) (ValidateResult, error) {
	var out ValidateResult
	err := e.do(ctx, func(ctx context.Context) error {
		if e.session.Phase != AwaitingUPC {
			return ErrBadPhase
		}
		if !sisproone.UPCMatches(code, e.session.Order.ProductUPC) {
			return ErrUPCMismatch
		}
		e.session.ValidatedUPC = sisproone.NormalizeUPC(code)

		if d, ok := e.currentDevice(); ok && d.Counter > 0 {
			e.session.staleCounter = d.Counter
			e.session.stalePending = true
			out.StaleCounter = d.Counter
			e.publish(bus.Event{
				Type:     bus.StaleCounterDetected,
				DeviceID: d.DeviceID,
				Counter:  d.Counter,
				Delta:    d.Counter,
			})
			return nil
		}
		e.activate()
		out.Producing = true
		return nil
	})
	return out, err
}

// ResolveStaleCounter applies the operator's decision after a stale counter
// was detected. keep=true credits the counter as a synthetic INITIAL
// increment and starts production; keep=false commands a device reset and
// leaves the session awaiting a fresh scan.
func (e *Engine) ResolveStaleCounter(ctx context.Context, keep bool) error {
	return e.do(ctx, func(ctx context.Context) error {
		if e.session.Phase != AwaitingUPC || !e.session.stalePending {
			return ErrNoStaleDecision
		}
		stale := e.session.staleCounter

		if !keep {
			e.session.stalePending = false
			e.session.staleCounter = 0
			e.write(rs485.CmdReset(e.busAddress()))
			e.session.ValidatedUPC = ""
			return nil
		}

		// Credit the stale count before production starts so the buffer
		// already carries it when the device resumes. On failure the decision
		// stays pending and the operator retries.
		seq, err := e.append(ctx, stale, sisproone.SourceInitial)
		if err != nil {
			return err
		}
		e.session.stalePending = false
		e.session.staleCounter = 0
		e.activate()
		e.session.produced = stale
		e.publish(bus.Event{
			Type:      bus.CountUpdated,
			OrderCode: e.session.Order.Code,
			Counter:   stale,
			Delta:     stale,
			Seq:       seq,
		})
		if e.session.produced >= e.session.metaTarget {
			e.startDrain()
		}
		return nil
	})
}

// activate snapshots the counter baseline, arms the device and enters
// PRODUCING. Must run on the orchestrator loop.
func (e *Engine) activate() {
	baseline := 0
	if d, ok := e.currentDevice(); ok {
		baseline = d.Counter
	}
	e.session.CounterBaseline = baseline
	e.session.produced = 0
	e.session.metaTarget = e.session.Order.QuantityPending
	e.session.Paused = false

	addr := e.busAddress()
	e.write(rs485.CmdActivate(addr, e.session.Order.ProductCode))
	e.write(rs485.CmdMeta(addr, e.session.Order.QuantityPending))
	e.setPhase(Producing)
}

// Pause suspends the device without leaving PRODUCING; the counter is kept.
func (e *Engine) Pause(ctx context.Context) error {
	return e.do(ctx, func(context.Context) error {
		if e.session.Phase != Producing {
			return ErrBadPhase
		}
		e.write(rs485.CmdPause(e.busAddress()))
		e.session.Paused = true
		return nil
	})
}

// Resume reverses Pause.
func (e *Engine) Resume(ctx context.Context) error {
	return e.do(ctx, func(context.Context) error {
		if e.session.Phase != Producing {
			return ErrBadPhase
		}
		e.write(rs485.CmdResume(e.busAddress()))
		e.session.Paused = false
		return nil
	})
}

// ChangeOrder drains the current order without closing it. Once the drain
// completes the session returns to IDLE and a new order can be selected.
func (e *Engine) ChangeOrder(ctx context.Context) error {
	return e.do(ctx, func(context.Context) error {
		if e.session.Phase != Producing {
			return ErrBadPhase
		}
		e.startDrain()
		return nil
	})
}

// CloseOrder checks the PIN, drains, and closes the order at the MES once
// the buffer is empty. An empty configured PIN disables the check.
func (e *Engine) CloseOrder(ctx context.Context, pin string) error {
	return e.do(ctx, func(context.Context) error {
		if e.session.Phase != Producing {
			return ErrBadPhase
		}
		if want := e.cfg.Station.ClosePin; want != "" && pin != want {
			return ErrWrongPIN
		}
		e.session.closeOnDrain = true
		e.startDrain()
		return nil
	})
}

// SyncNow asks the replicator for an immediate pass.
func (e *Engine) SyncNow() {
	e.sync.Kick()
}

// Reset returns the engine from ERROR to IDLE, keeping the station binding.
func (e *Engine) Reset(ctx context.Context) error {
	return e.do(ctx, func(context.Context) error {
		if e.session.Phase != Failed {
			return ErrBadPhase
		}
		station := e.session.Station
		e.session = Session{Station: station}
		e.runErr = nil
		e.setPhase(Idle)
		return nil
	})
}

// View is a read-only snapshot for presentation layers.
type View struct {
	Session Session
	Devices []device.Info
	Pending int
}

// Snapshot returns a consistent copy of the session and device map.
func (e *Engine) Snapshot(ctx context.Context) (View, error) {
	var v View
	err := e.do(ctx, func(ctx context.Context) error {
		v.Session = e.session
		v.Devices = e.tracker.Snapshot()
		n, err := e.store.PendingCount(ctx)
		if err != nil {
			return err
		}
		v.Pending = n
		return nil
	})
	return v, err
}

// currentDevice picks the device whose frame arrived last. The gateway runs
// one counter per station in practice; the freshest device is the session's.
func (e *Engine) currentDevice() (device.Info, bool) {
	var best device.Info
	found := false
	for _, d := range e.tracker.Snapshot() {
		if d.State == device.Disconnected {
			continue
		}
		if !found || d.LastFrameAt.After(best.LastFrameAt) {
			best = d
			found = true
		}
	}
	return best, found
}
