// Package gateway is the orchestrator: it owns the session state machine,
// consumes device frames and operator commands, and coordinates the buffer,
// the replicator and the MES client.
//
// All session and device mutation happens on the single Run loop. Other
// goroutines only talk to it through channels; presentation layers only see
// bus events and command results.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	sisproone "github.com/salvadorguc/sisproone-micro"
	"github.com/salvadorguc/sisproone-micro/config"
	"github.com/salvadorguc/sisproone-micro/internal/buffer"
	"github.com/salvadorguc/sisproone-micro/internal/bus"
	"github.com/salvadorguc/sisproone-micro/internal/clock"
	"github.com/salvadorguc/sisproone-micro/internal/device"
	"github.com/salvadorguc/sisproone-micro/internal/rs485"
)

const (
	// drainGrace bounds how long DRAINING waits for the buffer to empty.
	drainGrace = 30 * time.Second
	// drainPoll is how often the loop re-checks pending rows while draining.
	drainPoll = 100 * time.Millisecond
	// reopenMax caps the serial reopen backoff.
	reopenMax = 30 * time.Second
	// housekeepInterval drives vacuum and the device inactivity sweep.
	housekeepInterval = 60 * time.Second
)

// Transport is the slice of the serial layer the engine drives.
type Transport interface {
	ReadFrame() (rs485.Frame, error)
	WriteFrame(text string) error
	Close() error
}

// Dialer reopens the serial port after it is lost. nil disables reopening.
type Dialer func() (Transport, error)

// MES is the slice of the backend client the orchestrator calls directly.
// Upload traffic goes through the replicator, never through here.
type MES interface {
	ListStations(ctx context.Context) ([]sisproone.Station, error)
	ListAssignedOrders(ctx context.Context, stationID int) ([]sisproone.Order, error)
	GetOrderRecipe(ctx context.Context, orderDocNum int) (sisproone.Recipe, error)
	CloseOrder(ctx context.Context, orderCode string, stationID int) error
}

// Syncer is the replicator as the engine sees it: a long-lived task plus an
// on-demand trigger.
type Syncer interface {
	Run(ctx context.Context) error
	Kick()
}

// Session is the engine's top-level state. counterBaseline records the device
// counter at UPC-validation time; produced counts pieces persisted since.
type Session struct {
	Phase           Phase
	Station         sisproone.Station
	Order           sisproone.Order
	ValidatedUPC    string
	CounterBaseline int
	Paused          bool

	produced     int
	metaTarget   int
	staleCounter int // pending KeepCounter/RequireManualReset decision
	stalePending bool
	closeOnDrain bool
}

type command struct {
	fn    func(ctx context.Context) error
	reply chan error
}

// Engine wires the four long-lived tasks together.
type Engine struct {
	cfg     *config.Config
	store   *buffer.Store
	backend MES
	sync    Syncer
	events  *bus.Bus
	tracker *device.Tracker
	clock   clock.Clock
	dial    Dialer

	pmu  sync.Mutex
	port Transport

	cmds   chan command
	frames chan rs485.Frame
	faults chan error
	quit   chan struct{}
	once   sync.Once

	session    Session
	drainUntil time.Time
	runErr     error

	grace       time.Duration
	vacuumEvery time.Duration
	log         *slog.Logger
}

func New(cfg *config.Config, store *buffer.Store, backend MES, syncer Syncer, events *bus.Bus, port Transport, dial Dialer) *Engine {
	return &Engine{
		cfg:         cfg,
		store:       store,
		backend:     backend,
		sync:        syncer,
		events:      events,
		tracker:     device.NewTracker(nil),
		clock:       clock.Real{},
		dial:        dial,
		port:        port,
		cmds:        make(chan command),
		frames:      make(chan rs485.Frame, 64),
		faults:      make(chan error, 1),
		quit:        make(chan struct{}),
		grace:       drainGrace,
		vacuumEvery: housekeepInterval,
		log:         slog.With("component", "gateway"),
	}
}

// Shutdown asks the engine to drain and stop. Safe to call more than once.
func (e *Engine) Shutdown() {
	e.once.Do(func() { close(e.quit) })
}

// Run drives the orchestrator until ctx is cancelled or Shutdown is called.
// It returns the fatal error that stopped the engine, if any; residual
// unsynced increments stay durable for the next process.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The replicator outlives ctx so a signal-initiated stop can still flush
	// the buffer; shutdown cancels it only after the drain wait.
	syncCtx, cancelSync := context.WithCancel(context.Background())
	defer cancelSync()

	if st, ok, err := e.store.CurrentStation(ctx); err == nil && ok {
		e.session.Station = st
	}

	fatal := make(chan error, 1)
	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		e.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := e.sync.Run(syncCtx); err != nil {
			select {
			case fatal <- err:
			default:
			}
		}
	}()
	go func() {
		defer wg.Done()
		e.vacuumLoop(ctx)
	}()

	housekeep := time.NewTicker(housekeepInterval)
	defer housekeep.Stop()
	drain := time.NewTicker(drainPoll)
	defer drain.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-e.quit:
			break loop
		case f := <-e.frames:
			if err := e.handleFrame(ctx, f); err != nil {
				e.fail(err)
				break loop
			}
		case c := <-e.cmds:
			c.reply <- c.fn(ctx)
		case err := <-fatal:
			e.fail(err)
			break loop
		case err := <-e.faults:
			e.degrade(err)
		case <-housekeep.C:
			e.housekeep()
		case <-drain.C:
			e.checkDrain(ctx)
		}
	}

	err := e.shutdown(cancel, cancelSync)
	wg.Wait()
	e.events.Close()
	return err
}

// readLoop blocks on the serial port and forwards frames to the orchestrator.
// Read timeouts are the normal idle path; a lost port is reopened with
// exponential backoff.
func (e *Engine) readLoop(ctx context.Context) {
	for ctx.Err() == nil {
		f, err := e.transport().ReadFrame()
		switch {
		case err == nil:
			select {
			case e.frames <- f:
			case <-ctx.Done():
				return
			}
		case errors.Is(err, rs485.ErrTimeout):
			continue
		case isParseError(err):
			e.log.Warn("malformed frame dropped", "error", err)
		case errors.Is(err, rs485.ErrPortLost):
			if !e.reopen(ctx) {
				return
			}
		default:
			e.log.Warn("serial read failed", "error", err)
			if !e.reopen(ctx) {
				return
			}
		}
	}
}

func isParseError(err error) bool {
	var pe *rs485.ParseError
	return errors.As(err, &pe)
}

// reopen redials the port, doubling the delay up to reopenMax. Returns false
// when the context ends or no dialer was configured.
func (e *Engine) reopen(ctx context.Context) bool {
	if e.dial == nil {
		select {
		case e.faults <- errors.New("serial port lost"):
		default:
		}
		return false
	}
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		port, err := e.dial()
		if err == nil {
			e.log.Info("serial port reopened")
			e.setTransport(port)
			return true
		}
		e.log.Warn("serial reopen failed", "error", err, "backoff", backoff)
		if backoff *= 2; backoff > reopenMax {
			backoff = reopenMax
		}
	}
}

func (e *Engine) transport() Transport {
	e.pmu.Lock()
	defer e.pmu.Unlock()
	return e.port
}

func (e *Engine) setTransport(t Transport) {
	e.pmu.Lock()
	old := e.port
	e.port = t
	e.pmu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// busAddress is the outbound frame address for the current station.
func (e *Engine) busAddress() string {
	return strconv.Itoa(e.session.Station.ID)
}

// write sends one outbound frame, tolerating a momentarily busy bus.
func (e *Engine) write(text string) {
	if err := e.transport().WriteFrame(text); err != nil {
		e.log.Warn("outbound frame not sent", "frame", text, "error", err)
	}
}

// handleFrame folds one inbound frame into device state and, while
// PRODUCING, turns deltas into durable increments. Only storage faults are
// returned; everything else is events.
func (e *Engine) handleFrame(ctx context.Context, f rs485.Frame) error {
	eff := e.tracker.Apply(f)

	if eff.Heartbeat {
		e.publish(bus.Event{Type: bus.DeviceHeartbeat, DeviceID: eff.Device.DeviceID, Counter: eff.Device.Counter})
	}
	if eff.Reset {
		// Session survives a device reset; the tracker already rebased the
		// counter so the next delta counts from the new value.
		e.log.Warn("device reset detected", "device", eff.Device.DeviceID, "counter", eff.Device.Counter)
		e.publish(bus.Event{Type: bus.DeviceReset, DeviceID: eff.Device.DeviceID, Counter: eff.Device.Counter})
	}
	if eff.Completed {
		// FIN is advisory: the operator or meta-reached closes the order.
		e.publish(bus.Event{Type: bus.LecturaCompleted, DeviceID: eff.Device.DeviceID, OrderCode: e.session.Order.Code})
	}

	if eff.Delta <= 0 || e.session.Phase != Producing {
		return nil
	}

	seq, err := e.append(ctx, eff.Delta, sisproone.SourceRS485)
	if err != nil {
		if errors.Is(err, buffer.ErrStorageFull) || errors.Is(err, buffer.ErrStorageCorrupt) {
			return err
		}
		// Not persisted: the delta is neither counted nor announced.
		e.log.Error("append failed, increment dropped", "error", err)
		return nil
	}
	e.session.produced += eff.Delta
	e.publish(bus.Event{
		Type:      bus.CountUpdated,
		DeviceID:  eff.Device.DeviceID,
		OrderCode: e.session.Order.Code,
		Counter:   eff.Device.Counter,
		Delta:     eff.Delta,
		Seq:       seq,
	})

	if e.session.produced >= e.session.metaTarget {
		e.log.Info("meta reached", "order", e.session.Order.Code, "produced", e.session.produced)
		e.startDrain()
	}
	return nil
}

// append persists one increment. Callers must not count or publish a piece
// when this fails; storage full/corrupt is fatal and flows back to Run's
// exit status.
func (e *Engine) append(ctx context.Context, quantity int, src sisproone.Source) (int64, error) {
	return e.store.Append(ctx, sisproone.Increment{
		OrderCode: e.session.Order.Code,
		UPC:       e.session.ValidatedUPC,
		Quantity:  quantity,
		Source:    src,
		StationID: e.session.Station.ID,
		UserID:    e.cfg.MES.UserID,
		OrderID:   e.session.Order.ID,
	})
}

// startDrain moves the session to DRAINING: deactivate the device, kick the
// replicator, and let checkDrain finish the transition.
func (e *Engine) startDrain() {
	if e.session.Phase != Producing {
		return
	}
	e.write(rs485.CmdDeactivate(e.busAddress()))
	e.setPhase(Draining)
	e.drainUntil = e.clock.Now().Add(e.grace)
	e.sync.Kick()
}

// checkDrain completes DRAINING once the buffer is empty or the grace
// deadline passes. Residual rows stay durable either way.
func (e *Engine) checkDrain(ctx context.Context) {
	if e.session.Phase != Draining {
		return
	}
	n, err := e.store.PendingCount(ctx)
	if err != nil {
		e.log.Warn("pending count during drain", "error", err)
		return
	}
	if n > 0 && e.clock.Now().Before(e.drainUntil) {
		return
	}
	if n > 0 {
		e.log.Warn("drain deadline passed with rows pending", "pending", n)
	}

	if e.session.closeOnDrain {
		if err := e.backend.CloseOrder(ctx, e.session.Order.Code, e.session.Station.ID); err != nil {
			e.log.Error("close order failed", "order", e.session.Order.Code, "error", err)
		}
	}

	station := e.session.Station
	e.session = Session{Station: station}
	e.setPhase(Idle)
}

// vacuumLoop prunes old synced rows on its own task so a slow delete never
// stalls frame handling.
func (e *Engine) vacuumLoop(ctx context.Context) {
	ticker := time.NewTicker(e.vacuumEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.store.Vacuum(ctx, e.cfg.Retention()); err != nil {
				e.log.Warn("vacuum failed", "error", err)
			} else if n > 0 {
				e.log.Debug("vacuumed synced rows", "rows", n)
			}
		}
	}
}

// housekeep sweeps silent devices. Runs on the orchestrator loop so the
// device map never needs a lock.
func (e *Engine) housekeep() {
	for _, id := range e.tracker.SweepInactive(device.InactivityTimeout) {
		e.log.Warn("device inactive, marked disconnected", "device", id)
	}
	// Poke a silent device while a session is live; a healthy one answers
	// with an ESTADO frame and re-arms its inactivity window.
	if e.session.Phase == Producing || e.session.Phase == Draining {
		if _, ok := e.currentDevice(); !ok {
			e.write(rs485.CmdRequestStatus(e.busAddress()))
		}
	}
}

// fail records a fatal error; Run exits with it.
func (e *Engine) fail(err error) {
	e.runErr = err
	e.session.Phase = Failed
	e.publish(bus.Event{Type: bus.EngineFailed, Phase: Failed.String(), Reason: err.Error()})
	e.log.Error("engine failed", "error", err)
}

// degrade enters ERROR but keeps the loop alive; only operator Reset leaves.
func (e *Engine) degrade(err error) {
	e.session.Phase = Failed
	e.publish(bus.Event{Type: bus.EngineFailed, Phase: Failed.String(), Reason: err.Error()})
	e.log.Error("engine degraded", "error", err)
}

// shutdown drains best-effort and releases resources in transport, backend,
// buffer order. The replicator stays alive for the drain wait and is
// cancelled only once the buffer is empty or the grace runs out.
func (e *Engine) shutdown(cancel, cancelSync context.CancelFunc) error {
	if e.session.Phase == Producing {
		e.write(rs485.CmdDeactivate(e.busAddress()))
		e.setPhase(Draining)
	}
	e.sync.Kick()

	deadline := time.Now().Add(e.grace)
	for time.Now().Before(deadline) {
		n, err := e.store.PendingCount(context.Background())
		if err != nil || n == 0 {
			break
		}
		time.Sleep(drainPoll)
	}

	cancelSync()
	cancel()
	if err := e.transport().Close(); err != nil {
		e.log.Warn("serial close", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.log.Warn("buffer close", "error", err)
	}
	return e.runErr
}

func (e *Engine) setPhase(p Phase) {
	if e.session.Phase == p {
		return
	}
	e.session.Phase = p
	e.publish(bus.Event{Type: bus.StateChanged, Phase: p.String(), OrderCode: e.session.Order.Code})
}

func (e *Engine) publish(ev bus.Event) {
	ev.At = e.clock.Now()
	e.events.Publish(ev)
}
