package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sisproone "github.com/salvadorguc/sisproone-micro"
	"github.com/salvadorguc/sisproone-micro/config"
	"github.com/salvadorguc/sisproone-micro/internal/buffer"
	"github.com/salvadorguc/sisproone-micro/internal/bus"
	"github.com/salvadorguc/sisproone-micro/internal/mes"
	"github.com/salvadorguc/sisproone-micro/internal/replicate"
	"github.com/salvadorguc/sisproone-micro/internal/rs485"
)

// fakeTransport feeds scripted frames to the reader and records outbound
// writes. An empty queue plays read timeouts, the normal idle condition.
type fakeTransport struct {
	in     chan rs485.Frame
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan rs485.Frame, 64), closed: make(chan struct{})}
}

func (t *fakeTransport) ReadFrame() (rs485.Frame, error) {
	select {
	case f := <-t.in:
		return f, nil
	case <-t.closed:
		return rs485.Frame{}, rs485.ErrPortLost
	case <-time.After(10 * time.Millisecond):
		return rs485.Frame{}, rs485.ErrTimeout
	}
}

func (t *fakeTransport) WriteFrame(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, text)
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

type uploadRow struct {
	OrderCode   string `json:"ordenFabricacion"`
	UPC         string `json:"upc"`
	StationID   int    `json:"estacionId"`
	UserID      int    `json:"usuarioId"`
	Quantity    int    `json:"cantidad"`
	Fingerprint string `json:"fingerprint"`
	Source      string `json:"fuente"`
}

// mesStub is an in-memory MES: stations, assigned orders with live pending
// quantities, fingerprint-deduped registration, close tracking.
type mesStub struct {
	mu       sync.Mutex
	pending  map[string]int
	target   map[string]int
	upc      map[string]string
	uploads  []uploadRow
	accepted int
	seen     map[string]bool
	closed   []string
	offline  bool
}

func newMESStub() *mesStub {
	return &mesStub{
		pending: map[string]int{},
		target:  map[string]int{},
		upc:     map[string]string{},
		seen:    map[string]bool{},
	}
}

func (m *mesStub) addOrder(code, upc string, pending int) {
	m.pending[code] = pending
	m.target[code] = pending
	m.upc[code] = upc
}

func (m *mesStub) setOffline(v bool) {
	m.mu.Lock()
	m.offline = v
	m.mu.Unlock()
}

func (m *mesStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()

		reply := func(data any) {
			raw, _ := json.Marshal(data)
			json.NewEncoder(w).Encode(map[string]any{"success": true, "data": json.RawMessage(raw)})
		}

		switch {
		case r.URL.Path == "/api/auth/login_local":
			json.NewEncoder(w).Encode(map[string]any{"success": true, "token": "tok"})

		case r.URL.Path == "/api/estacionesTrabajo":
			reply([]map[string]any{{"id": 7, "nombre": "Linea 7", "descripcion": "Empaque"}})

		case r.URL.Path == "/api/ordenesDeFabricacion/listarAsignadas":
			var orders []map[string]any
			for code, pend := range m.pending {
				orders = append(orders, map[string]any{
					"id": 91, "ordenFabricacion": code, "producto": "PT-500",
					"ptUPC": m.upc[code], "cantidadFabricar": m.target[code],
					"cantidadPendiente": pend, "cerrada": false, "prioridad": "NORMAL",
				})
			}
			reply(orders)

		case r.URL.Path == "/api/ordenesDeFabricacion/estatus":
			reply(map[string]any{"orden": 91, "estatus": "LIBERADA", "componentes": []any{}})

		case r.URL.Path == "/api/ordenesDeFabricacion/avance":
			code := r.URL.Query().Get("ordenFabricacion")
			ratio := 0.0
			if t := m.target[code]; t > 0 {
				ratio = float64(t-m.pending[code]) / float64(t)
			}
			reply(map[string]any{"cantidadPendiente": m.pending[code], "porcentajeAvance": ratio})

		case r.URL.Path == "/api/lecturaUPC/registrar":
			if m.offline {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			var row uploadRow
			json.NewDecoder(r.Body).Decode(&row)
			m.uploads = append(m.uploads, row)
			if !m.seen[row.Fingerprint] {
				m.seen[row.Fingerprint] = true
				m.accepted++
				m.pending[row.OrderCode] -= row.Quantity
			}
			json.NewEncoder(w).Encode(map[string]any{"success": true})

		case r.URL.Path == "/api/ordenesDeFabricacion/cerrarOrden":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			m.closed = append(m.closed, body["ordenFabricacion"].(string))
			json.NewEncoder(w).Encode(map[string]any{"success": true})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (m *mesStub) snapshot() ([]uploadRow, int, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uploadRow(nil), m.uploads...), m.accepted, append([]string(nil), m.closed...)
}

type harness struct {
	t      *testing.T
	engine *Engine
	events <-chan bus.Event
	tr     *fakeTransport
	srv    *mesStub
	store  *buffer.Store
	done   chan error
}

func newHarness(t *testing.T, setup func(*mesStub)) *harness {
	t.Helper()
	return newHarnessCtx(t, context.Background(), setup)
}

func newHarnessCtx(t *testing.T, ctx context.Context, setup func(*mesStub)) *harness {
	t.Helper()

	stub := newMESStub()
	if setup != nil {
		setup(stub)
	}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.MES.BaseURL = srv.URL
	cfg.MES.UserID = 12
	cfg.Buffer.Path = filepath.Join(t.TempDir(), "gateway.db")

	store, err := buffer.Open(cfg.Buffer.Path, nil)
	if err != nil {
		t.Fatal(err)
	}

	client := mes.New(srv.URL, "op", "pw", 7)
	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatal(err)
	}

	events := bus.New()
	ch, cancelSub := events.Subscribe(256)
	t.Cleanup(cancelSub)

	repl := replicate.New(store, client, events, time.Hour, 100, 10)
	tr := newFakeTransport()

	eng := New(cfg, store, client, repl, events, tr, nil)
	eng.grace = 2 * time.Second

	h := &harness{t: t, engine: eng, events: ch, tr: tr, srv: stub, store: store, done: make(chan error, 1)}
	go func() {
		h.done <- eng.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.engine.Shutdown()
	select {
	case <-h.done:
	case <-time.After(10 * time.Second):
		h.t.Error("engine did not stop")
	}
}

func (h *harness) feed(id string, tag rs485.Tag, v int32) {
	h.tr.in <- rs485.Frame{DeviceID: id, Tag: tag, Value: v}
}

// waitEvent drains the bus until an event of the wanted type arrives.
func (h *harness) waitEvent(typ bus.Type, timeout time.Duration) bus.Event {
	h.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				h.t.Fatalf("bus closed while waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// waitSnapshot polls the engine view until cond holds.
func (h *harness) waitSnapshot(cond func(View) bool, timeout time.Duration) View {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		v, err := h.engine.Snapshot(context.Background())
		if err == nil && cond(v) {
			return v
		}
		time.Sleep(20 * time.Millisecond)
	}
	h.t.Fatal("snapshot condition not reached")
	return View{}
}

func (h *harness) startProduction(orderCode, upc string) {
	h.t.Helper()
	if _, err := h.engine.SelectStation(context.Background(), 7); err != nil {
		h.t.Fatal(err)
	}
	if _, err := h.engine.SelectOrder(context.Background(), orderCode); err != nil {
		h.t.Fatal(err)
	}
	res, err := h.engine.ValidateUPC(context.Background(), upc)
	if err != nil {
		h.t.Fatal(err)
	}
	if !res.Producing {
		h.t.Fatalf("validate result = %+v, want producing", res)
	}
}

const goodUPC = "012345678905"

// sisproIncrement builds a row the way the orchestrator would append it.
// Identical inputs yield identical fingerprints, which is the point of the
// duplicate-upload test.
func sisproIncrement(orderCode string, qty int, at time.Time) sisproone.Increment {
	return sisproone.Increment{
		OrderCode:  orderCode,
		UPC:        goodUPC,
		Quantity:   qty,
		OccurredAt: at,
		Source:     sisproone.SourceRS485,
		StationID:  7,
		UserID:     12,
	}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, func(m *mesStub) { m.addOrder("OF-100", goodUPC, 10) })
	h.startProduction("OF-100", goodUPC)

	for v := int32(1); v <= 10; v++ {
		h.feed("EST01", rs485.TagCont, v)
	}

	// Meta reached at 10: drain, upload, back to idle.
	ev := h.waitEvent(bus.ProgressUpdated, 10*time.Second)
	if ev.Pending != 0 || ev.Ratio != 1.0 {
		t.Errorf("progress = %+v", ev)
	}
	h.waitSnapshot(func(v View) bool { return v.Session.Phase == Idle && v.Pending == 0 }, 10*time.Second)

	uploads, accepted, closed := h.srv.snapshot()
	if accepted != 10 {
		t.Errorf("MES accepted %d increments, want 10", accepted)
	}
	for i, u := range uploads {
		if u.Quantity != 1 || u.OrderCode != "OF-100" || u.StationID != 7 || u.UserID != 12 {
			t.Errorf("upload %d = %+v", i, u)
		}
	}
	if len(closed) != 0 {
		t.Errorf("order auto-closed: %v", closed)
	}

	// Device was armed with product and meta, then deactivated.
	sent := strings.Join(h.tr.sent(), "\n")
	for _, want := range []string{"7:ACTIVAR:PT-500", "7:META:10", "7:DESACTIVAR:0"} {
		if !strings.Contains(sent, want) {
			t.Errorf("outbound frames missing %q in:\n%s", want, sent)
		}
	}
}

func TestStaleCounterKeep(t *testing.T) {
	h := newHarness(t, func(m *mesStub) { m.addOrder("OF-100", goodUPC, 10) })

	if _, err := h.engine.SelectStation(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.SelectOrder(context.Background(), "OF-100"); err != nil {
		t.Fatal(err)
	}

	h.feed("EST01", rs485.TagCont, 3)
	h.waitSnapshot(func(v View) bool {
		return len(v.Devices) == 1 && v.Devices[0].Counter == 3
	}, 5*time.Second)

	res, err := h.engine.ValidateUPC(context.Background(), goodUPC)
	if err != nil {
		t.Fatal(err)
	}
	if res.Producing || res.StaleCounter != 3 {
		t.Fatalf("validate result = %+v, want stale counter 3", res)
	}
	ev := h.waitEvent(bus.StaleCounterDetected, 5*time.Second)
	if ev.Counter != 3 || ev.Delta != 3 {
		t.Errorf("stale event = %+v", ev)
	}

	if err := h.engine.ResolveStaleCounter(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	h.feed("EST01", rs485.TagCont, 4)
	h.waitSnapshot(func(v View) bool { return v.Pending >= 2 }, 5*time.Second)

	rows, err := h.store.ReadingsByOrder(context.Background(), "OF-100", 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].Source != "INITIAL" || rows[0].Quantity != 3 {
		t.Errorf("synthetic increment = %+v", rows[0])
	}
	if rows[1].Source != "RS485" || rows[1].Quantity != 1 {
		t.Errorf("delta after keep = %+v", rows[1])
	}
}

func TestStaleCounterManualReset(t *testing.T) {
	h := newHarness(t, func(m *mesStub) { m.addOrder("OF-100", goodUPC, 10) })

	if _, err := h.engine.SelectStation(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.SelectOrder(context.Background(), "OF-100"); err != nil {
		t.Fatal(err)
	}
	h.feed("EST01", rs485.TagCont, 5)
	h.waitSnapshot(func(v View) bool { return len(v.Devices) == 1 }, 5*time.Second)

	if _, err := h.engine.ValidateUPC(context.Background(), goodUPC); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.ResolveStaleCounter(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	v := h.waitSnapshot(func(v View) bool { return v.Session.Phase == AwaitingUPC }, time.Second)
	if v.Pending != 0 {
		t.Errorf("pending = %d, no increment may be appended on manual reset", v.Pending)
	}
	sent := strings.Join(h.tr.sent(), "\n")
	if !strings.Contains(sent, "7:RESET:0") {
		t.Errorf("device reset not commanded:\n%s", sent)
	}
}

func TestNetworkPartitionRecovery(t *testing.T) {
	h := newHarness(t, func(m *mesStub) { m.addOrder("OF-100", goodUPC, 100) })
	h.srv.setOffline(true)
	h.startProduction("OF-100", goodUPC)

	for v := int32(1); v <= 50; v++ {
		h.feed("EST01", rs485.TagCont, v)
	}
	h.waitSnapshot(func(v View) bool { return v.Pending == 50 }, 10*time.Second)

	h.srv.setOffline(false)
	h.engine.SyncNow()

	h.waitSnapshot(func(v View) bool { return v.Pending == 0 }, 10*time.Second)

	uploads, accepted, _ := h.srv.snapshot()
	if accepted != 50 {
		t.Errorf("accepted = %d, want 50", accepted)
	}
	// Uploaded in seq order: quantities all 1, fingerprints unique.
	fps := map[string]bool{}
	for _, u := range uploads {
		if u.Quantity != 1 {
			t.Errorf("upload quantity = %d", u.Quantity)
		}
		fps[u.Fingerprint] = true
	}
	if len(fps) != 50 {
		t.Errorf("distinct fingerprints = %d, want 50", len(fps))
	}
}

func TestDeviceResetDuringProduction(t *testing.T) {
	h := newHarness(t, func(m *mesStub) { m.addOrder("OF-100", goodUPC, 100) })
	h.startProduction("OF-100", goodUPC)

	h.feed("EST01", rs485.TagCont, 7)
	h.waitSnapshot(func(v View) bool { return v.Pending == 1 }, 5*time.Second)

	h.feed("EST01", rs485.TagCont, 0)
	ev := h.waitEvent(bus.DeviceReset, 5*time.Second)
	if ev.Counter != 0 {
		t.Errorf("reset event = %+v", ev)
	}

	h.feed("EST01", rs485.TagCont, 1)
	h.waitSnapshot(func(v View) bool { return v.Pending == 2 }, 5*time.Second)

	rows, err := h.store.ReadingsByOrder(context.Background(), "OF-100", 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Quantity != 7 || rows[1].Quantity != 1 {
		t.Errorf("rows = %+v, want quantities [7 1] and no negative increments", rows)
	}
	if v, _ := h.engine.Snapshot(context.Background()); v.Session.Phase != Producing {
		t.Errorf("session lost on device reset: %v", v.Session.Phase)
	}
}

func TestMetaReachedDoesNotAutoClose(t *testing.T) {
	h := newHarness(t, func(m *mesStub) { m.addOrder("OF-100", goodUPC, 5) })
	h.startProduction("OF-100", goodUPC)

	for v := int32(1); v <= 5; v++ {
		h.feed("EST01", rs485.TagCont, v)
	}

	h.waitSnapshot(func(v View) bool { return v.Session.Phase == Idle && v.Pending == 0 }, 10*time.Second)

	_, accepted, closed := h.srv.snapshot()
	if accepted != 5 {
		t.Errorf("accepted = %d", accepted)
	}
	if len(closed) != 0 {
		t.Errorf("meta reached must not auto-close the order, closed: %v", closed)
	}
}

func TestDuplicateUploadIsSafe(t *testing.T) {
	h := newHarness(t, func(m *mesStub) { m.addOrder("OF-100", goodUPC, 10) })

	// Two rows sharing a fingerprint, as after a replayed batch post-restart.
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		_, err := h.store.Append(context.Background(), sisproIncrement("OF-100", 1, at))
		if err != nil {
			t.Fatal(err)
		}
	}
	h.engine.SyncNow()

	h.waitSnapshot(func(v View) bool { return v.Pending == 0 }, 10*time.Second)

	uploads, accepted, _ := h.srv.snapshot()
	if len(uploads) != 2 {
		t.Errorf("uploads sent = %d, want 2", len(uploads))
	}
	if accepted != 1 {
		t.Errorf("MES accepted = %d, duplicates must collapse by fingerprint", accepted)
	}
	if n, _ := h.store.PendingCount(context.Background()); n != 0 {
		t.Errorf("pending = %d, both local rows must be marked synced", n)
	}
}

func TestOperatorInputErrors(t *testing.T) {
	h := newHarness(t, func(m *mesStub) { m.addOrder("OF-100", goodUPC, 10) })

	// Order before station.
	if _, err := h.engine.SelectOrder(context.Background(), "OF-100"); !errors.Is(err, ErrNoStation) {
		t.Errorf("want ErrNoStation, got %v", err)
	}
	if _, err := h.engine.SelectStation(context.Background(), 99); !errors.Is(err, ErrUnknownStation) {
		t.Errorf("want ErrUnknownStation, got %v", err)
	}
	if _, err := h.engine.SelectStation(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.SelectOrder(context.Background(), "OF-404"); !errors.Is(err, ErrUnknownOrder) {
		t.Errorf("want ErrUnknownOrder, got %v", err)
	}
	if _, err := h.engine.SelectOrder(context.Background(), "OF-100"); err != nil {
		t.Fatal(err)
	}

	// Wrong UPC: error result, no transition.
	if _, err := h.engine.ValidateUPC(context.Background(), "999999999999"); !errors.Is(err, ErrUPCMismatch) {
		t.Errorf("want ErrUPCMismatch, got %v", err)
	}
	if v, _ := h.engine.Snapshot(context.Background()); v.Session.Phase != AwaitingUPC {
		t.Errorf("phase after wrong UPC = %v", v.Session.Phase)
	}

	// Correct UPC always transitions.
	res, err := h.engine.ValidateUPC(context.Background(), goodUPC)
	if err != nil || !res.Producing {
		t.Fatalf("validate = %+v, %v", res, err)
	}

	// Pause is PRODUCING-only bookkeeping, not a phase change.
	if err := h.engine.Pause(context.Background()); err != nil {
		t.Fatal(err)
	}
	if v, _ := h.engine.Snapshot(context.Background()); v.Session.Phase != Producing || !v.Session.Paused {
		t.Errorf("after pause: %+v", v.Session)
	}
	if err := h.engine.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestCloseOrderWithPIN(t *testing.T) {
	h := newHarness(t, func(m *mesStub) { m.addOrder("OF-100", goodUPC, 100) })
	h.engine.cfg.Station.ClosePin = "4321"
	h.startProduction("OF-100", goodUPC)

	h.feed("EST01", rs485.TagCont, 2)
	h.waitSnapshot(func(v View) bool { return v.Pending == 1 }, 5*time.Second)

	if err := h.engine.CloseOrder(context.Background(), "0000"); !errors.Is(err, ErrWrongPIN) {
		t.Fatalf("want ErrWrongPIN, got %v", err)
	}
	if v, _ := h.engine.Snapshot(context.Background()); v.Session.Phase != Producing {
		t.Errorf("wrong PIN must not change phase: %v", v.Session.Phase)
	}

	if err := h.engine.CloseOrder(context.Background(), "4321"); err != nil {
		t.Fatal(err)
	}
	h.waitSnapshot(func(v View) bool { return v.Session.Phase == Idle }, 10*time.Second)

	_, _, closed := h.srv.snapshot()
	if len(closed) != 1 || closed[0] != "OF-100" {
		t.Errorf("closed orders = %v", closed)
	}
}

func TestPortLossDegradesAndResetRecovers(t *testing.T) {
	h := newHarness(t, func(m *mesStub) { m.addOrder("OF-100", goodUPC, 10) })

	// No dialer configured: losing the port degrades the engine to ERROR.
	h.tr.Close()
	ev := h.waitEvent(bus.EngineFailed, 5*time.Second)
	if !strings.Contains(ev.Reason, "port") {
		t.Errorf("failure reason = %q", ev.Reason)
	}
	h.waitSnapshot(func(v View) bool { return v.Session.Phase == Failed }, 5*time.Second)

	// Commands other than Reset are refused while degraded.
	if _, err := h.engine.SelectStation(context.Background(), 7); !errors.Is(err, ErrBadPhase) {
		t.Errorf("want ErrBadPhase, got %v", err)
	}
	if err := h.engine.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.waitSnapshot(func(v View) bool { return v.Session.Phase == Idle }, time.Second)
}

func TestChangeOrderDrainsWithoutClosing(t *testing.T) {
	h := newHarness(t, func(m *mesStub) { m.addOrder("OF-100", goodUPC, 100) })
	h.startProduction("OF-100", goodUPC)

	h.feed("EST01", rs485.TagCont, 3)
	h.waitSnapshot(func(v View) bool { return v.Pending == 1 }, 5*time.Second)

	if err := h.engine.ChangeOrder(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.waitSnapshot(func(v View) bool { return v.Session.Phase == Idle && v.Pending == 0 }, 10*time.Second)

	_, _, closed := h.srv.snapshot()
	if len(closed) != 0 {
		t.Errorf("change order must not close: %v", closed)
	}
	// Station binding survives; a new order can be selected immediately.
	if _, err := h.engine.SelectOrder(context.Background(), "OF-100"); err != nil {
		t.Fatal(err)
	}
}

func TestInterruptShutdownDrainsBuffer(t *testing.T) {
	// Cancelling the run context (the SIGINT path) must still flush pending
	// rows: the replicator lives until the drain wait finishes.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarnessCtx(t, ctx, func(m *mesStub) { m.addOrder("OF-100", goodUPC, 100) })
	h.startProduction("OF-100", goodUPC)

	h.feed("EST01", rs485.TagCont, 1)
	h.waitSnapshot(func(v View) bool { return v.Pending == 1 }, 5*time.Second)

	start := time.Now()
	cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop after context cancel")
	}
	if elapsed := time.Since(start); elapsed >= h.engine.grace {
		t.Errorf("shutdown took %v, the drain wait must end once the buffer is empty", elapsed)
	}

	_, accepted, _ := h.srv.snapshot()
	if accepted != 1 {
		t.Errorf("MES accepted %d increments during shutdown, want 1", accepted)
	}
}

func TestUnpersistedDeltaIsNotCounted(t *testing.T) {
	store, err := buffer.Open(filepath.Join(t.TempDir(), "gateway.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	events := bus.New()
	ch, cancelSub := events.Subscribe(16)
	defer cancelSub()

	eng := New(config.Default(), store, nil, nil, events, newFakeTransport(), nil)
	eng.session = Session{
		Phase:        Producing,
		Station:      sisproone.Station{ID: 7},
		Order:        sisproone.Order{Code: "OF-100", ProductUPC: goodUPC},
		ValidatedUPC: goodUPC,
		metaTarget:   2,
	}
	store.Close() // the next append fails without being full or corrupt

	if err := eng.handleFrame(context.Background(), rs485.Frame{DeviceID: "EST01", Tag: rs485.TagCont, Value: 2}); err != nil {
		t.Fatalf("retriable append failure must not be fatal: %v", err)
	}
	if eng.session.produced != 0 {
		t.Errorf("produced = %d, unpersisted pieces must not count", eng.session.produced)
	}
	if eng.session.Phase != Producing {
		t.Errorf("phase = %v, meta must not trip on unpersisted pieces", eng.session.Phase)
	}
drained:
	for {
		select {
		case ev := <-ch:
			if ev.Type == bus.CountUpdated {
				t.Errorf("COUNT_UPDATED published for an unpersisted increment: %+v", ev)
			}
		default:
			break drained
		}
	}
	events.Close()
}

func TestVacuumLoopPrunesSyncedRows(t *testing.T) {
	store, err := buffer.Open(filepath.Join(t.TempDir(), "gateway.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	seq, err := store.Append(context.Background(),
		sisproIncrement("OF-100", 1, time.Now().Add(-48*time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.MarkSynced(context.Background(), []int64{seq}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Buffer.RetentionDays = 1
	eng := New(cfg, store, nil, nil, bus.New(), newFakeTransport(), nil)
	eng.vacuumEvery = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.vacuumLoop(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := store.Stats(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if st.Total == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("synced row older than retention was not vacuumed")
}
