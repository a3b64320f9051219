// Package replicate drains the local buffer into the MES.
//
// Delivery is at-least-once: rows are marked synced only after the MES
// accepted them, and the MES dedupes on fingerprint. The replicator is the
// only component that refreshes the auth token.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sisproone "github.com/salvadorguc/sisproone-micro"
	"github.com/salvadorguc/sisproone-micro/internal/bus"
	"github.com/salvadorguc/sisproone-micro/internal/clock"
	"github.com/salvadorguc/sisproone-micro/internal/mes"
)

// ErrAuthFailed is returned by Run when reauthentication fails after an
// expired token. The daemon maps it to its own exit status.
var ErrAuthFailed = errors.New("replicate: reauthentication failed")

const (
	backoffBase = 2 * time.Second
	backoffMax  = 5 * time.Minute
)

// Store is the slice of the buffer the replicator drives.
type Store interface {
	PendingBatch(ctx context.Context, limit int) ([]sisproone.Increment, error)
	MarkSynced(ctx context.Context, seqs []int64) error
	MarkRejected(ctx context.Context, seq int64) error
	SetFingerprint(ctx context.Context, seq int64, fingerprint string) error
	PendingCount(ctx context.Context) (int, error)
}

// Backend is the slice of the MES client the replicator drives.
type Backend interface {
	Authenticate(ctx context.Context) error
	UploadIncrements(ctx context.Context, batch []sisproone.Increment) (int, error)
	RecomputeProgress(ctx context.Context, orderCode string, stationID int) (sisproone.OrderProgress, error)
}

// Replicator owns the upload loop: a periodic timer plus an on-demand kick.
type Replicator struct {
	store   Store
	backend Backend
	events  *bus.Bus
	clock   clock.Clock

	interval    time.Duration
	batchMax    int
	maxAttempts int

	kick    chan struct{}
	backoff time.Duration
}

func New(store Store, backend Backend, events *bus.Bus, interval time.Duration, batchMax, maxAttempts int) *Replicator {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batchMax <= 0 {
		batchMax = 100
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Replicator{
		store:       store,
		backend:     backend,
		events:      events,
		clock:       clock.Real{},
		interval:    interval,
		batchMax:    batchMax,
		maxAttempts: maxAttempts,
		kick:        make(chan struct{}, 1),
	}
}

// Kick requests a pass as soon as possible. Coalesces: kicking a replicator
// that already has a pass queued is a no-op.
func (r *Replicator) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run drives passes until ctx is cancelled. It only returns early on a
// persistent auth failure.
func (r *Replicator) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.kick:
		}

		err := r.pass(ctx)
		switch {
		case err == nil:
			r.backoff = 0
		case errors.Is(err, ErrAuthFailed):
			return err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			// Transient: back off, then retry without waiting for the timer.
			r.backoff = nextBackoff(r.backoff)
			slog.Warn("sync pass failed, backing off",
				"error", err, "backoff", r.backoff)
			if !sleepCtx(ctx, r.backoff) {
				return nil
			}
			r.Kick()
		}
	}
}

// pass drains pending rows in batches until the buffer is empty, an error
// stops it, or maxAttempts upload calls have been spent.
func (r *Replicator) pass(ctx context.Context) error {
	pending, err := r.store.PendingCount(ctx)
	if err != nil {
		return fmt.Errorf("sync pass: %w", err)
	}
	if pending == 0 {
		// Idle tick: nothing to do and nothing to announce.
		return nil
	}
	r.publish(bus.Event{Type: bus.SyncStarted, Pending: pending})

	uploaded := 0
	touched := make(map[string]int) // order code -> station, for progress refresh

	var passErr error
	reauthed := false

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		batch, err := r.store.PendingBatch(ctx, r.batchMax)
		if err != nil {
			passErr = fmt.Errorf("sync pass: %w", err)
			break
		}
		if len(batch) == 0 {
			break
		}
		if err := r.backfillFingerprints(ctx, batch); err != nil {
			passErr = fmt.Errorf("sync pass: %w", err)
			break
		}

		n, err := r.backend.UploadIncrements(ctx, batch)
		if n > 0 {
			seqs := make([]int64, n)
			for i := 0; i < n; i++ {
				seqs[i] = batch[i].Seq
				touched[batch[i].OrderCode] = batch[i].StationID
			}
			if merr := r.store.MarkSynced(ctx, seqs); merr != nil {
				passErr = fmt.Errorf("sync pass: %w", merr)
				break
			}
			uploaded += n
		}
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, mes.ErrAuthExpired):
			if reauthed {
				passErr = fmt.Errorf("%w: token rejected twice", ErrAuthFailed)
			} else if aerr := r.backend.Authenticate(ctx); aerr != nil {
				passErr = fmt.Errorf("%w: %v", ErrAuthFailed, aerr)
			} else {
				reauthed = true
				continue
			}
		case errors.Is(err, mes.ErrPermanent), errors.Is(err, mes.ErrNotFound):
			// The MES will never accept this row; poison it so the rest of
			// the queue can advance.
			var ue *mes.UploadError
			if !errors.As(err, &ue) {
				passErr = fmt.Errorf("sync pass: %w", err)
				break
			}
			if merr := r.store.MarkRejected(ctx, ue.Seq); merr != nil {
				passErr = fmt.Errorf("sync pass: %w", merr)
				break
			}
			slog.Warn("increment rejected by MES", "seq", ue.Seq, "error", err)
			r.publish(bus.Event{Type: bus.IncrementRejected, Seq: ue.Seq, Reason: err.Error()})
			continue
		default:
			passErr = fmt.Errorf("sync pass: %w", err)
		}
		break
	}

	r.refreshProgress(ctx, touched)

	remaining, cerr := r.store.PendingCount(ctx)
	if cerr != nil && passErr == nil {
		passErr = fmt.Errorf("sync pass: %w", cerr)
	}
	r.publish(bus.Event{Type: bus.SyncCompleted, Pending: remaining, Uploaded: uploaded})
	return passErr
}

// backfillFingerprints computes and persists idempotency keys for rows that
// were stored without one, so a retried upload reuses the same key.
func (r *Replicator) backfillFingerprints(ctx context.Context, batch []sisproone.Increment) error {
	for i := range batch {
		if batch[i].Fingerprint != "" {
			continue
		}
		fp := clock.Fingerprint(batch[i].OrderCode, batch[i].UPC, batch[i].OccurredAt, batch[i].StationID)
		if err := r.store.SetFingerprint(ctx, batch[i].Seq, fp); err != nil {
			return err
		}
		batch[i].Fingerprint = fp
	}
	return nil
}

// refreshProgress re-reads the authoritative advance for every order that
// had uploads this pass. Failures are logged, never fatal: the next pass
// refreshes again.
func (r *Replicator) refreshProgress(ctx context.Context, touched map[string]int) {
	for orderCode, stationID := range touched {
		p, err := r.backend.RecomputeProgress(ctx, orderCode, stationID)
		if err != nil {
			slog.Warn("progress refresh failed", "order", orderCode, "error", err)
			continue
		}
		r.publish(bus.Event{
			Type:      bus.ProgressUpdated,
			OrderCode: orderCode,
			Pending:   p.QuantityPending,
			Ratio:     p.ProgressRatio,
		})
	}
}

func (r *Replicator) publish(ev bus.Event) {
	if r.events == nil {
		return
	}
	ev.At = r.clock.Now()
	r.events.Publish(ev)
}

func nextBackoff(cur time.Duration) time.Duration {
	if cur <= 0 {
		return backoffBase
	}
	next := cur * 2
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
