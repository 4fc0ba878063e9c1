// Package reconcile replays queued submissions against the remote backend.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fieldsync/connectivity"
	"fieldsync/db"
	"fieldsync/models"
	"fieldsync/store"

	"go.uber.org/zap"
)

var (
	// ErrDrainInProgress is returned by Drain while another pass runs.
	ErrDrainInProgress = errors.New("drain already in progress")
	// ErrStopped is returned by Drain after Stop.
	ErrStopped = errors.New("reconciler stopped")
	// ErrInFlight is returned when an operation targets the submission
	// currently being synchronized.
	ErrInFlight = errors.New("submission is being synchronized")
)

// Queue is the part of the pending queue the reconciler drives.
type Queue interface {
	Summaries(ctx context.Context) ([]models.PendingSubmission, error)
	Get(ctx context.Context, localID int64) (models.PendingSubmission, error)
	Remove(ctx context.Context, localID int64) error
	RecordFailure(ctx context.Context, localID int64, reason string, reject bool) (int, error)
	Count(ctx context.Context) (queued, rejected int, err error)
}

// Remote is the part of the backend a submission touches.
type Remote interface {
	db.ObjectStore
	CreateVerification(ctx context.Context, in models.VerificationInput) (int64, error)
	CreateRegistryRecord(ctx context.Context, in models.RegistryInput) (int64, error)
	InsertAttribute(ctx context.Context, recordID int64, attr models.Attribute) error
}

// Options tune a Reconciler.
type Options struct {
	// MaxAttempts rejects a submission after this many permanent
	// failures. Zero disables rejection.
	MaxAttempts int
	// Interval triggers periodic drains while started. Zero disables them.
	Interval time.Duration
}

// Result summarizes one drain pass.
type Result struct {
	Offline   bool `json:"offline"`
	Attempted int  `json:"attempted"`
	Confirmed int  `json:"confirmed"`
	Failed    int  `json:"failed"`
	Rejected  int  `json:"rejected"`
	Pending   int  `json:"pending"`
}

// Reconciler drains the pending queue one submission at a time. At most
// one pass runs at any moment.
type Reconciler struct {
	queue       Queue
	remote      Remote
	oracle      connectivity.Oracle
	logger      *zap.Logger
	maxAttempts int
	interval    time.Duration

	mu        sync.Mutex
	busy      chan struct{}
	active    int64
	requested bool
	looping   bool
	started   bool
	closed    bool
	last      Result
	lastAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsub  func()

	subsMu sync.Mutex
	subs   map[int]func(models.SyncEvent)
	nextID int
}

// New creates a reconciler. It does nothing until Drain, Trigger or Start
// is called.
func New(queue Queue, remote Remote, oracle connectivity.Oracle, opts Options, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		queue:       queue,
		remote:      remote,
		oracle:      oracle,
		logger:      logger.Named("reconcile"),
		maxAttempts: opts.MaxAttempts,
		interval:    opts.Interval,
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[int]func(models.SyncEvent)),
	}
}

// Start subscribes to connectivity transitions, drains once if already
// online and, with an interval configured, drains periodically.
func (r *Reconciler) Start() {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.unsub = r.oracle.Subscribe(func(ev connectivity.Event) {
		if ev.Status == connectivity.Online {
			r.Trigger()
		}
	})
	r.mu.Unlock()

	if r.interval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := time.NewTicker(r.interval)
			defer ticker.Stop()
			for {
				select {
				case <-r.ctx.Done():
					return
				case <-ticker.C:
					r.Trigger()
				}
			}
		}()
	}

	r.Trigger()
}

// Stop cancels scheduled drains and waits for background work. A
// submission already in flight finishes normally; the pass stops after it.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsub := r.unsub
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	r.cancel()
	r.wg.Wait()
}

// Trigger requests a drain without waiting for it. Requests made while a
// pass runs collapse into a single follow-up pass.
func (r *Reconciler) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.requested = true
	if r.looping {
		return
	}
	r.looping = true
	r.wg.Add(1)
	go r.triggerLoop()
}

func (r *Reconciler) triggerLoop() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if !r.requested || r.closed {
			r.looping = false
			r.mu.Unlock()
			return
		}
		r.requested = false
		r.mu.Unlock()

		if !r.acquireWait() {
			r.mu.Lock()
			r.looping = false
			r.mu.Unlock()
			return
		}
		if _, err := r.drain(r.ctx); err != nil {
			r.logger.Warn("drain failed", zap.Error(err))
		}
		r.release()
	}
}

// Drain runs one pass synchronously. It returns ErrDrainInProgress when a
// pass is already running and ErrStopped after Stop. Stop waits for the
// pass, which ends after the submission in flight.
func (r *Reconciler) Drain(ctx context.Context) (Result, error) {
	if _, err := r.acquire(); err != nil {
		return Result{}, err
	}
	defer r.release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()
	return r.drain(ctx)
}

// acquire takes the pass slot and registers the pass with the wait group.
// When the slot is taken it returns the channel closed on release.
func (r *Reconciler) acquire() (chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrStopped
	}
	if r.busy != nil {
		return r.busy, ErrDrainInProgress
	}
	r.busy = make(chan struct{})
	r.wg.Add(1)
	return r.busy, nil
}

// acquireWait blocks until the pass slot is free or the reconciler stops.
func (r *Reconciler) acquireWait() bool {
	for {
		busy, err := r.acquire()
		if err == nil {
			return true
		}
		if errors.Is(err, ErrStopped) {
			return false
		}
		select {
		case <-busy:
		case <-r.ctx.Done():
			return false
		}
	}
}

func (r *Reconciler) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	close(r.busy)
	r.busy = nil
	r.wg.Done()
}

// Busy reports whether a pass is running.
func (r *Reconciler) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy != nil
}

// InFlight returns the local id being synchronized, or 0.
func (r *Reconciler) InFlight() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// LastResult returns the summary of the most recent completed pass.
func (r *Reconciler) LastResult() (Result, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.lastAt
}

// WithItem runs fn while no pass can pick up localID. It returns
// ErrInFlight when the submission is already being synchronized.
func (r *Reconciler) WithItem(localID int64, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == localID {
		return ErrInFlight
	}
	return fn()
}

func (r *Reconciler) claim(localID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = localID
}

func (r *Reconciler) drain(ctx context.Context) (Result, error) {
	var res Result
	if r.oracle.Status() != connectivity.Online {
		res.Offline = true
		return res, nil
	}

	subs, err := r.queue.Summaries(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read queue: %w", err)
	}
	var ids []int64
	for _, s := range subs {
		if s.State == models.QueueStateQueued {
			ids = append(ids, s.LocalID)
		}
	}
	if len(ids) == 0 {
		res.Pending, _ = r.counts(ctx)
		r.finish(res)
		return res, nil
	}

	r.logger.Info("drain started", zap.Int("queued", len(ids)))
	r.publish(models.SyncEvent{Kind: models.EventDrainStarted, Pending: len(ids)})

	for _, id := range ids {
		if ctx.Err() != nil || r.oracle.Status() != connectivity.Online {
			break
		}
		state, ok := r.processItem(ctx, id)
		if !ok {
			continue
		}
		res.Attempted++
		switch state {
		case models.StateConfirmed:
			res.Confirmed++
		case models.StateRejected:
			res.Rejected++
		default:
			res.Failed++
		}
	}

	res.Pending, _ = r.counts(context.WithoutCancel(ctx))
	r.logger.Info("drain finished",
		zap.Int("confirmed", res.Confirmed),
		zap.Int("failed", res.Failed),
		zap.Int("rejected", res.Rejected),
		zap.Int("pending", res.Pending),
	)
	r.finish(res)
	r.publish(models.SyncEvent{
		Kind:      models.EventDrainFinished,
		Pending:   res.Pending,
		Confirmed: res.Confirmed,
		Failed:    res.Failed,
		Rejected:  res.Rejected,
	})
	return res, nil
}

func (r *Reconciler) finish(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = res
	r.lastAt = time.Now()
}

// processItem claims and synchronizes one submission. ok is false when the
// submission left the queue or was rejected before it could be claimed.
func (r *Reconciler) processItem(ctx context.Context, localID int64) (models.SubmissionState, bool) {
	r.claim(localID)
	defer r.claim(0)

	// The item runs to completion even if the pass is cancelled.
	ctx = context.WithoutCancel(ctx)

	sub, err := r.queue.Get(ctx, localID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false
	}
	if err != nil {
		r.logger.Error("load submission", zap.Int64("local_id", localID), zap.Error(err))
		return models.StateFailed, true
	}
	if sub.State != models.QueueStateQueued {
		return "", false
	}
	return r.process(ctx, sub), true
}

func (r *Reconciler) process(ctx context.Context, sub models.PendingSubmission) models.SubmissionState {
	meta := sub.Metadata
	log := r.logger.With(zap.Int64("local_id", sub.LocalID), zap.String("path", meta.Path))

	r.itemState(sub.LocalID, models.StateUploading, "")
	url, err := r.remote.Upload(ctx, meta.Bucket, meta.Path, sub.Payload, sub.ContentType, true)
	if err != nil {
		return r.fail(ctx, sub, "upload", err)
	}

	r.itemState(sub.LocalID, models.StateRegistering, "")
	verificationID, err := r.remote.CreateVerification(ctx, models.VerificationInput{
		SectorDetailID: meta.SectorDetailID,
		Coordinates:    meta.Coordinates,
		IdempotencyKey: meta.Path,
	})
	if err != nil {
		return r.fail(ctx, sub, "verification", err)
	}

	recordID, err := r.remote.CreateRegistryRecord(ctx, models.RegistryInput{
		FileName:       meta.FileName,
		URL:            url,
		UserID:         meta.UserID,
		VerificationID: verificationID,
		Comment:        meta.Comment,
		Path:           meta.Path,
		Bucket:         meta.Bucket,
		IdempotencyKey: meta.Path,
	})
	if err != nil {
		return r.fail(ctx, sub, "registry", err)
	}

	var note string
	if meta.Attribute != nil {
		if err := r.remote.InsertAttribute(ctx, recordID, *meta.Attribute); err != nil {
			log.Warn("attribute not saved", zap.Int64("record_id", recordID), zap.Error(err))
			note = "attribute not saved: " + err.Error()
		}
	}

	if err := r.queue.Remove(ctx, sub.LocalID); err != nil && !errors.Is(err, store.ErrNotFound) {
		// The remote side is complete; a retry reuses the same rows.
		log.Error("confirmed submission not removed", zap.Error(err))
	}
	log.Info("submission confirmed", zap.Int64("record_id", recordID))
	r.itemState(sub.LocalID, models.StateConfirmed, note)
	return models.StateConfirmed
}

func (r *Reconciler) fail(ctx context.Context, sub models.PendingSubmission, step string, cause error) models.SubmissionState {
	reason := fmt.Sprintf("%s: %v", step, cause)
	reject := r.maxAttempts > 0 && db.IsPermanent(cause) && sub.Attempts+1 >= r.maxAttempts

	attempts, err := r.queue.RecordFailure(ctx, sub.LocalID, reason, reject)
	if err != nil {
		r.logger.Error("record failure", zap.Int64("local_id", sub.LocalID), zap.Error(err))
	}

	state := models.StateFailed
	if reject {
		state = models.StateRejected
	}
	r.logger.Warn("submission not synchronized",
		zap.Int64("local_id", sub.LocalID),
		zap.String("step", step),
		zap.Int("attempts", attempts),
		zap.Bool("rejected", reject),
		zap.Error(cause),
	)
	r.itemState(sub.LocalID, state, reason)
	return state
}

func (r *Reconciler) counts(ctx context.Context) (int, int) {
	queued, rejected, err := r.queue.Count(ctx)
	if err != nil {
		r.logger.Warn("count queue", zap.Error(err))
	}
	return queued, rejected
}

func (r *Reconciler) itemState(localID int64, state models.SubmissionState, reason string) {
	r.publish(models.SyncEvent{Kind: models.EventItemState, LocalID: localID, State: state, Error: reason})
}

// NotifyQueueChanged publishes the current queue size to subscribers.
func (r *Reconciler) NotifyQueueChanged(ctx context.Context) {
	queued, rejected := r.counts(ctx)
	r.publish(models.SyncEvent{Kind: models.EventQueueChanged, Pending: queued, Rejected: rejected})
}

// Subscribe registers fn for sync events. fn runs on the draining
// goroutine and must not block.
func (r *Reconciler) Subscribe(fn func(models.SyncEvent)) func() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subsMu.Lock()
			defer r.subsMu.Unlock()
			delete(r.subs, id)
		})
	}
}

func (r *Reconciler) publish(ev models.SyncEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	r.subsMu.Lock()
	fns := make([]func(models.SyncEvent), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
