package syncq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vantage-pos/sync-service/internal/breaker"
	"github.com/vantage-pos/sync-service/internal/connector"
	"github.com/vantage-pos/sync-service/internal/lock"
	"github.com/vantage-pos/sync-service/internal/model"
	"github.com/vantage-pos/sync-service/internal/monitoring"
	"github.com/vantage-pos/sync-service/internal/store"
	"github.com/vantage-pos/sync-service/internal/vault"
)

// Dispatcher drives one claimed queue item through an orchestration. The
// processor owns all retry state; the dispatcher never retries internally.
// The processor holds the (tenant, entity_type) lock across the call.
type Dispatcher interface {
	Dispatch(ctx context.Context, item *model.SyncQueueItem) error
}

// ConflictChecker reports whether an entity is blocked by an open conflict.
type ConflictChecker interface {
	HasOpen(ctx context.Context, tenantID uuid.UUID, entityType model.EntityType, entityID string) (bool, error)
}

// ProcessorConfig tunes the worker pool.
type ProcessorConfig struct {
	Workers         int
	PollInterval    time.Duration
	DispatchTimeout time.Duration
	LockWait        time.Duration
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 5 * time.Second
	}
	return c
}

// Processor is the fixed-size worker pool draining the queue. Workers are
// sharded by the keyed lock so no two ever hold the same (tenant,
// entity_type) simultaneously.
type Processor struct {
	cfg        ProcessorConfig
	store      QueueStore
	conflicts  ConflictChecker
	dispatcher Dispatcher
	locks      *lock.KeyedLock
	backoff    *Backoff

	disconnected sync.Map // uuid.UUID -> struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor creates a Processor. locks must be the same instance the
// orchestrator uses for manual runs.
func NewProcessor(cfg ProcessorConfig, store QueueStore, conflicts ConflictChecker, dispatcher Dispatcher, locks *lock.KeyedLock, backoff *Backoff) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		cfg:        cfg.withDefaults(),
		store:      store,
		conflicts:  conflicts,
		dispatcher: dispatcher,
		locks:      locks,
		backoff:    backoff,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the worker pool and the stale-claim sweeper.
func (p *Processor) Start() {
	log.Info().Int("workers", p.cfg.Workers).Msg("Starting sync queue processor")
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.wg.Add(1)
	go p.sweepStale()
}

// Stop signals the workers and waits for in-flight work to finish. An item
// mid-dispatch completes its connector call; nothing is interrupted
// mid-request.
func (p *Processor) Stop() {
	p.cancel()
	p.wg.Wait()
	log.Info().Msg("Stopped sync queue processor")
}

// Disconnect marks a tenant disconnected and cancels its pending work.
// In-flight items finish their current call but the result is discarded and
// no retry is scheduled.
func (p *Processor) Disconnect(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	p.disconnected.Store(tenantID, struct{}{})
	return p.store.CancelPending(ctx, tenantID)
}

// Reconnect clears the disconnected mark after a tenant re-establishes
// credentials.
func (p *Processor) Reconnect(tenantID uuid.UUID) {
	p.disconnected.Delete(tenantID)
}

func (p *Processor) isDisconnected(tenantID uuid.UUID) bool {
	_, ok := p.disconnected.Load(tenantID)
	return ok
}

func (p *Processor) run(id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			item, err := p.store.ClaimNext(p.ctx, time.Now())
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Int("worker", id).Msg("Failed to claim queue item")
				}
				break
			}
			p.process(item)
			if p.ctx.Err() != nil {
				return
			}
		}
	}
}

// sweepStale periodically returns abandoned claims to pending. An item
// in_progress longer than twice the dispatch timeout belongs to a worker that
// died mid-dispatch; a live worker always transitions its claim sooner. The
// first sweep runs at startup so a restart recovers its own orphans
// immediately.
func (p *Processor) sweepStale() {
	defer p.wg.Done()

	p.releaseStale()
	ticker := time.NewTicker(p.cfg.DispatchTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.releaseStale()
		}
	}
}

func (p *Processor) releaseStale() {
	cutoff := time.Now().Add(-2 * p.cfg.DispatchTimeout)
	n, err := p.store.ReleaseStale(p.ctx, cutoff)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Failed to release stale queue claims")
		}
		return
	}
	if n > 0 {
		log.Warn().Int64("count", n).Msg("Released stale queue claims back to pending")
	}
}

// process executes one claimed item through the queue state machine.
func (p *Processor) process(item *model.SyncQueueItem) {
	if p.isDisconnected(item.TenantID) {
		p.finish(item, model.QueueStatusCancelled, "tenant disconnected")
		return
	}

	blocked, err := p.conflicts.HasOpen(p.ctx, item.TenantID, item.EntityType, item.EntityID)
	if err != nil {
		log.Error().Err(err).Str("item_id", item.ID.String()).Msg("Conflict check failed")
		p.retryOrFail(item, err)
		return
	}
	if blocked {
		item.MarkBlocked("waiting on conflict resolution")
		p.update(item)
		return
	}

	lockCtx, cancel := context.WithTimeout(p.ctx, p.cfg.LockWait)
	release, err := p.locks.Acquire(lockCtx, lockKey(item.TenantID, item.EntityType))
	cancel()
	if err != nil {
		// Lock contention is not a failure; put the item back without
		// consuming a retry.
		item.Status = model.QueueStatusPending
		item.NextAttemptAt = time.Now().Add(p.cfg.PollInterval)
		item.UpdatedAt = time.Now()
		p.update(item)
		return
	}
	defer release()

	dispatchCtx, cancelDispatch := context.WithTimeout(p.ctx, p.cfg.DispatchTimeout)
	started := time.Now()
	err = p.dispatcher.Dispatch(dispatchCtx, item)
	cancelDispatch()
	monitoring.SyncDuration.WithLabelValues(item.Platform.String()).Observe(time.Since(started).Seconds())

	if p.isDisconnected(item.TenantID) {
		p.finish(item, model.QueueStatusCancelled, "tenant disconnected")
		return
	}

	switch classify(err) {
	case outcomeSuccess:
		item.MarkSent()
		p.update(item)
		monitoring.SyncOutcomes.WithLabelValues(item.Platform.String(), "sent").Inc()

	case outcomeConflict:
		item.MarkBlocked(err.Error())
		p.update(item)
		monitoring.SyncOutcomes.WithLabelValues(item.Platform.String(), "blocked").Inc()

	case outcomeTransient:
		p.retryOrFail(item, err)

	case outcomePermanent:
		item.MarkFailed(err.Error())
		p.update(item)
		monitoring.SyncOutcomes.WithLabelValues(item.Platform.String(), "failed").Inc()
	}
}

// retryOrFail applies the transient-failure branch: schedule a backoff retry
// while budget remains, otherwise fail permanently.
func (p *Processor) retryOrFail(item *model.SyncQueueItem, cause error) {
	if item.CanRetry() {
		delay := p.backoff.Next(item.RetryCount)
		item.ScheduleRetry(cause.Error(), time.Now().Add(delay))
		p.update(item)
		log.Warn().
			Str("item_id", item.ID.String()).
			Int("retry_count", item.RetryCount).
			Dur("delay", delay).
			Msg("Transient sync failure, retry scheduled")
		monitoring.SyncOutcomes.WithLabelValues(item.Platform.String(), "retried").Inc()
		return
	}
	item.MarkFailed(fmt.Sprintf("retries exhausted: %v", cause))
	p.update(item)
	monitoring.SyncOutcomes.WithLabelValues(item.Platform.String(), "failed").Inc()
}

func (p *Processor) finish(item *model.SyncQueueItem, status model.QueueStatus, reason string) {
	item.Status = status
	item.LastError = reason
	item.UpdatedAt = time.Now()
	p.update(item)
}

func (p *Processor) update(item *model.SyncQueueItem) {
	// Persist against the background context so shutdown cannot lose a
	// state transition for a claimed item.
	if err := p.store.Update(context.Background(), item); err != nil {
		log.Error().Err(err).Str("item_id", item.ID.String()).Msg("Failed to persist queue item state")
	}
}

func lockKey(tenantID uuid.UUID, entityType model.EntityType) string {
	return tenantID.String() + "|" + entityType.String()
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeTransient
	outcomePermanent
	outcomeConflict
)

// classify maps a dispatch error onto the state machine branch. Timeouts,
// open circuits and transient platform errors retry; conflicts block;
// everything else (validation, auth, decryption) is permanent until an
// operator intervenes.
func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, connector.ErrConflict):
		return outcomeConflict
	case errors.Is(err, connector.ErrTransient),
		errors.Is(err, breaker.ErrCircuitOpen),
		errors.Is(err, context.DeadlineExceeded):
		return outcomeTransient
	case errors.Is(err, connector.ErrAuth),
		errors.Is(err, connector.ErrPermanent),
		errors.Is(err, vault.ErrDecryption),
		errors.Is(err, vault.ErrNotFound):
		return outcomePermanent
	default:
		return outcomePermanent
	}
}
