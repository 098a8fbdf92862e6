package monitoring

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/vantage-pos/sync-service/internal/model"
)

// QueueCounter reports global queue depth, implemented by
// store.QueueRepository.
type QueueCounter interface {
	CountAllByStatus(ctx context.Context) (map[model.QueueStatus]int64, error)
}

// ConflictCounter reports the global open conflict count, implemented by
// store.ConflictRepository.
type ConflictCounter interface {
	CountAllOpen(ctx context.Context) (int64, error)
}

// Collector refreshes the queue depth and open conflict gauges on a cron
// schedule.
type Collector struct {
	queue     QueueCounter
	conflicts ConflictCounter
	cron      *cron.Cron
}

func NewCollector(queue QueueCounter, conflicts ConflictCounter) *Collector {
	return &Collector{queue: queue, conflicts: conflicts, cron: cron.New()}
}

// Start schedules the refresh job. The schedule accepts cron syntax and
// @every descriptors.
func (c *Collector) Start(schedule string) error {
	if _, err := c.cron.AddFunc(schedule, c.refresh); err != nil {
		return err
	}
	c.cron.Start()
	log.Info().Str("schedule", schedule).Msg("Started metrics collector")
	return nil
}

func (c *Collector) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

func (c *Collector) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts, err := c.queue.CountAllByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to collect queue depth")
	} else {
		for _, status := range []model.QueueStatus{
			model.QueueStatusPending, model.QueueStatusInProgress,
			model.QueueStatusBlocked, model.QueueStatusFailed,
		} {
			QueueDepth.WithLabelValues(status.String()).Set(float64(counts[status]))
		}
	}

	open, err := c.conflicts.CountAllOpen(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to collect open conflict count")
		return
	}
	ConflictsOpen.Set(float64(open))
}
