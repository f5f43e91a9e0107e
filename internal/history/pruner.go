package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/mattjoyce/sherpa-gw/internal/log"
)

// Pruner deletes old history entries on a fixed interval.
type Pruner struct {
	store     *Store
	retention time.Duration
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

// NewPruner schedules a prune every interval. The scheduler is idle until
// Run.
func NewPruner(store *Store, retention, every time.Duration) (*Pruner, error) {
	if retention <= 0 || every <= 0 {
		return nil, fmt.Errorf("retention and interval must be positive")
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	p := &Pruner{store: store, retention: retention, scheduler: s, logger: log.WithComponent("history")}
	_, err = s.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(p.prune),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return p, nil
}

// Run prunes once, then on schedule until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	p.prune()
	p.scheduler.Start()
	<-ctx.Done()
	if err := p.scheduler.Shutdown(); err != nil {
		p.logger.Error("shutting down gocron has failed", "error", err)
	}
	return nil
}

func (p *Pruner) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := p.store.Prune(ctx, p.retention)
	if err != nil {
		p.logger.Error("history prune failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("history pruned", "deleted", n, "retention", p.retention)
	}
}
