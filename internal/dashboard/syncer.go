package dashboard

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultDrainInterval = 5 * time.Minute
	defaultInitialDelay  = 15 * time.Second
)

// Drainer periodically pushes the offline queue to the dashboard. A
// kick channel lets a failed save request an early drain.
type Drainer struct {
	service  *Service
	logger   *slog.Logger
	interval time.Duration
	initial  time.Duration
	kick     chan struct{}
}

type DrainerOptions struct {
	Interval     time.Duration
	InitialDelay time.Duration
}

func NewDrainer(service *Service, logger *slog.Logger, opts DrainerOptions) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultDrainInterval
	}
	initial := opts.InitialDelay
	if initial <= 0 {
		initial = defaultInitialDelay
	}
	return &Drainer{
		service:  service,
		logger:   logger,
		interval: interval,
		initial:  initial,
		kick:     make(chan struct{}, 1),
	}
}

// Kick requests a drain ahead of schedule. Safe from any goroutine.
func (d *Drainer) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Drainer) Run(ctx context.Context) error {
	initial := time.NewTimer(d.initial)
	defer initial.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-initial.C:
	case <-d.kick:
	}
	d.drain(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.drain(ctx)
		case <-d.kick:
			d.drain(ctx)
		}
	}
}

func (d *Drainer) drain(ctx context.Context) {
	depth := d.service.Queue().Len(ctx)
	if depth == 0 {
		return
	}
	d.logger.Info("draining sync queue", "depth", depth)
	if err := d.service.DrainQueue(ctx); err != nil && ctx.Err() == nil {
		d.logger.Warn("queue drain interrupted", "error", err)
	}
}
