package coord

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mistakeknot/interlock/internal/core"
)

// Sweeper runs a background goroutine that periodically reaps every known
// project, so leases of dead agents are reclaimed even when nobody else
// heartbeats.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a new Sweeper. Call Start() or Run() to begin sweeping.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	return &Sweeper{
		svc:      svc,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)
	go func() {
		_ = sw.Run(ctx)
	}()
}

// Run sweeps once immediately and then every interval until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) error {
	defer close(sw.done)

	sw.runSweep(ctx)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sw.runSweep(ctx)
		}
	}
}

// Stop cancels the sweep goroutine started by Start and waits for it to
// finish. A sweeper driven through Run is stopped by cancelling its context;
// Stop is then a no-op.
func (sw *Sweeper) Stop() {
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	<-sw.done
}

func (sw *Sweeper) runSweep(ctx context.Context) {
	total := 0
	for _, id := range sw.svc.Projects() {
		if ctx.Err() != nil {
			return
		}
		res, err := sw.svc.Reap(ctx, id, "")
		if err != nil {
			if errors.Is(err, core.ErrProjectNotFound) || errors.Is(err, context.Canceled) {
				continue
			}
			log.Error().Err(err).Str("project", id).Msg("sweeper: reap failed")
			continue
		}
		total += len(res.ReleasedLocks)
	}
	if total > 0 {
		log.Info().Int("released", total).Msg("sweeper: reclaimed leases")
	}
}
