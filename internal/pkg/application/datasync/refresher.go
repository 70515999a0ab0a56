package datasync

import (
	"context"
	"sync"
	"time"

	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/logging"
)

const DefaultRefreshInterval = 60 * time.Second

type Refresher interface {
	Start(ctx context.Context)
	Stop()
}

type refresherImpl struct {
	done     chan bool
	stop     sync.Once
	loader   *Loader
	interval time.Duration
}

// NewRefresher reloads every category with the given interval until stopped.
func NewRefresher(loader *Loader, interval time.Duration) Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	return &refresherImpl{
		done:     make(chan bool),
		loader:   loader,
		interval: interval,
	}
}

func (r *refresherImpl) Start(ctx context.Context) {
	go backgroundWorker(ctx, r, r.done)
}

func (r *refresherImpl) Stop() {
	r.stop.Do(func() { close(r.done) })
}

func backgroundWorker(ctx context.Context, r *refresherImpl, done <-chan bool) {
	log := logging.GetLoggerFromContext(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.loader.LoadAll(ctx); err != nil {
				log.Error().Err(err).Msg("periodic refresh failed")
			}

			log.Debug().Msgf("will refresh again in %s", r.interval)
		}
	}
}
