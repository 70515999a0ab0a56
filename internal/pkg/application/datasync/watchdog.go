package datasync

import (
	"context"
	"sync"
	"time"

	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/logging"
	"github.com/diwise/road-monitor-map/pkg/types"
)

// StaleFunc is called for every category that has not been loaded within the
// watchdog's max age.
type StaleFunc func(ctx context.Context, c types.Category, lastLoaded time.Time)

type Watchdog interface {
	Start(ctx context.Context)
	Stop()
}

type watchdogImpl struct {
	done    chan bool
	stop    sync.Once
	loader  *Loader
	maxAge  time.Duration
	onStale StaleFunc
	started time.Time
}

// NewWatchdog keeps an eye on how fresh each category is and reloads the ones
// that have gone stale, for instance after the upstream has been unreachable.
func NewWatchdog(loader *Loader, maxAge time.Duration, onStale StaleFunc) Watchdog {
	if maxAge <= 0 {
		maxAge = 3 * DefaultRefreshInterval
	}

	return &watchdogImpl{
		done:    make(chan bool),
		loader:  loader,
		maxAge:  maxAge,
		onStale: onStale,
	}
}

func (w *watchdogImpl) Start(ctx context.Context) {
	w.started = time.Now().UTC()
	go watch(ctx, w, w.done)
}

func (w *watchdogImpl) Stop() {
	w.stop.Do(func() { close(w.done) })
}

func watch(ctx context.Context, w *watchdogImpl, done <-chan bool) {
	log := logging.GetLoggerFromContext(ctx)

	for {
		next := w.check(ctx, time.Now().UTC())
		log.Debug().Msgf("watchdog will check again in %s", next)

		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-time.After(next):
		}
	}
}

// check reloads every stale category and returns the time until the next
// category would become stale.
func (w *watchdogImpl) check(ctx context.Context, now time.Time) time.Duration {
	log := logging.GetLoggerFromContext(ctx)

	next := w.maxAge
	stale := []types.Category{}

	for _, c := range types.Categories {
		last, ok := w.loader.LastLoaded(c)
		if !ok {
			last = w.started
		}

		if isStale(last, now, w.maxAge) {
			log.Warn().Str("category", string(c)).Msgf("no successful load since %s", last.Format(time.RFC3339))
			stale = append(stale, c)

			if w.onStale != nil {
				w.onStale(ctx, c, last)
			}
			continue
		}

		if d := timeToStale(last, now, w.maxAge); d < next {
			next = d
		}
	}

	if len(stale) > 0 {
		if err := w.loader.LoadAll(ctx, stale...); err != nil {
			log.Error().Err(err).Msg("watchdog reload failed")
		}
	}

	return next
}

func isStale(last, now time.Time, maxAge time.Duration) bool {
	return !last.IsZero() && now.Sub(last) >= maxAge
}

func timeToStale(last, now time.Time, maxAge time.Duration) time.Duration {
	d := last.Add(maxAge).Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}
