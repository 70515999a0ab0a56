package datasync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diwise/road-monitor-map/internal/pkg/application/overlay"
	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/logging"
	"github.com/diwise/road-monitor-map/pkg/types"
)

const DefaultRetryDelay = 100 * time.Millisecond

type Fetcher interface {
	Fetch(ctx context.Context, c types.Category) ([]types.GeoEntity, error)
}

// Reconciler is the part of the overlay engine the loader drives.
type Reconciler interface {
	Mounted() bool
	ReplaceCategory(ctx context.Context, c types.Category, seq uint64, entities []types.GeoEntity) (overlay.Diff, error)
	Resync(ctx context.Context, c types.Category) error
}

type SnapshotRepository interface {
	SaveSnapshot(ctx context.Context, c types.Category, seq uint64, entities []types.GeoEntity) error
	LoadSnapshot(ctx context.Context, c types.Category) ([]types.GeoEntity, error)
}

type Metrics interface {
	FetchFailed(c types.Category)
	FetchSucceeded(c types.Category, n int)
}

type nopMetrics struct{}

func (nopMetrics) FetchFailed(types.Category)         {}
func (nopMetrics) FetchSucceeded(types.Category, int) {}

type Loader struct {
	fetcher    Fetcher
	target     Reconciler
	repo       SnapshotRepository
	metrics    Metrics
	retryDelay time.Duration
	seq        atomic.Uint64

	mu         sync.Mutex
	lastLoaded map[types.Category]time.Time
}

type Option func(*Loader)

func WithRepository(r SnapshotRepository) Option {
	return func(l *Loader) {
		l.repo = r
	}
}

func WithMetrics(m Metrics) Option {
	return func(l *Loader) {
		l.metrics = m
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(l *Loader) {
		l.retryDelay = d
	}
}

func NewLoader(f Fetcher, target Reconciler, opts ...Option) *Loader {
	l := &Loader{
		fetcher:    f,
		target:     target,
		metrics:    nopMetrics{},
		retryDelay: DefaultRetryDelay,
		lastLoaded: map[types.Category]time.Time{},
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Load fetches category c and hands the result to the overlay engine. A failed
// fetch leaves the previous snapshot in place.
func (l *Loader) Load(ctx context.Context, c types.Category) error {
	log := logging.GetLoggerFromContext(ctx).With().Str("category", string(c)).Logger()

	// sequence numbers are taken at request time so a slow response cannot
	// overwrite the result of a later request
	seq := l.seq.Add(1)

	entities, err := l.fetcher.Fetch(ctx, c)
	if err != nil {
		l.metrics.FetchFailed(c)
		log.Error().Err(err).Msg("failed to fetch entities, keeping last known state")

		if rerr := l.target.Resync(ctx, c); rerr != nil {
			log.Debug().Err(rerr).Msg("could not resync overlays")
		}

		return fmt.Errorf("failed to load %s: %w", c, err)
	}

	l.metrics.FetchSucceeded(c, len(entities))
	l.loaded(c, time.Now().UTC())

	if !l.target.Mounted() {
		log.Debug().Msgf("surface not mounted, retrying in %s", l.retryDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}

	diff, err := l.target.ReplaceCategory(ctx, c, seq, entities)
	if err != nil {
		if errors.Is(err, overlay.ErrStaleSnapshot) {
			log.Debug().Err(err).Msg("ignoring stale snapshot")
			return nil
		}
		return fmt.Errorf("failed to apply %s snapshot: %w", c, err)
	}

	log.Debug().Msgf("applied snapshot %d: %d added, %d removed, %d kept", seq, len(diff.Added), len(diff.Removed), len(diff.Kept))

	if l.repo != nil {
		if err := l.repo.SaveSnapshot(ctx, c, seq, entities); err != nil {
			log.Error().Err(err).Msg("failed to persist snapshot")
		}
	}

	return nil
}

func (l *Loader) loaded(c types.Category, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastLoaded[c] = at
}

// LastLoaded returns the time of the last successful fetch of category c.
func (l *Loader) LastLoaded(c types.Category) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	at, ok := l.lastLoaded[c]
	return at, ok
}

// LoadAll loads the given categories concurrently, or every category if none are given.
func (l *Loader) LoadAll(ctx context.Context, categories ...types.Category) error {
	if len(categories) == 0 {
		categories = types.Categories
	}

	var wg sync.WaitGroup
	errs := make([]error, len(categories))

	for i, c := range categories {
		wg.Add(1)
		go func(i int, c types.Category) {
			defer wg.Done()
			errs[i] = l.Load(ctx, c)
		}(i, c)
	}

	wg.Wait()

	return errors.Join(errs...)
}

// ReloadBase refreshes the operational categories. It is used as the engine's
// hook for leaving the alert filter.
func (l *Loader) ReloadBase(ctx context.Context) {
	if err := l.LoadAll(ctx, types.BaseCategories...); err != nil {
		log := logging.GetLoggerFromContext(ctx)
		log.Error().Err(err).Msg("failed to reload base categories")
	}
}

// Warm restores persisted snapshots so the map has content before the first
// upstream fetch completes.
func (l *Loader) Warm(ctx context.Context) error {
	if l.repo == nil {
		return nil
	}

	log := logging.GetLoggerFromContext(ctx)

	for _, c := range types.Categories {
		seq := l.seq.Add(1)

		entities, err := l.repo.LoadSnapshot(ctx, c)
		if err != nil {
			return fmt.Errorf("failed to restore %s snapshot: %w", c, err)
		}

		if len(entities) == 0 {
			continue
		}

		if _, err := l.target.ReplaceCategory(ctx, c, seq, entities); err != nil && !errors.Is(err, overlay.ErrStaleSnapshot) {
			return err
		}

		log.Info().Str("category", string(c)).Msgf("restored %d entities from snapshot", len(entities))
	}

	return nil
}
