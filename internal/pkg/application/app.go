package application

import (
	"context"
	"fmt"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/road-monitor-map/internal/pkg/application/datasync"
	"github.com/diwise/road-monitor-map/internal/pkg/application/events"
	"github.com/diwise/road-monitor-map/internal/pkg/application/overlay"
	"github.com/diwise/road-monitor-map/internal/pkg/application/webevents"
	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/logging"
	"github.com/diwise/road-monitor-map/pkg/types"
)

type App interface {
	Start(ctx context.Context) error
	Stop()

	Mount(ctx context.Context, s overlay.Surface) error
	Unmount(ctx context.Context) error
	CameraIdle(ctx context.Context, camera overlay.Camera) error
	Click(ctx context.Context, key types.EntityKey) error
	ClosePopup(ctx context.Context) error

	Scene(ctx context.Context) (overlay.Scene, error)
	SetFilter(ctx context.Context, f types.Filter) error
	SetShowFlags(ctx context.Context, flags types.ShowFlags) error

	Refresh(ctx context.Context, categories ...types.Category) error
	AddEntity(ctx context.Context, e types.GeoEntity) error
	RemoveEntity(ctx context.Context, c types.Category, id string) error

	Invoke(ctx context.Context, command string, req overlay.JumpRequest) error
	Announce(ctx context.Context, msg types.AnnouncementMessage, ttl time.Duration) (bool, error)
}

// Publisher is the part of the messaging context used to forward click events.
type Publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

type app struct {
	engine      *overlay.Engine
	loader      *datasync.Loader
	refresher   datasync.Refresher
	webEvents   webevents.WebEvents
	eventSender events.EventSender
	publisher   Publisher
	watchdog    datasync.Watchdog
	ctx         context.Context
	cancel      context.CancelFunc
}

type Option func(*app)

// WithWatchdog reloads categories that have not been fetched successfully
// within maxAge and tells web clients about them.
func WithWatchdog(maxAge time.Duration) Option {
	return func(a *app) {
		a.watchdog = datasync.NewWatchdog(a.loader, maxAge, a.categoryStale)
	}
}

func New(engine *overlay.Engine, loader *datasync.Loader, refresher datasync.Refresher, we webevents.WebEvents, e events.EventSender, p Publisher, opts ...Option) App {
	a := &app{
		engine:      engine,
		loader:      loader,
		refresher:   refresher,
		webEvents:   we,
		eventSender: e,
		publisher:   p,
		ctx:         context.Background(),
	}

	for _, opt := range opts {
		opt(a)
	}

	engine.OnEntityClick(a.entityClicked)
	engine.OnReloadBase(loader.ReloadBase)

	return a
}

// Start runs the engine, restores persisted snapshots and kicks off the first
// load of every category.
func (a *app) Start(ctx context.Context) error {
	log := logging.GetLoggerFromContext(ctx)

	ctx, a.cancel = context.WithCancel(ctx)
	a.ctx = ctx

	go a.engine.Run(ctx)

	if err := a.loader.Warm(ctx); err != nil {
		log.Warn().Err(err).Msg("could not restore snapshots")
	}

	go func() {
		if err := a.loader.LoadAll(ctx); err != nil {
			log.Error().Err(err).Msg("initial load incomplete")
		}
	}()

	if a.refresher != nil {
		a.refresher.Start(ctx)
	}

	if a.watchdog != nil {
		a.watchdog.Start(ctx)
	}

	return nil
}

func (a *app) Stop() {
	if a.refresher != nil {
		a.refresher.Stop()
	}
	if a.watchdog != nil {
		a.watchdog.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.webEvents != nil {
		a.webEvents.Shutdown()
	}
}

func (a *app) Mount(ctx context.Context, s overlay.Surface) error {
	return a.engine.Mount(ctx, s)
}

func (a *app) Unmount(ctx context.Context) error {
	return a.engine.Unmount(ctx)
}

func (a *app) CameraIdle(ctx context.Context, camera overlay.Camera) error {
	return a.engine.CameraIdle(ctx, camera)
}

func (a *app) Click(ctx context.Context, key types.EntityKey) error {
	found, err := a.engine.Click(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no overlay for %s: %w", key, ErrNotFound)
	}
	return nil
}

func (a *app) ClosePopup(ctx context.Context) error {
	return a.engine.ClosePopup(ctx)
}

func (a *app) Scene(ctx context.Context) (overlay.Scene, error) {
	return a.engine.Scene(ctx)
}

func (a *app) SetFilter(ctx context.Context, f types.Filter) error {
	return a.engine.SetFilter(ctx, f)
}

func (a *app) SetShowFlags(ctx context.Context, flags types.ShowFlags) error {
	return a.engine.SetShowFlags(ctx, flags)
}

func (a *app) Refresh(ctx context.Context, categories ...types.Category) error {
	return a.loader.LoadAll(ctx, categories...)
}

func (a *app) AddEntity(ctx context.Context, e types.GeoEntity) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := a.engine.AddEntity(ctx, e)
	return err
}

func (a *app) RemoveEntity(ctx context.Context, c types.Category, id string) error {
	removed, err := a.engine.RemoveEntity(ctx, c, id)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%s/%s: %w", c, id, ErrNotFound)
	}
	return nil
}

func (a *app) Invoke(ctx context.Context, command string, req overlay.JumpRequest) error {
	return a.engine.Commands().Invoke(ctx, command, req)
}

func (a *app) Announce(ctx context.Context, msg types.AnnouncementMessage, ttl time.Duration) (bool, error) {
	ann := types.Announcement{
		Position:       types.Position{Latitude: msg.Latitude, Longitude: msg.Longitude},
		Message:        msg.Message,
		Severity:       types.ParseSeverity(msg.Level),
		RiskDetail:     msg.RiskDetail,
		TotalRiskScore: msg.TotalRiskScore,
	}

	if !ann.Position.Valid() {
		return false, fmt.Errorf("announcement %q: %w", msg.Message, overlay.ErrInvalidPosition)
	}

	return a.engine.Announce(ctx, ann, ttl)
}

// entityClicked runs on the engine goroutine, so the fan-out happens elsewhere.
func (a *app) entityClicked(c types.Category, e types.GeoEntity) {
	evt := types.EntityClicked{
		Category:  c,
		EntityID:  e.ID,
		Position:  e.Position,
		Timestamp: time.Now().UTC(),
	}

	go a.notify(evt)
}

func (a *app) notify(evt types.EntityClicked) {
	ctx := a.ctx
	log := logging.GetLoggerFromContext(ctx).With().Str("entityID", evt.EntityID).Str("category", string(evt.Category)).Logger()

	if a.webEvents != nil {
		if err := a.webEvents.Publish("entityClicked", evt); err != nil {
			log.Error().Err(err).Msg("could not publish web event")
		}
	}

	if a.eventSender != nil {
		if err := a.eventSender.Send(ctx, evt); err != nil {
			log.Error().Err(err).Msg("could not send click event")
		}
	}

	if a.publisher != nil {
		if err := a.publisher.PublishOnTopic(ctx, &evt); err != nil {
			log.Error().Err(err).Msg("could not publish click on topic")
		}
	}
}

func (a *app) categoryStale(ctx context.Context, c types.Category, lastLoaded time.Time) {
	if a.webEvents == nil {
		return
	}

	evt := struct {
		Category   types.Category `json:"category"`
		LastLoaded time.Time      `json:"lastLoaded"`
	}{c, lastLoaded}

	if err := a.webEvents.Publish("categoryStale", evt); err != nil {
		log := logging.GetLoggerFromContext(ctx)
		log.Error().Err(err).Msg("could not publish web event")
	}
}
