package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrEngineStopped = errors.New("overlay engine is not running")
var ErrInvalidPosition = errors.New("invalid position")

type Config struct {
	DetailZoom      int            `yaml:"detailZoom"`
	JumpTolerance   float64        `yaml:"jumpTolerance"`
	SettleTimeout   time.Duration  `yaml:"settleTimeout"`
	AnnouncementTTL time.Duration  `yaml:"announcementTTL"`
	DefaultCenter   types.Position `yaml:"defaultCenter"`
	DefaultZoom     int            `yaml:"defaultZoom"`
	QueueSize       int            `yaml:"queueSize"`
}

func DefaultConfig() Config {
	return Config{
		DetailZoom:      16,
		JumpTolerance:   1e-4,
		SettleTimeout:   500 * time.Millisecond,
		AnnouncementTTL: 5 * time.Second,
		DefaultCenter:   types.Position{Latitude: 35.146667, Longitude: 126.888667},
		DefaultZoom:     12,
		QueueSize:       256,
	}
}

// withDefaults fills every zero valued field from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DetailZoom <= 0 {
		c.DetailZoom = d.DetailZoom
	}
	if c.JumpTolerance <= 0 {
		c.JumpTolerance = d.JumpTolerance
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = d.SettleTimeout
	}
	if c.AnnouncementTTL <= 0 {
		c.AnnouncementTTL = d.AnnouncementTTL
	}
	if !c.DefaultCenter.Valid() {
		c.DefaultCenter = d.DefaultCenter
	}
	if c.DefaultZoom <= 0 {
		c.DefaultZoom = d.DefaultZoom
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// Metrics receives engine events. Implementations must not call back into the engine.
type Metrics interface {
	EntityDropped(c types.Category, reason string)
	Reconciled(c types.Category, diff Diff)
	PopupOpened()
	AnnouncementShown(s types.Severity)
	JumpCompleted(c types.Category, matched bool)
}

type nopMetrics struct{}

func (nopMetrics) EntityDropped(types.Category, string) {}
func (nopMetrics) Reconciled(types.Category, Diff)      {}
func (nopMetrics) PopupOpened()                         {}
func (nopMetrics) AnnouncementShown(types.Severity)     {}
func (nopMetrics) JumpCompleted(types.Category, bool)   {}

type Camera struct {
	Center types.Position `json:"center"`
	Zoom   int            `json:"zoom"`
}

type Scene struct {
	Mounted      bool                   `json:"mounted"`
	Filter       types.Filter           `json:"filter"`
	Flags        types.ShowFlags        `json:"flags"`
	Camera       Camera                 `json:"camera"`
	Overlays     []OverlayState         `json:"overlays"`
	Popup        *types.EntityKey       `json:"popup,omitempty"`
	Announcement *types.Announcement    `json:"announcement,omitempty"`
	Commands     []string               `json:"commands"`
	Counts       map[types.Category]int `json:"counts"`
}

type pendingJump struct {
	gen        uint64
	timer      Timer
	cancelIdle func()
}

type Option func(*Engine)

func WithScheduler(s Scheduler) Option {
	return func(e *Engine) {
		e.scheduler = s
	}
}

func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine serialises every mutation of the overlay state on a single goroutine.
// Public methods submit work to that goroutine and wait for it to finish, so
// they must never be called from a click listener or reload hook directly.
type Engine struct {
	cfg       Config
	log       zerolog.Logger
	scheduler Scheduler
	metrics   Metrics

	queue   chan func()
	stopped chan struct{}
	runCtx  context.Context
	mounted atomic.Bool

	store        *Store
	popups       *PopupSingleton
	overlays     *OverlayManager
	announcement *AnnouncementOverlay
	commands     *CommandBus

	surface    Surface
	camera     Camera
	jump       *pendingJump
	jumpGen    uint64
	reloadBase func(ctx context.Context)
}

func NewEngine(log zerolog.Logger, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:       cfg,
		log:       log,
		scheduler: NewScheduler(),
		metrics:   nopMetrics{},
		stopped:   make(chan struct{}),
		runCtx:    context.Background(),
		commands:  NewCommandBus(),
		camera:    Camera{Center: cfg.DefaultCenter, Zoom: cfg.DefaultZoom},
	}

	for _, opt := range opts {
		opt(e)
	}

	e.queue = make(chan func(), cfg.QueueSize)
	e.store = NewStore(log, e.metrics.EntityDropped)
	e.popups = NewPopupSingleton(func(types.EntityKey) { e.metrics.PopupOpened() })
	e.overlays = NewOverlayManager(log, e.store, e.popups, e.dispatch)
	e.announcement = NewAnnouncementOverlay(log, e.scheduler, e.dispatch)

	return e
}

// Run processes submitted work until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	defer close(e.stopped)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case fn := <-e.queue:
			fn()
		}
	}
}

func (e *Engine) shutdown() {
	e.commands.Teardown()
	e.cancelJump()
	e.announcement.Clear()
	e.popups.Close()
	e.mounted.Store(false)
}

func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})

	select {
	case e.queue <- func() { fn(); close(done) }:
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch returns a function that posts fn to the loop without waiting. It is
// used for timer and surface callbacks that may fire on any goroutine, including
// the loop itself.
func (e *Engine) dispatch(fn func()) func() {
	return func() {
		select {
		case e.queue <- fn:
		default:
			go func() {
				select {
				case e.queue <- fn:
				case <-e.stopped:
				}
			}()
		}
	}
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Commands() *CommandBus {
	return e.commands
}

func (e *Engine) Mounted() bool {
	return e.mounted.Load()
}

// OnEntityClick registers l to be called on the engine goroutine for every
// click on an attached overlay. Register listeners before calling Run.
func (e *Engine) OnEntityClick(l ClickListener) {
	e.overlays.OnClick(l)
}

// OnReloadBase sets the hook that refreshes the base categories when the alert
// filter is left. The hook runs on its own goroutine. Without a hook the base
// overlays are rebuilt from the store.
func (e *Engine) OnReloadBase(fn func(ctx context.Context)) {
	e.reloadBase = fn
}

// Mount attaches a rendering surface, recreates every overlay on it and
// installs the jump commands.
func (e *Engine) Mount(ctx context.Context, s Surface) error {
	return e.do(ctx, func() {
		if e.surface != nil {
			e.unmount()
		}

		e.surface = s
		e.popups.setSurface(s)
		e.overlays.setSurface(s)
		e.announcement.setSurface(s)

		e.camera = Camera{Center: e.cfg.DefaultCenter, Zoom: e.cfg.DefaultZoom}
		s.MoveCamera(e.camera.Center, e.camera.Zoom)

		for _, c := range types.Categories {
			e.overlays.Sync(c)
		}

		e.commands.Install(e.jumpCommands())
		e.mounted.Store(true)

		e.log.Info().Msg("rendering surface mounted")
	})
}

func (e *Engine) Unmount(ctx context.Context) error {
	return e.do(ctx, func() {
		if e.surface != nil {
			e.unmount()
			e.log.Info().Msg("rendering surface unmounted")
		}
	})
}

func (e *Engine) unmount() {
	e.mounted.Store(false)
	e.commands.Teardown()
	e.cancelJump()
	e.announcement.setSurface(nil)
	e.popups.setSurface(nil)
	e.overlays.setSurface(nil)
	e.surface = nil
}

func (e *Engine) jumpCommands() map[string]Command {
	commands := map[string]Command{}

	for _, c := range types.Categories {
		category := c
		commands[CommandName(category)] = func(ctx context.Context, req JumpRequest) error {
			return e.JumpTo(ctx, category, req)
		}
	}

	return commands
}

// ReplaceCategory swaps the entity set of category c and reconciles its overlays.
func (e *Engine) ReplaceCategory(ctx context.Context, c types.Category, seq uint64, entities []types.GeoEntity) (Diff, error) {
	var diff Diff
	var err error

	doErr := e.do(ctx, func() {
		diff, err = e.store.ReplaceCategory(c, seq, entities)
		if err != nil {
			return
		}

		e.overlays.Reconcile(c, diff)
		e.metrics.Reconciled(c, diff)
	})
	if doErr != nil {
		return Diff{}, doErr
	}

	return diff, err
}

func (e *Engine) AddEntity(ctx context.Context, entity types.GeoEntity) (Diff, error) {
	var diff Diff
	var err error

	doErr := e.do(ctx, func() {
		diff, err = e.store.Add(entity)
		if err != nil {
			return
		}

		e.overlays.Reconcile(entity.Category, diff)
		e.metrics.Reconciled(entity.Category, diff)
	})
	if doErr != nil {
		return Diff{}, doErr
	}

	return diff, err
}

func (e *Engine) RemoveEntity(ctx context.Context, c types.Category, id string) (bool, error) {
	var removed bool

	err := e.do(ctx, func() {
		var diff Diff
		diff, removed = e.store.Remove(c, id)
		if removed {
			e.overlays.Reconcile(c, diff)
			e.metrics.Reconciled(c, diff)
		}
	})

	return removed, err
}

// Resync rebuilds the overlays of category c from the store, leaving its content untouched.
func (e *Engine) Resync(ctx context.Context, c types.Category) error {
	return e.do(ctx, func() {
		e.overlays.Sync(c)
	})
}

func (e *Engine) Entities(ctx context.Context, c types.Category) ([]types.GeoEntity, error) {
	var entities []types.GeoEntity
	err := e.do(ctx, func() {
		entities = e.store.List(c)
	})
	return entities, err
}

func (e *Engine) SetFilter(ctx context.Context, f types.Filter) error {
	return e.do(ctx, func() {
		prev, flags := e.overlays.Selection()
		e.overlays.SetSelection(f, flags)

		if prev == types.FilterAlert && f != types.FilterAlert {
			e.reloadBaseCategories()
		}
	})
}

func (e *Engine) reloadBaseCategories() {
	if e.reloadBase == nil {
		for _, c := range types.BaseCategories {
			e.overlays.Sync(c)
		}
		return
	}

	ctx := e.runCtx
	go e.reloadBase(ctx)
}

func (e *Engine) SetShowFlags(ctx context.Context, flags types.ShowFlags) error {
	return e.do(ctx, func() {
		f, _ := e.overlays.Selection()
		e.overlays.SetSelection(f, flags)
	})
}

// Click behaves as if the user clicked the overlay identified by key.
func (e *Engine) Click(ctx context.Context, key types.EntityKey) (bool, error) {
	var found bool
	err := e.do(ctx, func() {
		found = e.overlays.Click(key)
	})
	return found, err
}

func (e *Engine) ClosePopup(ctx context.Context) error {
	return e.do(ctx, func() {
		e.popups.Close()
	})
}

// CameraIdle records where the surface camera came to rest.
func (e *Engine) CameraIdle(ctx context.Context, camera Camera) error {
	return e.do(ctx, func() {
		if camera.Center.Valid() && camera.Zoom > 0 {
			e.camera = camera
		}
	})
}

// JumpTo centres the map on req.Position and, once the camera settles, opens the
// matching overlay of category c. When nothing matches a standalone popup is
// shown at the requested position instead.
func (e *Engine) JumpTo(ctx context.Context, c types.Category, req JumpRequest) error {
	var err error
	doErr := e.do(ctx, func() {
		err = e.jumpTo(c, req)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

func (e *Engine) jumpTo(c types.Category, req JumpRequest) error {
	if e.surface == nil {
		return ErrSurfaceNotReady
	}

	pos := req.Position
	if !pos.Valid() && req.EntityID != "" {
		if o := e.overlays.Find(c, req.EntityID); o != nil {
			pos = o.position
		}
	}
	if !pos.Valid() {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidPosition, pos.Latitude, pos.Longitude)
	}

	e.cancelJump()

	// only the popup of the jump target may stay open while the camera moves
	var target types.EntityKey
	if o := e.locate(c, req.EntityID, pos); o != nil {
		target = o.key
	}
	e.popups.CloseUnless(target)

	e.jumpGen++
	gen := e.jumpGen

	e.camera = Camera{Center: pos, Zoom: e.cfg.DetailZoom}
	e.surface.MoveCamera(pos, e.cfg.DetailZoom)

	settle := e.dispatch(func() {
		e.completeJump(gen, c, req, pos)
	})

	j := &pendingJump{gen: gen}
	e.jump = j
	j.cancelIdle = e.surface.OnceIdle(settle)
	j.timer = e.scheduler.AfterFunc(e.cfg.SettleTimeout, settle)

	return nil
}

func (e *Engine) completeJump(gen uint64, c types.Category, req JumpRequest, pos types.Position) {
	if e.jump == nil || e.jump.gen != gen {
		return
	}
	e.cancelJump()

	if e.surface == nil {
		return
	}

	o := e.locate(c, req.EntityID, pos)

	e.metrics.JumpCompleted(c, o != nil)

	if o != nil {
		if !o.marker.Attached() {
			o.marker.Attach()
		}
		// a jump always ends with the popup open, so undo the toggle first
		e.popups.CloseIf(o.key)
		o.click()
		return
	}

	e.log.Debug().Str("category", string(c)).Msgf("no overlay near %v,%v, opening standalone popup", pos.Latitude, pos.Longitude)

	e.popups.Open(types.EntityKey("standalone/"+uuid.NewString()), types.PopupContent{
		Title: string(c),
		Data:  req.Data,
	}, pos)
}

// locate prefers the stable id and falls back to the closest overlay within
// the jump tolerance.
func (e *Engine) locate(c types.Category, id string, pos types.Position) *Overlay {
	if id != "" {
		if o := e.overlays.Find(c, id); o != nil {
			return o
		}
	}
	return e.overlays.FindNear(c, pos, e.cfg.JumpTolerance)
}

func (e *Engine) cancelJump() {
	if e.jump == nil {
		return
	}

	if e.jump.timer != nil {
		e.jump.timer.Stop()
	}
	if e.jump.cancelIdle != nil {
		e.jump.cancelIdle()
	}
	e.jump = nil
}

// Announce shows ann in the announcement slot for ttl, or the configured
// default when ttl is zero. It reports false when no surface is mounted.
func (e *Engine) Announce(ctx context.Context, ann types.Announcement, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = e.cfg.AnnouncementTTL
	}

	var shown bool
	err := e.do(ctx, func() {
		shown = e.announcement.Show(ann, ttl)
		if shown {
			e.metrics.AnnouncementShown(ann.Severity)
		}
	})

	return shown, err
}

func (e *Engine) Scene(ctx context.Context) (Scene, error) {
	var scene Scene

	err := e.do(ctx, func() {
		filter, flags := e.overlays.Selection()

		scene = Scene{
			Mounted:      e.surface != nil,
			Filter:       filter,
			Flags:        flags,
			Camera:       e.camera,
			Overlays:     e.overlays.States(),
			Announcement: e.announcement.Current(),
			Commands:     e.commands.Names(),
			Counts:       map[types.Category]int{},
		}

		if key, open := e.popups.Current(); open {
			scene.Popup = &key
		}

		for _, c := range types.Categories {
			scene.Counts[c] = e.store.Len(c)
		}
	})

	return scene, err
}
