package overlay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

func setupEngine(t *testing.T) (*is.I, context.Context, *Engine, *fakeScheduler) {
	is := is.New(t)
	ctx, cancel := context.WithCancel(context.Background())

	sched := &fakeScheduler{}
	e := NewEngine(zerolog.Logger{}, Config{}, WithScheduler(sched))

	go e.Run(ctx)
	t.Cleanup(cancel)

	return is, ctx, e, sched
}

func mount(is *is.I, ctx context.Context, e *Engine) *fakeSurface {
	s := &fakeSurface{}
	is.NoErr(e.Mount(ctx, s))
	return s
}

// barrier waits until everything queued before it has been processed.
func barrier(is *is.I, ctx context.Context, e *Engine) Scene {
	scene, err := e.Scene(ctx)
	is.NoErr(err)
	return scene
}

func TestCommandsAreOnlyAvailableWhileMounted(t *testing.T) {
	is, ctx, e, _ := setupEngine(t)

	req := JumpRequest{Position: types.Position{Latitude: 35.1, Longitude: 126.9}}

	err := e.Commands().Invoke(ctx, "jumpToRiskMarker", req)
	is.True(errors.Is(err, ErrSurfaceNotReady))

	mount(is, ctx, e)
	is.NoErr(e.Commands().Invoke(ctx, "jumpToRiskMarker", req))
	is.Equal(len(e.Commands().Names()), len(types.Categories))

	err = e.Commands().Invoke(ctx, "jumpToNowhere", req)
	is.True(errors.Is(err, ErrUnknownCommand))

	is.NoErr(e.Unmount(ctx))
	err = e.Commands().Invoke(ctx, "jumpToRiskMarker", req)
	is.True(errors.Is(err, ErrSurfaceNotReady))
	is.True(!e.Mounted())
}

func TestMountCreatesOverlaysForLoadedEntities(t *testing.T) {
	is, ctx, e, _ := setupEngine(t)

	_, err := e.ReplaceCategory(ctx, types.CategoryCCTV, 1, []types.GeoEntity{entity(types.CategoryCCTV, "1", 35.1, 126.9)})
	is.NoErr(err)

	s := mount(is, ctx, e)
	scene := barrier(is, ctx, e)

	is.Equal(len(s.liveMarkers()), 1)
	is.True(scene.Mounted)
	is.Equal(scene.Camera.Zoom, 12)
	is.Equal(scene.Counts[types.CategoryCCTV], 1)
	is.Equal(s.moves[0].Center, DefaultConfig().DefaultCenter)
}

func TestJumpToMatchingEntityClicksItOnce(t *testing.T) {
	is, ctx, e, sched := setupEngine(t)

	var clicks atomic.Int32
	e.OnEntityClick(func(c types.Category, ge types.GeoEntity) {
		clicks.Add(1)
	})

	s := mount(is, ctx, e)
	e.SetShowFlags(ctx, types.ShowFlags{Risk: true})
	e.ReplaceCategory(ctx, types.CategoryRisk, 1, []types.GeoEntity{entity(types.CategoryRisk, "r1", 35.1, 126.9)})

	err := e.Commands().Invoke(ctx, CommandName(types.CategoryRisk), JumpRequest{
		Position: types.Position{Latitude: 35.10004, Longitude: 126.90004},
	})
	is.NoErr(err)

	is.Equal(s.moves[len(s.moves)-1], Camera{Center: types.Position{Latitude: 35.10004, Longitude: 126.90004}, Zoom: 16})

	// both the idle event and the settle timeout fire, only the first one counts
	s.settle()
	sched.fire()
	scene := barrier(is, ctx, e)

	is.Equal(clicks.Load(), int32(1))
	is.Equal(len(s.openPopups()), 1)
	is.Equal(*scene.Popup, types.EntityKey("risk/r1"))
}

func TestJumpToHiddenEntityAttachesIt(t *testing.T) {
	is, ctx, e, sched := setupEngine(t)

	s := mount(is, ctx, e)
	e.ReplaceCategory(ctx, types.CategoryComplaint, 0, []types.GeoEntity{entity(types.CategoryComplaint, "c1", 35.1, 126.9)})
	is.True(!s.marker("complaint/c1").attached)

	is.NoErr(e.JumpTo(ctx, types.CategoryComplaint, JumpRequest{EntityID: "c1"}))
	sched.fire()
	barrier(is, ctx, e)

	is.True(s.marker("complaint/c1").attached)
	is.Equal(len(s.openPopups()), 1)
}

func TestJumpToAlreadyOpenEntityKeepsPopupOpen(t *testing.T) {
	is, ctx, e, sched := setupEngine(t)

	s := mount(is, ctx, e)
	e.ReplaceCategory(ctx, types.CategoryCCTV, 0, []types.GeoEntity{entity(types.CategoryCCTV, "1", 35.1, 126.9)})

	found, err := e.Click(ctx, "cctv/1")
	is.NoErr(err)
	is.True(found)

	e.JumpTo(ctx, types.CategoryCCTV, JumpRequest{Position: types.Position{Latitude: 35.1, Longitude: 126.9}})
	sched.fire()
	scene := barrier(is, ctx, e)

	is.Equal(len(s.openPopups()), 1)
	is.Equal(*scene.Popup, types.EntityKey("cctv/1"))
}

func TestJumpClosesOtherPopupBeforeMovingCamera(t *testing.T) {
	is, ctx, e, sched := setupEngine(t)

	s := mount(is, ctx, e)
	e.ReplaceCategory(ctx, types.CategoryCCTV, 0, []types.GeoEntity{
		entity(types.CategoryCCTV, "1", 35.1, 126.9),
		entity(types.CategoryCCTV, "2", 35.2, 126.9),
	})

	found, err := e.Click(ctx, "cctv/1")
	is.NoErr(err)
	is.True(found)
	is.Equal(len(s.openPopups()), 1)

	is.NoErr(e.JumpTo(ctx, types.CategoryCCTV, JumpRequest{EntityID: "2"}))

	// the camera is on its way and the old popup is already gone
	is.Equal(len(s.openPopups()), 0)

	sched.fire()
	scene := barrier(is, ctx, e)

	is.Equal(len(s.openPopups()), 1)
	is.Equal(*scene.Popup, types.EntityKey("cctv/2"))
}

func TestJumpWithoutMatchOpensOneStandalonePopup(t *testing.T) {
	is, ctx, e, sched := setupEngine(t)

	var clicks atomic.Int32
	e.OnEntityClick(func(types.Category, types.GeoEntity) { clicks.Add(1) })

	s := mount(is, ctx, e)
	e.ReplaceCategory(ctx, types.CategoryConstruction, 0, []types.GeoEntity{entity(types.CategoryConstruction, "c", 35.2, 126.9)})

	pos := types.Position{Latitude: 35.1, Longitude: 126.9}
	is.NoErr(e.JumpTo(ctx, types.CategoryConstruction, JumpRequest{Position: pos, Data: []byte(`{"name":"road works"}`)}))

	sched.fire()
	s.settle()
	barrier(is, ctx, e)

	open := s.openPopups()
	is.Equal(len(open), 1)
	is.Equal(len(s.popups), 1)
	is.Equal(open[0].anchor, pos)
	is.Equal(string(open[0].content.Data), `{"name":"road works"}`)
	is.Equal(clicks.Load(), int32(0))
}

func TestNewerJumpCancelsPendingOne(t *testing.T) {
	is, ctx, e, sched := setupEngine(t)

	s := mount(is, ctx, e)
	e.ReplaceCategory(ctx, types.CategoryCCTV, 0, []types.GeoEntity{
		entity(types.CategoryCCTV, "1", 35.1, 126.9),
		entity(types.CategoryCCTV, "2", 35.2, 126.9),
	})

	e.JumpTo(ctx, types.CategoryCCTV, JumpRequest{EntityID: "1"})
	e.JumpTo(ctx, types.CategoryCCTV, JumpRequest{EntityID: "2"})

	is.Equal(len(sched.pending()), 1)

	s.settle()
	sched.fire()
	scene := barrier(is, ctx, e)

	is.Equal(len(s.popups), 1)
	is.Equal(*scene.Popup, types.EntityKey("cctv/2"))
}

func TestJumpRejectsMissingPosition(t *testing.T) {
	is, ctx, e, _ := setupEngine(t)
	mount(is, ctx, e)

	err := e.JumpTo(ctx, types.CategoryRisk, JumpRequest{EntityID: "unknown"})
	is.True(errors.Is(err, ErrInvalidPosition))
}

func TestLeavingAlertModeReloadsBaseCategories(t *testing.T) {
	is, ctx, e, _ := setupEngine(t)

	reloads := make(chan struct{}, 1)
	e.OnReloadBase(func(context.Context) { reloads <- struct{}{} })

	s := mount(is, ctx, e)
	e.ReplaceCategory(ctx, types.CategoryFlood, 0, []types.GeoEntity{entity(types.CategoryFlood, "f", 35.1, 126.9)})

	is.NoErr(e.SetFilter(ctx, types.FilterAlert))
	is.Equal(s.marker("flood/f"), nil)

	is.NoErr(e.SetFilter(ctx, types.FilterAll))

	select {
	case <-reloads:
	case <-time.After(time.Second):
		t.Fatal("base categories were not reloaded")
	}

	is.NoErr(e.Resync(ctx, types.CategoryFlood))
	is.True(s.marker("flood/f").attached)
}

func TestAnnouncementsThroughEngine(t *testing.T) {
	is, ctx, e, sched := setupEngine(t)

	shown, err := e.Announce(ctx, announcement("early", types.SeverityHigh), 0)
	is.NoErr(err)
	is.True(!shown)

	s := mount(is, ctx, e)

	for i := 0; i < 5; i++ {
		shown, _ = e.Announce(ctx, announcement("risk ahead", types.SeverityCritical), 0)
		is.True(shown)
	}

	is.Equal(len(sched.pending()), 1)
	is.Equal(sched.pending()[0].d, 5*time.Second)

	scene := barrier(is, ctx, e)
	is.Equal(scene.Announcement.Message, "risk ahead")

	sched.fire()
	scene = barrier(is, ctx, e)

	is.Equal(scene.Announcement, nil)
	is.Equal(len(s.liveMarkers()), 0)
}

func TestStaleSnapshotDoesNotTouchOverlays(t *testing.T) {
	is, ctx, e, _ := setupEngine(t)
	s := mount(is, ctx, e)

	_, err := e.ReplaceCategory(ctx, types.CategoryCCTV, 5, []types.GeoEntity{entity(types.CategoryCCTV, "new", 35.1, 126.9)})
	is.NoErr(err)

	_, err = e.ReplaceCategory(ctx, types.CategoryCCTV, 4, []types.GeoEntity{entity(types.CategoryCCTV, "old", 35.1, 126.9)})
	is.True(errors.Is(err, ErrStaleSnapshot))

	is.True(s.marker("cctv/new") != nil)
	is.Equal(s.marker("cctv/old"), nil)
}

func TestUnmountDestroysEverything(t *testing.T) {
	is, ctx, e, sched := setupEngine(t)
	s := mount(is, ctx, e)

	e.ReplaceCategory(ctx, types.CategoryCCTV, 0, []types.GeoEntity{entity(types.CategoryCCTV, "1", 35.1, 126.9)})
	e.Click(ctx, "cctv/1")
	e.Announce(ctx, announcement("bye", types.SeverityLow), 0)

	is.NoErr(e.Unmount(ctx))

	is.Equal(len(s.liveMarkers()), 0)
	is.Equal(len(s.openPopups()), 0)
	is.Equal(len(sched.pending()), 0)

	entities, err := e.Entities(ctx, types.CategoryCCTV)
	is.NoErr(err)
	is.Equal(len(entities), 1)
}
