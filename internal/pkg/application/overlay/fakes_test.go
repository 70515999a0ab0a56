package overlay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/diwise/road-monitor-map/pkg/types"
)

type fakeMarker struct {
	opts      MarkerOptions
	attached  bool
	destroyed bool
	position  types.Position
}

func (m *fakeMarker) Attach()                      { m.attached = true }
func (m *fakeMarker) Detach()                      { m.attached = false }
func (m *fakeMarker) Attached() bool               { return m.attached }
func (m *fakeMarker) SetPosition(p types.Position) { m.position = p }
func (m *fakeMarker) Destroy() {
	m.attached = false
	m.destroyed = true
}

type fakePopup struct {
	anchor  types.Position
	content types.PopupContent
	closed  bool
}

func (p *fakePopup) Close() { p.closed = true }

type fakeSurface struct {
	mu      sync.Mutex
	markers []*fakeMarker
	popups  []*fakePopup
	moves   []Camera
	idle    []func()
}

func (s *fakeSurface) NewMarker(opts MarkerOptions) Marker {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &fakeMarker{opts: opts, position: opts.Position}
	s.markers = append(s.markers, m)
	return m
}

func (s *fakeSurface) OpenPopup(anchor types.Position, content types.PopupContent) Popup {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &fakePopup{anchor: anchor, content: content}
	s.popups = append(s.popups, p)
	return p
}

func (s *fakeSurface) MoveCamera(center types.Position, zoom int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.moves = append(s.moves, Camera{Center: center, Zoom: zoom})
}

func (s *fakeSurface) OnceIdle(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cancelled atomic.Bool
	s.idle = append(s.idle, func() {
		if !cancelled.Load() {
			fn()
		}
	})

	return func() { cancelled.Store(true) }
}

// settle fires every registered idle callback once.
func (s *fakeSurface) settle() {
	s.mu.Lock()
	idle := s.idle
	s.idle = nil
	s.mu.Unlock()

	for _, fn := range idle {
		fn()
	}
}

func (s *fakeSurface) openPopups() []*fakePopup {
	s.mu.Lock()
	defer s.mu.Unlock()

	open := []*fakePopup{}
	for _, p := range s.popups {
		if !p.closed {
			open = append(open, p)
		}
	}
	return open
}

func (s *fakeSurface) liveMarkers() []*fakeMarker {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := []*fakeMarker{}
	for _, m := range s.markers {
		if !m.destroyed {
			live = append(live, m)
		}
	}
	return live
}

func (s *fakeSurface) marker(key types.EntityKey) *fakeMarker {
	for _, m := range s.liveMarkers() {
		if m.opts.Key == key {
			return m
		}
	}
	return nil
}

type fakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

func (t *fakeTimer) isPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return !t.stopped && !t.fired
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := []*fakeTimer{}
	for _, t := range s.timers {
		if t.isPending() {
			p = append(p, t)
		}
	}
	return p
}

// fire runs every pending timer as if its duration had elapsed.
func (s *fakeScheduler) fire() {
	for _, t := range s.pending() {
		t.mu.Lock()
		t.fired = true
		t.mu.Unlock()
		t.f()
	}
}

func entity(c types.Category, id string, lat, lon float64) types.GeoEntity {
	return types.GeoEntity{
		ID:       id,
		Category: c,
		Position: types.Position{Latitude: lat, Longitude: lon},
	}
}
