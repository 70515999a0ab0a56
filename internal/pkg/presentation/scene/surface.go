package scene

import (
	"sort"

	"github.com/diwise/road-monitor-map/internal/pkg/application/overlay"
	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/samber/lo"
)

type marker struct {
	hub       *Hub
	opts      overlay.MarkerOptions
	position  types.Position
	attached  bool
	destroyed bool
}

func (m *marker) state() MarkerState {
	return MarkerState{
		Key:      m.opts.Key,
		Category: m.opts.Category,
		Position: m.position,
		Title:    m.opts.Title,
		Severity: m.opts.Severity,
	}
}

func (m *marker) Attach() {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()

	if m.destroyed || m.attached {
		return
	}

	m.attached = true
	m.hub.broadcast(Message{Type: MessageTypeMarker, Data: MarkerDelta{Op: OpAdd, Marker: m.state()}})
}

func (m *marker) Detach() {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()

	if m.destroyed || !m.attached {
		return
	}

	m.attached = false
	m.hub.broadcast(Message{Type: MessageTypeMarker, Data: MarkerDelta{Op: OpRemove, Marker: m.state()}})
}

func (m *marker) Attached() bool {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()

	return m.attached
}

func (m *marker) SetPosition(p types.Position) {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()

	if m.destroyed {
		return
	}

	m.position = p
	if m.attached {
		m.hub.broadcast(Message{Type: MessageTypeMarker, Data: MarkerDelta{Op: OpUpdate, Marker: m.state()}})
	}
}

func (m *marker) Destroy() {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()

	if m.destroyed {
		return
	}

	wasAttached := m.attached
	m.destroyed = true
	m.attached = false

	if m.hub.markers[m.opts.Key] == m {
		delete(m.hub.markers, m.opts.Key)
	}

	if wasAttached {
		m.hub.broadcast(Message{Type: MessageTypeMarker, Data: MarkerDelta{Op: OpRemove, Marker: m.state()}})
	}
}

type popup struct {
	hub    *Hub
	state  PopupState
	closed bool
}

func (p *popup) Close() {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	if p.hub.popup == p {
		p.hub.popup = nil
	}

	p.hub.broadcast(Message{Type: MessageTypePopup, Data: PopupDelta{Op: OpClose, Popup: p.state}})
}

// NewMarker creates a detached marker. Clients only learn about markers once
// they are attached.
func (h *Hub) NewMarker(opts overlay.MarkerOptions) overlay.Marker {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := &marker{hub: h, opts: opts, position: opts.Position}

	if old, ok := h.markers[opts.Key]; ok && old.attached {
		old.destroyed = true
		h.broadcast(Message{Type: MessageTypeMarker, Data: MarkerDelta{Op: OpRemove, Marker: old.state()}})
	}
	h.markers[opts.Key] = m

	return m
}

func (h *Hub) OpenPopup(anchor types.Position, content types.PopupContent) overlay.Popup {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.popupSeq++
	p := &popup{hub: h, state: PopupState{ID: h.popupSeq, Anchor: anchor, Content: content}}
	h.popup = p

	h.broadcast(Message{Type: MessageTypePopup, Data: PopupDelta{Op: OpOpen, Popup: p.state}})

	return p
}

func (h *Hub) MoveCamera(center types.Position, zoom int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.camera = overlay.Camera{Center: center, Zoom: zoom}
	h.broadcast(Message{Type: MessageTypeCamera, Data: h.camera})
}

// OnceIdle registers fn to run the next time any client reports that its
// camera came to rest.
func (h *Hub) OnceIdle(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.idleSeq++
	id := h.idleSeq
	h.idle[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.idle, id)
	}
}

func (h *Hub) snapshot() Snapshot {
	attached := lo.Filter(lo.Values(h.markers), func(m *marker, _ int) bool { return m.attached })

	markers := lo.Map(attached, func(m *marker, _ int) MarkerState { return m.state() })
	sort.Slice(markers, func(i, j int) bool { return markers[i].Key < markers[j].Key })

	s := Snapshot{
		Markers: markers,
		Camera:  h.camera,
	}

	if h.popup != nil {
		state := h.popup.state
		s.Popup = &state
	}

	return s
}
