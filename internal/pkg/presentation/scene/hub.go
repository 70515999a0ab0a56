package scene

import (
	"context"
	"net/http"
	"sync"

	"github.com/diwise/road-monitor-map/internal/pkg/application/overlay"
	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/logging"
	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Controller is the part of the application driven by connected map clients.
type Controller interface {
	Mount(ctx context.Context, s overlay.Surface) error
	Unmount(ctx context.Context) error
	CameraIdle(ctx context.Context, camera overlay.Camera) error
	ClosePopup(ctx context.Context) error
}

// Hub is the rendering surface shared by every connected map client. Overlay
// changes made by the engine are broadcast as deltas, and the surface is
// mounted when the first client is ready and unmounted when the last one leaves.
type Hub struct {
	ctx        context.Context
	log        zerolog.Logger
	controller Controller
	upgrader   websocket.Upgrader

	// lifecycle serialises calls to Mount and Unmount. It is never held
	// together with mu while calling the controller.
	lifecycle sync.Mutex

	mu       sync.Mutex
	mounted  bool
	clients  map[*Client]bool
	markers  map[types.EntityKey]*marker
	popup    *popup
	popupSeq uint64
	camera   overlay.Camera
	idle     map[uint64]func()
	idleSeq  uint64
}

var _ overlay.Surface = (*Hub)(nil)

func NewHub(ctx context.Context, controller Controller, allowedOrigins []string) *Hub {
	h := &Hub{
		ctx:        ctx,
		log:        logging.GetLoggerFromContext(ctx).With().Str("component", "scene").Logger(),
		controller: controller,
		clients:    map[*Client]bool{},
		markers:    map[types.EntityKey]*marker{},
		idle:       map[uint64]func(){},
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			return lo.Contains(allowedOrigins, "*") || lo.Contains(allowedOrigins, origin)
		},
	}

	return h
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(h, conn)

	h.mu.Lock()
	h.clients[c] = false
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info().Int("clients", count).Msg("map client connected")

	go c.writePump()
	c.readPump()
}

// Clients returns the number of connected clients and how many of them are ready.
func (h *Hub) Clients() (connected, ready int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients), h.readyCount()
}

func (h *Hub) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.snapshot()
}

func (h *Hub) handle(c *Client, msg ClientMessage) {
	switch msg.Type {
	case MessageTypeReady:
		h.ready(c)
	case MessageTypeClick:
		h.click(msg.Key)
	case MessageTypeIdle:
		h.idled(msg.Camera)
	case MessageTypeClosePopup:
		if err := h.controller.ClosePopup(h.ctx); err != nil {
			h.log.Error().Err(err).Msg("could not close popup")
		}
	default:
		h.log.Debug().Str("type", msg.Type).Msg("ignoring unknown client message")
	}
}

func (h *Hub) ready(c *Client) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	ready, ok := h.clients[c]
	if !ok || ready {
		h.mu.Unlock()
		return
	}

	h.clients[c] = true
	c.enqueue(Message{Type: MessageTypeSnapshot, Data: h.snapshot()})

	mount := !h.mounted
	h.mounted = true
	h.mu.Unlock()

	if !mount {
		return
	}

	if err := h.controller.Mount(h.ctx, h); err != nil {
		h.log.Error().Err(err).Msg("could not mount map surface")

		h.mu.Lock()
		h.mounted = false
		h.mu.Unlock()
	}
}

func (h *Hub) leave(c *Client) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	h.remove(c)

	unmount := h.mounted && h.readyCount() == 0
	if unmount {
		h.mounted = false
		h.idle = map[uint64]func(){}
	}
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info().Int("clients", count).Msg("map client disconnected")

	if unmount {
		if err := h.controller.Unmount(h.ctx); err != nil {
			h.log.Error().Err(err).Msg("could not unmount map surface")
		}
	}
}

func (h *Hub) click(key types.EntityKey) {
	var onClick func()

	h.mu.Lock()
	if m, ok := h.markers[key]; ok && m.attached {
		onClick = m.opts.OnClick
	}
	h.mu.Unlock()

	if onClick == nil {
		h.log.Debug().Str("key", string(key)).Msg("click on unknown marker")
		return
	}

	onClick()
}

func (h *Hub) idled(camera *overlay.Camera) {
	h.mu.Lock()
	callbacks := lo.Values(h.idle)
	h.idle = map[uint64]func(){}
	if camera != nil {
		h.camera = *camera
	}
	h.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}

	if camera != nil {
		if err := h.controller.CameraIdle(h.ctx, *camera); err != nil {
			h.log.Error().Err(err).Msg("could not record camera position")
		}
	}
}

// broadcast must be called with mu held so that deltas are queued in the
// order they were applied.
func (h *Hub) broadcast(msg Message) {
	for c, ready := range h.clients {
		if !ready {
			continue
		}
		if !c.enqueue(msg) {
			h.log.Warn().Msg("dropping slow map client")
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) readyCount() int {
	return len(lo.PickBy(h.clients, func(_ *Client, ready bool) bool { return ready }))
}
