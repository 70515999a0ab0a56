package overlay

import (
	"fmt"
	"math"
	"sort"

	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/rs/zerolog"
)

type ClickListener func(c types.Category, e types.GeoEntity)

// Overlay is the rendered counterpart of one tracked entity.
type Overlay struct {
	key      types.EntityKey
	category types.Category
	id       string
	position types.Position
	marker   Marker
	click    func()
}

func (o *Overlay) Key() types.EntityKey {
	return o.key
}

func (o *Overlay) Marker() Marker {
	return o.marker
}

func (o *Overlay) Position() types.Position {
	return o.position
}

type OverlayState struct {
	Key      types.EntityKey `json:"key"`
	Category types.Category  `json:"category"`
	ID       string          `json:"id"`
	Position types.Position  `json:"position"`
	Attached bool            `json:"attached"`
}

// OverlayManager keeps one overlay per tracked entity and attaches or detaches
// them according to the current filter selection and show flags.
type OverlayManager struct {
	log       zerolog.Logger
	store     *Store
	popups    *PopupSingleton
	surface   Surface
	filter    types.Filter
	flags     types.ShowFlags
	overlays  map[types.Category]map[string]*Overlay
	listeners []ClickListener
	wrap      func(func()) func()
}

func NewOverlayManager(log zerolog.Logger, store *Store, popups *PopupSingleton, wrap func(func()) func()) *OverlayManager {
	if wrap == nil {
		wrap = func(fn func()) func() { return fn }
	}

	return &OverlayManager{
		log:      log,
		store:    store,
		popups:   popups,
		filter:   types.FilterAll,
		overlays: map[types.Category]map[string]*Overlay{},
		wrap:     wrap,
	}
}

func (m *OverlayManager) OnClick(l ClickListener) {
	m.listeners = append(m.listeners, l)
}

func (m *OverlayManager) setSurface(s Surface) {
	if m.surface != nil {
		m.destroyAll()
	}
	m.surface = s
}

func (m *OverlayManager) Selection() (types.Filter, types.ShowFlags) {
	return m.filter, m.flags
}

// Reconcile brings the overlays of category c in line with diff. Kept entities
// keep their native handle so an open popup survives unrelated refreshes.
func (m *OverlayManager) Reconcile(c types.Category, diff Diff) {
	if m.surface == nil {
		return
	}

	for _, id := range diff.Removed {
		m.destroy(c, id)
	}

	if RequiresDetach(c, m.filter) {
		m.destroyCategory(c)
		return
	}

	visible := CategoryVisible(c, m.filter, m.flags)

	for _, ids := range [][]string{diff.Added, diff.Kept} {
		for _, id := range ids {
			e, ok := m.store.Get(c, id)
			if !ok {
				m.destroy(c, id)
				continue
			}

			o := m.Find(c, id)
			if o == nil {
				o = m.create(e)
			} else if o.position != e.Position {
				o.position = e.Position
				o.marker.SetPosition(e.Position)
			}

			m.setAttached(o, visible)
		}
	}
}

// Sync reconciles category c against the full contents of the store.
func (m *OverlayManager) Sync(c types.Category) {
	diff := Diff{Kept: m.store.IDs(c)}

	for id := range m.overlays[c] {
		if _, ok := m.store.Get(c, id); !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}

	m.Reconcile(c, diff)
}

// ApplyVisibility re-evaluates every overlay of category c. It is idempotent.
func (m *OverlayManager) ApplyVisibility(c types.Category) {
	if m.surface == nil {
		return
	}

	if RequiresDetach(c, m.filter) {
		m.destroyCategory(c)
		return
	}

	visible := CategoryVisible(c, m.filter, m.flags)
	for _, o := range m.overlays[c] {
		m.setAttached(o, visible)
	}
}

// SetSelection stores the filter and flags and re-applies visibility to every category.
func (m *OverlayManager) SetSelection(filter types.Filter, flags types.ShowFlags) {
	m.filter = filter
	m.flags = flags

	for _, c := range types.Categories {
		m.ApplyVisibility(c)
	}
}

func (m *OverlayManager) Find(c types.Category, id string) *Overlay {
	return m.overlays[c][id]
}

// FindNear returns the overlay of category c closest to p, provided both of its
// coordinates are within tolerance degrees.
func (m *OverlayManager) FindNear(c types.Category, p types.Position, tolerance float64) *Overlay {
	var best *Overlay
	bestDistance := math.MaxFloat64

	for _, o := range m.overlays[c] {
		if !o.position.Near(p, tolerance) {
			continue
		}

		d := math.Hypot(o.position.Latitude-p.Latitude, o.position.Longitude-p.Longitude)
		if d < bestDistance || (d == bestDistance && best != nil && o.id < best.id) {
			best, bestDistance = o, d
		}
	}

	return best
}

// Click runs the click handler of the overlay identified by key, as if the user clicked it.
func (m *OverlayManager) Click(key types.EntityKey) bool {
	c, id, err := key.Split()
	if err != nil {
		return false
	}

	o := m.Find(c, id)
	if o == nil {
		return false
	}

	o.click()
	return true
}

func (m *OverlayManager) States() []OverlayState {
	states := []OverlayState{}

	for _, c := range types.Categories {
		for _, o := range m.overlays[c] {
			states = append(states, OverlayState{
				Key:      o.key,
				Category: o.category,
				ID:       o.id,
				Position: o.position,
				Attached: o.marker.Attached(),
			})
		}
	}

	sort.Slice(states, func(i, j int) bool { return states[i].Key < states[j].Key })

	return states
}

func (m *OverlayManager) Count(c types.Category) int {
	return len(m.overlays[c])
}

func (m *OverlayManager) create(e types.GeoEntity) *Overlay {
	o := &Overlay{
		key:      e.Key(),
		category: e.Category,
		id:       e.ID,
		position: e.Position,
	}

	o.click = func() { m.handleClick(o) }

	o.marker = m.surface.NewMarker(MarkerOptions{
		Key:      o.key,
		Category: e.Category,
		Position: e.Position,
		Title:    fmt.Sprintf("%s %s", e.Category, e.ID),
		OnClick:  m.wrap(o.click),
	})

	if _, ok := m.overlays[e.Category]; !ok {
		m.overlays[e.Category] = map[string]*Overlay{}
	}
	m.overlays[e.Category][e.ID] = o

	return o
}

func (m *OverlayManager) handleClick(o *Overlay) {
	if m.Find(o.category, o.id) != o {
		return
	}

	e, ok := m.store.Get(o.category, o.id)
	if !ok {
		return
	}

	for _, l := range m.listeners {
		l(o.category, e)
	}

	m.popups.Open(o.key, types.PopupContent{
		Title:  fmt.Sprintf("%s %s", e.Category, e.ID),
		Entity: &e,
	}, e.Position)
}

func (m *OverlayManager) setAttached(o *Overlay, attached bool) {
	if attached && !o.marker.Attached() {
		o.marker.Attach()
	} else if !attached && o.marker.Attached() {
		o.marker.Detach()
		m.popups.CloseIf(o.key)
	}
}

func (m *OverlayManager) destroy(c types.Category, id string) {
	o, ok := m.overlays[c][id]
	if !ok {
		return
	}

	m.popups.CloseIf(o.key)
	o.marker.Destroy()
	delete(m.overlays[c], id)
}

func (m *OverlayManager) destroyCategory(c types.Category) {
	for id := range m.overlays[c] {
		m.destroy(c, id)
	}
}

func (m *OverlayManager) destroyAll() {
	for _, c := range types.Categories {
		m.destroyCategory(c)
	}
}
