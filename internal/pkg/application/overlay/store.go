package overlay

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var ErrMalformedEntity = errors.New("malformed entity")
var ErrStaleSnapshot = errors.New("snapshot is older than the last applied one")

// Diff describes how a category changed. Moved is the subset of Kept whose
// position differs from the previous version.
type Diff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Kept    []string `json:"kept"`
	Moved   []string `json:"moved,omitempty"`
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Moved) == 0
}

type DropFunc func(c types.Category, reason string)

// Store holds the tracked entities of every category. A category is always
// swapped as a whole so readers never see a half applied snapshot.
type Store struct {
	mu         sync.RWMutex
	log        zerolog.Logger
	categories map[types.Category]map[string]types.GeoEntity
	applied    map[types.Category]uint64
	onDrop     DropFunc
}

func NewStore(log zerolog.Logger, onDrop DropFunc) *Store {
	if onDrop == nil {
		onDrop = func(types.Category, string) {}
	}

	return &Store{
		log:        log,
		categories: map[types.Category]map[string]types.GeoEntity{},
		applied:    map[types.Category]uint64{},
		onDrop:     onDrop,
	}
}

func Validate(c types.Category, e types.GeoEntity) error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedEntity)
	}
	if e.Category != c {
		return fmt.Errorf("%w: entity %s belongs to %q, not %q", ErrMalformedEntity, e.ID, e.Category, c)
	}
	if !e.Position.Valid() {
		return fmt.Errorf("%w: entity %s has invalid coordinates (%v, %v)", ErrMalformedEntity, e.ID, e.Position.Latitude, e.Position.Longitude)
	}
	return nil
}

// ReplaceCategory swaps the entity set of category c and returns the diff against
// the previous set. A non zero seq lower than the last applied one is rejected.
func (s *Store) ReplaceCategory(c types.Category, seq uint64, entities []types.GeoEntity) (Diff, error) {
	next := make(map[string]types.GeoEntity, len(entities))

	for _, e := range entities {
		if err := Validate(c, e); err != nil {
			s.log.Warn().Err(err).Str("category", string(c)).Msg("dropping entity")
			s.onDrop(c, "malformed")
			continue
		}
		next[e.ID] = e
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if seq != 0 {
		if last := s.applied[c]; seq < last {
			return Diff{}, fmt.Errorf("%w: %s snapshot %d, last applied %d", ErrStaleSnapshot, c, seq, last)
		}
		s.applied[c] = seq
	}

	prev := s.categories[c]
	diff := Diff{Added: []string{}, Removed: []string{}, Kept: []string{}}

	for id, e := range next {
		old, ok := prev[id]
		if !ok {
			diff.Added = append(diff.Added, id)
			continue
		}
		diff.Kept = append(diff.Kept, id)
		if old.Position != e.Position {
			diff.Moved = append(diff.Moved, id)
		}
	}

	for id := range prev {
		if _, ok := next[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}

	s.categories[c] = next

	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Kept)
	sort.Strings(diff.Moved)

	return diff, nil
}

// Add inserts or replaces a single entity.
func (s *Store) Add(e types.GeoEntity) (Diff, error) {
	if err := Validate(e.Category, e); err != nil {
		s.onDrop(e.Category, "malformed")
		return Diff{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entities, ok := s.categories[e.Category]
	if !ok {
		entities = map[string]types.GeoEntity{}
		s.categories[e.Category] = entities
	}

	diff := Diff{}
	if old, exists := entities[e.ID]; exists {
		diff.Kept = []string{e.ID}
		if old.Position != e.Position {
			diff.Moved = []string{e.ID}
		}
	} else {
		diff.Added = []string{e.ID}
	}

	entities[e.ID] = e

	return diff, nil
}

func (s *Store) Remove(c types.Category, id string) (Diff, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entities := s.categories[c]
	if _, ok := entities[id]; !ok {
		return Diff{}, false
	}

	delete(entities, id)

	return Diff{Removed: []string{id}}, true
}

func (s *Store) Get(c types.Category, id string) (types.GeoEntity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.categories[c][id]
	return e, ok
}

// List returns the entities of category c ordered by id.
func (s *Store) List(c types.Category) []types.GeoEntity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entities := lo.Values(s.categories[c])
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })

	return entities
}

func (s *Store) IDs(c types.Category) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := lo.Keys(s.categories[c])
	sort.Strings(ids)

	return ids
}

func (s *Store) Len(c types.Category) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.categories[c])
}
