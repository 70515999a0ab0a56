package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/diwise/road-monitor-map/pkg/types"
)

var ErrSurfaceNotReady = errors.New("rendering surface is not ready")
var ErrUnknownCommand = errors.New("unknown command")

// JumpRequest asks the map to centre on Position and show the matching entity.
// EntityID is optional; without it the entity is matched by position.
type JumpRequest struct {
	Position types.Position  `json:"position"`
	EntityID string          `json:"id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type Command func(ctx context.Context, req JumpRequest) error

// CommandName returns the registered name of the jump command for category c,
// e.g. jumpToRiskMarker.
func CommandName(c types.Category) string {
	name := string(c)
	return "jumpTo" + strings.ToUpper(name[:1]) + name[1:] + "Marker"
}

// CommandBus is a registry of named map commands. It is populated while a
// surface is mounted and emptied when it goes away.
type CommandBus struct {
	mu       sync.RWMutex
	commands map[string]Command
}

func NewCommandBus() *CommandBus {
	return &CommandBus{}
}

func (b *CommandBus) Install(commands map[string]Command) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.commands = make(map[string]Command, len(commands))
	for name, cmd := range commands {
		b.commands[name] = cmd
	}
}

func (b *CommandBus) Teardown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.commands = nil
}

func (b *CommandBus) Installed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.commands != nil
}

func (b *CommandBus) Invoke(ctx context.Context, name string, req JumpRequest) error {
	b.mu.RLock()
	installed := b.commands != nil
	cmd, ok := b.commands[name]
	b.mu.RUnlock()

	if !installed {
		return fmt.Errorf("%s: %w", name, ErrSurfaceNotReady)
	}
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownCommand)
	}

	return cmd(ctx, req)
}

func (b *CommandBus) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.commands))
	for name := range b.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
