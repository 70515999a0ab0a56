package scene

import (
	"github.com/diwise/road-monitor-map/internal/pkg/application/overlay"
	"github.com/diwise/road-monitor-map/pkg/types"
)

// Server to client message types.
const (
	MessageTypeSnapshot = "snapshot"
	MessageTypeMarker   = "marker"
	MessageTypePopup    = "popup"
	MessageTypeCamera   = "camera"
)

// Client to server message types.
const (
	MessageTypeReady      = "ready"
	MessageTypeClick      = "click"
	MessageTypeIdle       = "idle"
	MessageTypeClosePopup = "closePopup"
)

const (
	OpAdd    = "add"
	OpUpdate = "update"
	OpRemove = "remove"
	OpOpen   = "open"
	OpClose  = "close"
)

type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type ClientMessage struct {
	Type   string          `json:"type"`
	Key    types.EntityKey `json:"key,omitempty"`
	Camera *overlay.Camera `json:"camera,omitempty"`
}

type MarkerState struct {
	Key      types.EntityKey `json:"key"`
	Category types.Category  `json:"category"`
	Position types.Position  `json:"position"`
	Title    string          `json:"title"`
	Severity *types.Severity `json:"severity,omitempty"`
}

type MarkerDelta struct {
	Op     string      `json:"op"`
	Marker MarkerState `json:"marker"`
}

type PopupState struct {
	ID      uint64             `json:"id"`
	Anchor  types.Position     `json:"anchor"`
	Content types.PopupContent `json:"content"`
}

type PopupDelta struct {
	Op    string     `json:"op"`
	Popup PopupState `json:"popup"`
}

type Snapshot struct {
	Markers []MarkerState  `json:"markers"`
	Popup   *PopupState    `json:"popup,omitempty"`
	Camera  overlay.Camera `json:"camera"`
}
