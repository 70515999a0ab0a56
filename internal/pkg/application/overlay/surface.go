package overlay

import (
	"github.com/diwise/road-monitor-map/pkg/types"
)

// Marker is a native overlay handle owned by a rendering surface. Markers are
// created detached and must be attached before they become click targets.
type Marker interface {
	Attach()
	Detach()
	Attached() bool
	SetPosition(p types.Position)
	Destroy()
}

type Popup interface {
	Close()
}

type MarkerOptions struct {
	Key      types.EntityKey
	Category types.Category
	Position types.Position
	Title    string
	Severity *types.Severity
	OnClick  func()
}

type Surface interface {
	NewMarker(opts MarkerOptions) Marker
	OpenPopup(anchor types.Position, content types.PopupContent) Popup
	MoveCamera(center types.Position, zoom int)
	// OnceIdle registers fn to be called the next time the camera comes to rest.
	OnceIdle(fn func()) (cancel func())
}
