package overlay

import (
	"github.com/diwise/road-monitor-map/pkg/types"
)

// PopupSingleton keeps at most one popup open on the surface.
type PopupSingleton struct {
	surface Surface
	key     types.EntityKey
	handle  Popup
	opened  func(types.EntityKey)
}

func NewPopupSingleton(opened func(types.EntityKey)) *PopupSingleton {
	if opened == nil {
		opened = func(types.EntityKey) {}
	}
	return &PopupSingleton{opened: opened}
}

func (p *PopupSingleton) setSurface(s Surface) {
	p.Close()
	p.surface = s
}

// Open shows content anchored at anchor. Opening the key that is already open
// closes it instead. Returns true if a popup is open afterwards.
func (p *PopupSingleton) Open(key types.EntityKey, content types.PopupContent, anchor types.Position) bool {
	if p.handle != nil && p.key == key {
		p.Close()
		return false
	}

	p.Close()

	if p.surface == nil {
		return false
	}

	p.handle = p.surface.OpenPopup(anchor, content)
	p.key = key
	p.opened(key)

	return true
}

func (p *PopupSingleton) Close() {
	if p.handle == nil {
		return
	}

	p.handle.Close()
	p.handle = nil
	p.key = ""
}

// CloseIf closes the popup only when it belongs to key.
func (p *PopupSingleton) CloseIf(key types.EntityKey) {
	if p.handle != nil && p.key == key {
		p.Close()
	}
}

// CloseUnless closes the popup unless it belongs to key.
func (p *PopupSingleton) CloseUnless(key types.EntityKey) {
	if p.handle != nil && p.key != key {
		p.Close()
	}
}

func (p *PopupSingleton) Current() (types.EntityKey, bool) {
	return p.key, p.handle != nil
}
