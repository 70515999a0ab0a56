package overlay

import (
	"time"

	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/rs/zerolog"
)

// AnnouncementOverlay is a single slot for short lived notification markers.
// Every Show replaces whatever is in the slot and restarts the expiry timer.
type AnnouncementOverlay struct {
	log       zerolog.Logger
	surface   Surface
	scheduler Scheduler
	wrap      func(func()) func()

	marker  Marker
	timer   Timer
	current *types.Announcement
	gen     uint64
}

func NewAnnouncementOverlay(log zerolog.Logger, scheduler Scheduler, wrap func(func()) func()) *AnnouncementOverlay {
	if wrap == nil {
		wrap = func(fn func()) func() { return fn }
	}

	return &AnnouncementOverlay{
		log:       log,
		scheduler: scheduler,
		wrap:      wrap,
	}
}

func (a *AnnouncementOverlay) setSurface(s Surface) {
	a.Clear()
	a.surface = s
}

// Show places a severity styled marker at p for ttl. It reports false, and does
// nothing else, while no surface is mounted.
func (a *AnnouncementOverlay) Show(ann types.Announcement, ttl time.Duration) bool {
	if a.surface == nil {
		a.log.Info().Str("message", ann.Message).Msg("surface not ready, dropping announcement")
		return false
	}

	a.Clear()

	a.gen++
	gen := a.gen

	severity := ann.Severity
	a.marker = a.surface.NewMarker(MarkerOptions{
		Key:      types.EntityKey("announcement/current"),
		Position: ann.Position,
		Title:    ann.Message,
		Severity: &severity,
	})
	a.marker.Attach()

	ann.ExpiresAt = time.Now().UTC().Add(ttl)
	a.current = &ann

	a.timer = a.scheduler.AfterFunc(ttl, a.wrap(func() {
		a.expire(gen)
	}))

	return true
}

func (a *AnnouncementOverlay) expire(gen uint64) {
	if gen != a.gen {
		return
	}

	a.timer = nil
	a.destroy()
}

// Clear cancels the pending timer and removes the current marker, if any.
func (a *AnnouncementOverlay) Clear() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.destroy()
}

func (a *AnnouncementOverlay) destroy() {
	if a.marker != nil {
		a.marker.Destroy()
		a.marker = nil
	}
	a.current = nil
}

func (a *AnnouncementOverlay) Current() *types.Announcement {
	if a.current == nil {
		return nil
	}
	ann := *a.current
	return &ann
}
