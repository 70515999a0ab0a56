package overlay

import (
	"testing"
	"time"

	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

func setupAnnouncement(t *testing.T) (*is.I, *AnnouncementOverlay, *fakeSurface, *fakeScheduler) {
	is := is.New(t)
	sched := &fakeScheduler{}
	s := &fakeSurface{}

	a := NewAnnouncementOverlay(zerolog.Logger{}, sched, nil)
	a.setSurface(s)

	return is, a, s, sched
}

func announcement(msg string, sev types.Severity) types.Announcement {
	return types.Announcement{
		Position: types.Position{Latitude: 35.15, Longitude: 126.85},
		Message:  msg,
		Severity: sev,
	}
}

func TestRepeatedAnnouncementsLeaveOneOverlayAndOneTimer(t *testing.T) {
	is, a, s, sched := setupAnnouncement(t)

	for i := 0; i < 10; i++ {
		is.True(a.Show(announcement("flooding", types.SeverityHigh), 5*time.Second))
	}

	is.Equal(len(s.liveMarkers()), 1)
	is.Equal(len(sched.pending()), 1)
	is.Equal(len(sched.timers), 10)
	is.Equal(a.Current().Message, "flooding")
}

func TestAnnouncementExpires(t *testing.T) {
	is, a, s, sched := setupAnnouncement(t)

	a.Show(announcement("ice", types.SeverityMedium), time.Second)
	is.Equal(*s.liveMarkers()[0].opts.Severity, types.SeverityMedium)

	sched.fire()

	is.Equal(len(s.liveMarkers()), 0)
	is.Equal(a.Current(), nil)
}

func TestStaleTimerDoesNotRemoveReplacement(t *testing.T) {
	is, a, s, sched := setupAnnouncement(t)

	a.Show(announcement("first", types.SeverityLow), time.Second)
	stale := sched.timers[0].f

	a.Show(announcement("second", types.SeverityHigh), time.Second)
	stale()

	is.Equal(len(s.liveMarkers()), 1)
	is.Equal(a.Current().Message, "second")
}

func TestAnnouncementWithoutSurfaceIsDropped(t *testing.T) {
	is := is.New(t)
	sched := &fakeScheduler{}
	a := NewAnnouncementOverlay(zerolog.Logger{}, sched, nil)

	is.True(!a.Show(announcement("nobody listening", types.SeverityInfo), time.Second))
	is.Equal(len(sched.timers), 0)
	is.Equal(a.Current(), nil)
}
