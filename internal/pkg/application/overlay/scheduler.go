package overlay

import "time"

type Timer interface {
	Stop() bool
}

// Scheduler creates the timers used for announcement expiry and jump settling.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func NewScheduler() Scheduler {
	return realScheduler{}
}
