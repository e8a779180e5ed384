package transport

import "time"

// Alarm is a one-shot timer with microsecond-scale resolution. Arm
// schedules fire to run once after d; a second Arm before the first fires
// replaces it. Stop cancels a pending alarm from task context and reports
// whether one was actually cancelled before firing.
type Alarm interface {
	Arm(d time.Duration, fire func())
	Stop() bool
}
