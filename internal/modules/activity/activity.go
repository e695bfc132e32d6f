package activity

import (
	"fmt"
	"time"

	"warden/internal/utils"
)

const (
	StatusActive  = "Active"
	StatusOffline = "Offline"
)

// Monitor tracks message activity in the monitored channel and derives the
// server status channel name from it.
type Monitor struct {
	window *utils.SlidingWindow
}

func New(idle time.Duration) *Monitor {
	return &Monitor{window: utils.NewSlidingWindow(idle)}
}

func (m *Monitor) Touch(now time.Time) {
	m.window.Add(now)
}

// Status reports Active while any message fell inside the idle window.
func (m *Monitor) Status(now time.Time) string {
	if m.window.Count(now) > 0 {
		return StatusActive
	}
	return StatusOffline
}

func (m *Monitor) ChannelName(now time.Time) string {
	return fmt.Sprintf("Server: %s", m.Status(now))
}

// LastMessage returns when the monitored channel last saw a message, or the
// zero time if it never did.
func (m *Monitor) LastMessage() time.Time {
	return m.window.Last()
}
