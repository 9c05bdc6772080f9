// Package coordinator implements the half-duplex microphone policy: capture is
// paused while agent speech plays and stays muted for a short window after it
// resumes.
package coordinator

import "time"

type Phase int

const (
	Idle Phase = iota
	CaptureActive
	CapturePausedForAgent
	ResumeGrace
)

func (p Phase) String() string {
	switch p {
	case CaptureActive:
		return "capture_active"
	case CapturePausedForAgent:
		return "capture_paused_for_agent"
	case ResumeGrace:
		return "resume_grace"
	default:
		return "idle"
	}
}

// Coordinator is a value type owned by the widget event loop. Methods report
// whether the caller must toggle the microphone track.
type Coordinator struct {
	phase     Phase
	ignore    time.Duration
	resumedAt time.Time
}

func New(ignore time.Duration) Coordinator {
	return Coordinator{ignore: ignore}
}

func (c Coordinator) Phase() Phase { return c.phase }

// Holding reports whether a microphone stream is held.
func (c Coordinator) Holding() bool { return c.phase != Idle }

func (c Coordinator) Paused() bool { return c.phase == CapturePausedForAgent }

func (c Coordinator) ResumedAt() time.Time { return c.resumedAt }

// Start moves Idle to CaptureActive after the microphone was acquired.
func (c *Coordinator) Start() bool {
	if c.phase != Idle {
		return false
	}
	c.phase = CaptureActive
	c.resumedAt = time.Time{}
	return true
}

// OnAgentAudio pauses capture. It returns true when the mic must be disabled.
func (c *Coordinator) OnAgentAudio() bool {
	switch c.phase {
	case CaptureActive, ResumeGrace:
		c.phase = CapturePausedForAgent
		return true
	default:
		return false
	}
}

// OnPlaybackFinished re-enables capture when the user still wants audio. It
// returns true when the mic must be enabled and the ignore timer started.
func (c *Coordinator) OnPlaybackFinished(audioDesired bool, now time.Time) bool {
	if c.phase != CapturePausedForAgent || !audioDesired {
		return false
	}
	c.phase = ResumeGrace
	c.resumedAt = now
	return true
}

// OnResumeWindowElapsed ends the ignore window.
func (c *Coordinator) OnResumeWindowElapsed() {
	if c.phase == ResumeGrace {
		c.phase = CaptureActive
	}
}

// Stop releases everything and returns to Idle. It reports whether a stream
// was held.
func (c *Coordinator) Stop() bool {
	held := c.phase != Idle
	c.phase = Idle
	c.resumedAt = time.Time{}
	return held
}

// AllowCapture decides whether a frame captured at `at` may be transmitted.
func (c Coordinator) AllowCapture(at time.Time) bool {
	switch c.phase {
	case CaptureActive:
		return !c.inIgnoreWindow(at)
	case ResumeGrace:
		return !c.resumedAt.IsZero() && !at.Before(c.resumedAt.Add(c.ignore))
	default:
		return false
	}
}

func (c Coordinator) inIgnoreWindow(at time.Time) bool {
	if c.resumedAt.IsZero() {
		return false
	}
	return !at.Before(c.resumedAt) && at.Before(c.resumedAt.Add(c.ignore))
}
