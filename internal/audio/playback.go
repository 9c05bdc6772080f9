package audio

import (
	"sync/atomic"
)

// PlayerConfig configures a Player.
type PlayerConfig struct {
	// Capacity of the ring in samples. Defaults to 180s at PlaybackSampleRate.
	Capacity int
	// InboxSize bounds queued frames and control messages between renders.
	InboxSize int
	// OnOverflow is called on the render thread with the number of dropped samples.
	OnOverflow func(samples int)
}

type playerCmd struct {
	samples    []float32
	endOfAudio bool
}

// Player plays agent speech. Enqueue and EndOfAudio may be called from any
// goroutine; they only post messages. Render runs on the device thread and is
// the only code touching the ring.
type Player struct {
	ring       *Ring
	inbox      chan playerCmd
	finished   chan struct{}
	onOverflow func(int)
	playing    bool

	rejected atomic.Int64
}

func NewPlayer(cfg PlayerConfig) *Player {
	if cfg.Capacity <= 0 {
		cfg.Capacity = PlaybackSampleRate * 180
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	return &Player{
		ring:       NewRing(cfg.Capacity),
		inbox:      make(chan playerCmd, cfg.InboxSize),
		finished:   make(chan struct{}, 16),
		onOverflow: cfg.OnOverflow,
	}
}

// Enqueue queues PCM16 24 kHz mono bytes. It never blocks; if the inbox is
// saturated the frame is rejected and false is returned.
func (p *Player) Enqueue(pcm []byte) bool {
	samples := PCM16ToFloat32(pcm)
	if len(samples) == 0 {
		return true
	}
	select {
	case p.inbox <- playerCmd{samples: samples}:
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// EndOfAudio discards everything not yet played. The finished notification,
// if any, still comes from the normal drain path.
func (p *Player) EndOfAudio() {
	select {
	case p.inbox <- playerCmd{endOfAudio: true}:
	default:
		// Inbox is full of audio we are about to drop anyway; drain it here.
	drain:
		for {
			select {
			case <-p.inbox:
			default:
				break drain
			}
		}
		p.inbox <- playerCmd{endOfAudio: true}
	}
}

// Finished delivers exactly one value per play burst once the buffer drains.
func (p *Player) Finished() <-chan struct{} { return p.finished }

// Rejected counts frames refused by Enqueue.
func (p *Player) Rejected() int64 { return p.rejected.Load() }

// Render fills out with buffered samples, padding with silence.
func (p *Player) Render(out []float32) {
	p.drainInbox()

	n := p.ring.Read(out)
	if n > 0 && !p.playing {
		p.playing = true
	}
	for i := n; i < len(out); i++ {
		out[i] = 0
	}

	if p.playing && p.ring.Unread() == 0 {
		p.playing = false
		select {
		case p.finished <- struct{}{}:
		default:
		}
	}
}

func (p *Player) drainInbox() {
	for {
		select {
		case cmd := <-p.inbox:
			if cmd.endOfAudio {
				p.ring.Discard()
				continue
			}
			if dropped := p.ring.Write(cmd.samples); dropped > 0 && p.onOverflow != nil {
				p.onOverflow(dropped)
			}
		default:
			return
		}
	}
}
