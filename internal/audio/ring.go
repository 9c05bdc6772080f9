package audio

// Ring is a fixed-capacity circular sample buffer. Equal cursors mean empty;
// a write that catches up with the read cursor pushes it forward, dropping the
// oldest unread sample. At most capacity-1 samples are ever unread.
//
// Ring is not safe for concurrent use. The Player owns it on the render thread.
type Ring struct {
	buf []float32
	w   int
	r   int
}

func NewRing(capacity int) *Ring {
	if capacity < 2 {
		capacity = 2
	}
	return &Ring{buf: make([]float32, capacity)}
}

func (b *Ring) Cap() int { return len(b.buf) }

// Write appends samples and reports how many unread samples were overwritten.
func (b *Ring) Write(samples []float32) (dropped int) {
	n := len(b.buf)
	for _, s := range samples {
		b.buf[b.w] = s
		b.w = (b.w + 1) % n
		if b.w == b.r {
			b.r = (b.r + 1) % n
			dropped++
		}
	}
	return dropped
}

// Read copies up to len(out) unread samples into out and returns the count.
func (b *Ring) Read(out []float32) int {
	n := len(b.buf)
	i := 0
	for i < len(out) && b.r != b.w {
		out[i] = b.buf[b.r]
		b.r = (b.r + 1) % n
		i++
	}
	return i
}

func (b *Ring) Unread() int {
	n := len(b.buf)
	return (b.w - b.r + n) % n
}

// Discard drops every unread sample.
func (b *Ring) Discard() {
	b.r = b.w
}
