package audio

// Chunker accumulates PCM bytes until Target is reached, then hands back one
// concatenated transmission unit.
type Chunker struct {
	Target int

	parts [][]byte
	size  int
}

func NewChunker(target int) *Chunker {
	if target <= 0 {
		target = ChunkBytes
	}
	return &Chunker{Target: target}
}

// Add appends one frame. When the accumulated size reaches Target it returns the
// concatenation of everything buffered and resets.
func (c *Chunker) Add(frame []byte) ([]byte, bool) {
	if len(frame) == 0 {
		return nil, false
	}
	c.parts = append(c.parts, frame)
	c.size += len(frame)
	if c.size < c.Target {
		return nil, false
	}
	return c.Flush(), true
}

// Flush returns any buffered bytes and resets. It returns nil when empty.
func (c *Chunker) Flush() []byte {
	if c.size == 0 {
		return nil
	}
	out := make([]byte, 0, c.size)
	for _, p := range c.parts {
		out = append(out, p...)
	}
	c.parts = c.parts[:0]
	c.size = 0
	return out
}

func (c *Chunker) Len() int { return c.size }
