package supervisor

import "sync"

// maxOutput caps how much of a child's output is retained. Diagnostics are
// verbatim up to this size; beyond it only the most recent bytes are kept.
const maxOutput = 1 << 20

// outputBuffer keeps the most recent maxOutput bytes written to it.
type outputBuffer struct {
	buf []byte
	mu  sync.Mutex
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - maxOutput; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
