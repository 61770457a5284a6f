package transcoder

import "sync"

// ringBuffer keeps the tail of a byte stream in a fixed window. Used to hold
// the transcoder's most recent stderr output for diagnostics without letting
// a chatty process grow memory.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	w    int
	full bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, size)}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(p)
	if n >= len(r.buf) {
		copy(r.buf, p[n-len(r.buf):])
		r.w = 0
		r.full = true
		return n, nil
	}
	for _, b := range p {
		r.buf[r.w] = b
		r.w++
		if r.w == len(r.buf) {
			r.w = 0
			r.full = true
		}
	}
	return n, nil
}

// Tail returns the buffered bytes in write order.
func (r *ringBuffer) Tail() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]byte, r.w)
		copy(out, r.buf[:r.w])
		return out
	}
	out := make([]byte, len(r.buf))
	copy(out, r.buf[r.w:])
	copy(out[len(r.buf)-r.w:], r.buf[:r.w])
	return out
}
