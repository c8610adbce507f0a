package sandbox

import (
	"bytes"
	"sync"
	"unicode/utf8"
)

// TruncationMarker is appended to a stream that exceeded its byte budget.
const TruncationMarker = "\n... [output truncated]"

// boundedBuffer keeps at most max bytes and silently discards the rest so a
// chatty child never blocks on a full pipe.
type boundedBuffer struct {
	max int

	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	if max <= 0 {
		max = 1
	}
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remain := b.max - b.buf.Len()
	if remain <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	n := len(p)
	if n > remain {
		n = remain
		b.truncated = true
	}
	b.buf.Write(p[:n])
	return len(p), nil
}

// String returns the captured text, cut back to a rune boundary and marked
// when anything was dropped.
func (b *boundedBuffer) String() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.truncated {
		return b.buf.String(), false
	}
	return truncateUTF8(b.buf.Bytes()) + TruncationMarker, true
}

// truncateUTF8 drops a trailing partial rune left by a byte-level cut.
func truncateUTF8(p []byte) string {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if !utf8.FullRune(p[i:]) {
				p = p[:i]
			}
			break
		}
	}
	return string(p)
}
