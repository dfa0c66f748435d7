package pool

import (
	"bytes"
	"sync"
)

// Buffers larger than this are dropped instead of being pooled.
const maxPooledBufSize = 64 * 1024

var bufPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// GetBuf returns an empty *bytes.Buffer from the pool.
func GetBuf() *bytes.Buffer {
	b := bufPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// ReleaseBuf puts b back to the pool. b must not be used after.
func ReleaseBuf(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledBufSize {
		return
	}
	bufPool.Put(b)
}
