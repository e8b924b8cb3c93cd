// Package pools holds the sync.Pool reuse this engine exercises on its
// record-encoding hot path: DataFile.Append batches every record in a
// commit into one contiguous buffer per BFS write, and that buffer is
// the allocation channel.go would otherwise repeat on every commit.
//
// The teacher's pools package also carried JSON encoder/decoder,
// string-slice, and string-builder pools for its JSON-oriented
// persistence paths; this engine has no JSON encode/decode step (record
// bodies are opaque bytes a TypeHandler produces), so those pools are
// dropped rather than kept unexercised (see DESIGN.md).
package pools

import (
	"bytes"
	"sync"
)

// BufferPool provides reusable byte buffers for small record batches.
var BufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// LargeBufferPool serves batches whose combined record size exceeds a
// single small buffer's starting capacity.
var LargeBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 65536)) // 64KB
	},
}

const largeBufferThreshold = 65536

// GetBuffer returns a pooled buffer sized for a batch of capacityHint
// bytes, drawing from LargeBufferPool once the hint crosses the
// threshold so a big commit doesn't thrash the small-buffer pool.
func GetBuffer(capacityHint int) *bytes.Buffer {
	if capacityHint > largeBufferThreshold {
		buf := LargeBufferPool.Get().(*bytes.Buffer)
		buf.Reset()
		return buf
	}
	buf := BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns buf to its originating pool. Oversized buffers are
// dropped instead of pooled so one large commit doesn't permanently
// inflate steady-state memory.
func PutBuffer(buf *bytes.Buffer) {
	switch {
	case buf.Cap() > 10*1024*1024:
		return
	case buf.Cap() >= largeBufferThreshold:
		LargeBufferPool.Put(buf)
	default:
		BufferPool.Put(buf)
	}
}