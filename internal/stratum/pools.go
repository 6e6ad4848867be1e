// Package stratum implements the client side of the Stratum V1 mining
// protocol used by stratumtest: the line transport, request encoding,
// pattern-based decoding of server lines, the shared session state and
// the synthetic share scheduler.
package stratum

import (
	"bytes"
	"sync"
)

// bufferPool reuses encoding buffers on the submit hot path
var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 256))
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	// Oversized buffers are left for the GC.
	if buf != nil && buf.Cap() <= 64*1024 {
		bufferPool.Put(buf)
	}
}
