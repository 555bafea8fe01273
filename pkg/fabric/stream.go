package fabric

import (
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/cohort/pkg/mesh"
)

// outStream carries every frame from this node to one peer, in order.
//
// NB: quic-go streams guard Write and Close with their own mutex but Close
// MUST NOT be called concurrently with Write, so every use goes through lk.
type outStream struct {
	addr string
	lk   sync.Mutex
	conn quic.Connection
	buf  []byte
	quic.SendStream
}

// not thread safe!
// must be called by an holder of the lock
func (out *outStream) alive() bool {
	return out.SendStream != nil &&
		out.SendStream.Context().Err() == nil &&
		out.conn.Context().Err() == nil
}

// not thread safe!
// must be called by an holder of the lock
func (out *outStream) write(f mesh.Frame) (int, error) {
	out.buf = AppendFrame(out.buf[:0], f)
	n, err := out.SendStream.Write(out.buf)
	if cap(out.buf) > maxRetainedBuffer {
		out.buf = nil
	}
	return n, err
}

// close ends the stream gracefully, letting buffered frames drain.
func (out *outStream) close() {
	out.lk.Lock()
	defer out.lk.Unlock()
	if out.SendStream != nil {
		out.SendStream.Close()
	}
}

const maxRetainedBuffer = 1 << 20
