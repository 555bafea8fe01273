package mesh

import (
	"sync"

	"github.com/raskyld/cohort"
)

type laneKey struct {
	handle cohort.Handle
	source int
	tag    int
}

// lane is a FIFO of payloads sharing the same (handle, source, tag).
type lane struct {
	data chan []byte
}

// mailbox holds inbound payloads of a `Node` until they are matched.
type mailbox struct {
	lanes   map[laneKey]*lane
	depth   uint
	lk      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func newMailbox(depth uint) *mailbox {
	return &mailbox{
		lanes:   make(map[laneKey]*lane),
		depth:   depth,
		closeCh: make(chan struct{}),
	}
}

// not thread safe!
// must be called by an holder of the lock
func (mb *mailbox) lane(key laneKey) *lane {
	ln, ok := mb.lanes[key]
	if !ok {
		ln = &lane{data: make(chan []byte, mb.depth)}
		mb.lanes[key] = ln
	}
	return ln
}

// put blocks while the lane is full.
func (mb *mailbox) put(key laneKey, payload []byte) error {
	mb.lk.Lock()
	if mb.closed {
		mb.lk.Unlock()
		return ErrNodeClosed
	}
	mb.wg.Add(1)
	defer mb.wg.Done()
	ln := mb.lane(key)
	mb.lk.Unlock()

	select {
	case ln.data <- payload:
		return nil
	case <-mb.closeCh:
		return ErrNodeClosed
	}
}

func (mb *mailbox) take(key laneKey) ([]byte, error) {
	mb.lk.Lock()
	if mb.closed {
		mb.lk.Unlock()
		return nil, ErrNodeClosed
	}
	ln := mb.lane(key)
	mb.lk.Unlock()

	select {
	case payload := <-ln.data:
		return payload, nil
	case <-mb.closeCh:
		return nil, ErrNodeClosed
	}
}

// drop forgets the empty lanes of a released handle.
func (mb *mailbox) drop(handle cohort.Handle) {
	mb.lk.Lock()
	defer mb.lk.Unlock()
	for key, ln := range mb.lanes {
		if key.handle == handle && len(ln.data) == 0 {
			delete(mb.lanes, key)
		}
	}
}

func (mb *mailbox) close() {
	mb.lk.Lock()
	defer mb.lk.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.closeCh)
	mb.wg.Wait()
}
