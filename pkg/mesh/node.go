package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/cohort"
)

var (
	MetricMeshFramesOut     = []string{"cohort", "mesh", "frames", "out", "count"}
	MetricMeshFramesIn      = []string{"cohort", "mesh", "frames", "in", "count"}
	MetricMeshBytesOut      = []string{"cohort", "mesh", "bytes", "out"}
	MetricMeshPostErrors    = []string{"cohort", "mesh", "post", "error", "count"}
	MetricMeshDomainsActive = []string{"cohort", "mesh", "domains", "active"}
)

// Tags below zero are reserved for collectives.
const (
	tagBcast = -1 - iota
	tagGather
	tagScatter
	tagCreate
)

// Frame is the unit a `Link` moves between nodes.
type Frame struct {
	Handle cohort.Handle
	// Source is the sender's rank within the domain of Handle.
	Source  int
	Tag     int
	Payload []byte
}

// Link moves frames to other nodes of the job. dest is a world rank, never
// the local one.
type Link interface {
	Post(dest int, f Frame) error
}

// view is what a node knows about one domain.
type view struct {
	// members maps a rank within the domain to its world rank.
	members []int
	rank    int
}

// Node is the `cohort.Substrate` of one world rank.
//
// Collectives are linear and rooted: the root talks to every other member
// in turn. Messages are matched on (domain, source, tag) in arrival order.
type Node struct {
	rank int
	size int
	link Link
	mb   *mailbox

	views   map[cohort.Handle]*view
	viewsLk sync.RWMutex
	counter atomic.Uint32

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

var _ cohort.Substrate = (*Node)(nil)

// NewNode returns the node of world rank `rank` in a job of `size` ranks.
func NewNode(rank, size int, link Link, opts ...Option) (*Node, error) {
	cfg := config{laneDepth: defaultLaneDepth}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if size <= 0 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrInvalidCfg, rank, size)
	}

	n := &Node{
		rank:   rank,
		size:   size,
		link:   link,
		mb:     newMailbox(cfg.laneDepth),
		views:  make(map[cohort.Handle]*view),
		labels: cfg.metricLabels,
	}

	if cfg.logHandler == nil {
		n.logger = slog.Default()
	} else {
		n.logger = slog.New(cfg.logHandler)
	}
	n.logger = n.logger.With(cohort.LabelRank.L(rank))

	if cfg.msink == nil {
		n.msink = metrics.Default()
	} else {
		n.msink = cfg.msink
	}

	world := &view{members: make([]int, size), rank: rank}
	for i := range world.members {
		world.members[i] = i
	}
	n.views[cohort.WorldHandle] = world
	return n, nil
}

// WorldRank is the rank of the node in the whole job.
func (n *Node) WorldRank() int { return n.rank }

// WorldSize is the number of ranks in the whole job.
func (n *Node) WorldSize() int { return n.size }

// Deliver hands an inbound frame to the node. It blocks while the matching
// lane is full.
func (n *Node) Deliver(f Frame) error {
	n.msink.IncrCounterWithLabels(MetricMeshFramesIn, 1.0, n.labels)
	return n.mb.put(laneKey{handle: f.Handle, source: f.Source, tag: f.Tag}, f.Payload)
}

// Close unblocks every pending receive with `cohort.CodeTransport`.
func (n *Node) Close() error {
	n.mb.close()
	return nil
}

func (n *Node) lookup(h cohort.Handle) (*view, cohort.Code) {
	n.viewsLk.RLock()
	defer n.viewsLk.RUnlock()
	v, ok := n.views[h]
	if !ok {
		return nil, cohort.CodeComm
	}
	return v, cohort.CodeSuccess
}

func validate(buf []byte, count int, dt cohort.WireType) cohort.Code {
	if count < 0 {
		return cohort.CodeCount
	}
	if !dt.Valid() {
		return cohort.CodeType
	}
	if len(buf) != count*dt.Size() {
		return cohort.CodeBuffer
	}
	return cohort.CodeSuccess
}

func (n *Node) post(h cohort.Handle, v *view, dest, tag int, payload []byte) cohort.Code {
	cloned := make([]byte, len(payload))
	copy(cloned, payload)

	world := v.members[dest]
	var err error
	if world == n.rank {
		err = n.mb.put(laneKey{handle: h, source: v.rank, tag: tag}, cloned)
	} else {
		err = n.link.Post(world, Frame{Handle: h, Source: v.rank, Tag: tag, Payload: cloned})
	}

	if err != nil {
		n.msink.IncrCounterWithLabels(MetricMeshPostErrors, 1.0, n.labels)
		n.logger.Error("failed to post frame", cohort.LabelPeer.L(world), cohort.LabelError.L(err))
		return cohort.CodeTransport
	}
	n.msink.IncrCounterWithLabels(MetricMeshFramesOut, 1.0, n.labels)
	n.msink.IncrCounterWithLabels(MetricMeshBytesOut, float32(len(payload)), n.labels)
	return cohort.CodeSuccess
}

func (n *Node) take(h cohort.Handle, source, tag int) ([]byte, cohort.Code) {
	payload, err := n.mb.take(laneKey{handle: h, source: source, tag: tag})
	if err != nil {
		return nil, cohort.CodeTransport
	}
	return payload, cohort.CodeSuccess
}

func (n *Node) Rank(h cohort.Handle) (int, cohort.Code) {
	v, code := n.lookup(h)
	if code != cohort.CodeSuccess {
		return -1, code
	}
	return v.rank, code
}

func (n *Node) Size(h cohort.Handle) (int, cohort.Code) {
	v, code := n.lookup(h)
	if code != cohort.CodeSuccess {
		return -1, code
	}
	return len(v.members), code
}

func (n *Node) Bcast(h cohort.Handle, buf []byte, count int, dt cohort.WireType, root int) cohort.Code {
	v, code := n.lookup(h)
	if code != cohort.CodeSuccess {
		return code
	}
	if code := validate(buf, count, dt); code != cohort.CodeSuccess {
		return code
	}
	if root < 0 || root >= len(v.members) {
		return cohort.CodeRoot
	}

	if v.rank == root {
		for r := range v.members {
			if r == root {
				continue
			}
			if code := n.post(h, v, r, tagBcast, buf); code != cohort.CodeSuccess {
				return code
			}
		}
		return cohort.CodeSuccess
	}

	payload, code := n.take(h, root, tagBcast)
	if code != cohort.CodeSuccess {
		return code
	}
	if len(payload) != len(buf) {
		return cohort.CodeTruncate
	}
	copy(buf, payload)
	return cohort.CodeSuccess
}

func (n *Node) Gather(h cohort.Handle, send, recv []byte, count int, dt cohort.WireType, root int) cohort.Code {
	v, code := n.lookup(h)
	if code != cohort.CodeSuccess {
		return code
	}
	if code := validate(send, count, dt); code != cohort.CodeSuccess {
		return code
	}
	if root < 0 || root >= len(v.members) {
		return cohort.CodeRoot
	}

	if v.rank != root {
		return n.post(h, v, root, tagGather, send)
	}

	block := len(send)
	if len(recv) != block*len(v.members) {
		return cohort.CodeBuffer
	}
	for r := range v.members {
		if r == root {
			copy(recv[r*block:], send)
			continue
		}
		payload, code := n.take(h, r, tagGather)
		if code != cohort.CodeSuccess {
			return code
		}
		if len(payload) != block {
			return cohort.CodeTruncate
		}
		copy(recv[r*block:], payload)
	}
	return cohort.CodeSuccess
}

func (n *Node) Scatter(h cohort.Handle, send, recv []byte, count int, dt cohort.WireType, root int) cohort.Code {
	v, code := n.lookup(h)
	if code != cohort.CodeSuccess {
		return code
	}
	if code := validate(recv, count, dt); code != cohort.CodeSuccess {
		return code
	}
	if root < 0 || root >= len(v.members) {
		return cohort.CodeRoot
	}

	if v.rank != root {
		payload, code := n.take(h, root, tagScatter)
		if code != cohort.CodeSuccess {
			return code
		}
		if len(payload) != len(recv) {
			return cohort.CodeTruncate
		}
		copy(recv, payload)
		return cohort.CodeSuccess
	}

	block := len(recv)
	if len(send) != block*len(v.members) {
		return cohort.CodeBuffer
	}
	for r := range v.members {
		chunk := send[r*block : (r+1)*block]
		if r == root {
			copy(recv, chunk)
			continue
		}
		if code := n.post(h, v, r, tagScatter, chunk); code != cohort.CodeSuccess {
			return code
		}
	}
	return cohort.CodeSuccess
}

func (n *Node) Allgather(h cohort.Handle, send, recv []byte, count int, dt cohort.WireType) cohort.Code {
	v, code := n.lookup(h)
	if code != cohort.CodeSuccess {
		return code
	}
	if len(recv) != len(send)*len(v.members) {
		return cohort.CodeBuffer
	}
	if code := n.Gather(h, send, recv, count, dt, 0); code != cohort.CodeSuccess {
		return code
	}
	return n.Bcast(h, recv, count*len(v.members), dt, 0)
}

func (n *Node) Send(h cohort.Handle, buf []byte, count int, dt cohort.WireType, dest, tag int) cohort.Code {
	v, code := n.lookup(h)
	if code != cohort.CodeSuccess {
		return code
	}
	if code := validate(buf, count, dt); code != cohort.CodeSuccess {
		return code
	}
	if dest < 0 || dest >= len(v.members) {
		return cohort.CodeRank
	}
	if tag < 0 {
		return cohort.CodeTag
	}
	return n.post(h, v, dest, tag, buf)
}

func (n *Node) Recv(h cohort.Handle, buf []byte, count int, dt cohort.WireType, source, tag int) cohort.Code {
	v, code := n.lookup(h)
	if code != cohort.CodeSuccess {
		return code
	}
	if code := validate(buf, count, dt); code != cohort.CodeSuccess {
		return code
	}
	if source < 0 || source >= len(v.members) {
		return cohort.CodeRank
	}
	if tag < 0 {
		return cohort.CodeTag
	}

	payload, code := n.take(h, source, tag)
	if code != cohort.CodeSuccess {
		return code
	}
	if len(payload) != len(buf) {
		return cohort.CodeTruncate
	}
	copy(buf, payload)
	return cohort.CodeSuccess
}

func (n *Node) Create(h cohort.Handle, members []int) (cohort.Handle, cohort.Code) {
	v, code := n.lookup(h)
	if code != cohort.CodeSuccess {
		return cohort.NullHandle, code
	}
	for i, m := range members {
		if m < 0 || m >= len(v.members) || (i > 0 && members[i-1] >= m) {
			return cohort.NullHandle, cohort.CodeRank
		}
	}
	return n.create(h, v, members)
}

func (n *Node) Dup(h cohort.Handle) (cohort.Handle, cohort.Code) {
	v, code := n.lookup(h)
	if code != cohort.CodeSuccess {
		return cohort.NullHandle, code
	}
	all := make([]int, len(v.members))
	for i := range all {
		all[i] = i
	}
	return n.create(h, v, all)
}

// create agrees on a fresh handle over h and registers the domain on
// members. Rank 0 of h allocates the handle: it is unique job-wide because
// it embeds the allocator's world rank.
func (n *Node) create(h cohort.Handle, v *view, members []int) (cohort.Handle, cohort.Code) {
	idBuf := make([]byte, 8)
	if v.rank == 0 {
		id := uint64(n.rank+1)<<32 | uint64(n.counter.Add(1))
		binary.LittleEndian.PutUint64(idBuf, id)
	}
	if code := n.bcastTagged(h, v, idBuf, tagCreate); code != cohort.CodeSuccess {
		return cohort.NullHandle, code
	}
	handle := cohort.Handle(binary.LittleEndian.Uint64(idBuf))

	own := -1
	worlds := make([]int, len(members))
	for i, m := range members {
		worlds[i] = v.members[m]
		if m == v.rank {
			own = i
		}
	}
	if own < 0 {
		return cohort.NullHandle, cohort.CodeSuccess
	}

	n.viewsLk.Lock()
	n.views[handle] = &view{members: worlds, rank: own}
	active := len(n.views)
	n.viewsLk.Unlock()

	n.msink.SetGaugeWithLabels(MetricMeshDomainsActive, float32(active), n.labels)
	n.logger.Debug("domain created",
		cohort.LabelDomain.L(strconv.FormatUint(uint64(handle), 16)),
		cohort.LabelSize.L(len(worlds)),
	)
	return handle, cohort.CodeSuccess
}

// bcastTagged is a broadcast from rank 0 of h on a private tag, so it
// never matches a user broadcast.
func (n *Node) bcastTagged(h cohort.Handle, v *view, buf []byte, tag int) cohort.Code {
	if v.rank == 0 {
		for r := 1; r < len(v.members); r++ {
			if code := n.post(h, v, r, tag, buf); code != cohort.CodeSuccess {
				return code
			}
		}
		return cohort.CodeSuccess
	}
	payload, code := n.take(h, 0, tag)
	if code != cohort.CodeSuccess {
		return code
	}
	if len(payload) != len(buf) {
		return cohort.CodeTruncate
	}
	copy(buf, payload)
	return cohort.CodeSuccess
}

func (n *Node) Free(h cohort.Handle) cohort.Code {
	if h == cohort.WorldHandle {
		return cohort.CodeComm
	}

	n.viewsLk.Lock()
	_, ok := n.views[h]
	delete(n.views, h)
	active := len(n.views)
	n.viewsLk.Unlock()
	if !ok {
		return cohort.CodeComm
	}

	n.mb.drop(h)
	n.msink.SetGaugeWithLabels(MetricMeshDomainsActive, float32(active), n.labels)
	return cohort.CodeSuccess
}

// IsClosed reports whether err is the result of the node being closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrNodeClosed)
}
