package cohort

// Handle identifies a communication domain to a `Substrate`.
type Handle uint64

const (
	// NullHandle is returned to processes left out of a created domain.
	NullHandle Handle = 0
	// WorldHandle is the ambient domain spanning the whole job. It is never
	// freed.
	WorldHandle Handle = 1
)

// Substrate is the message-passing layer a `Group` calls into.
//
// Every call is blocking. Collective calls (Bcast, Gather, Scatter,
// Allgather, Create, Dup) must be entered by every member of the domain in
// the same order. Buffers are little-endian encodings of `count` elements
// of `dt`; receive buffers are filled in place.
type Substrate interface {
	Rank(h Handle) (int, Code)
	Size(h Handle) (int, Code)

	Bcast(h Handle, buf []byte, count int, dt WireType, root int) Code
	// Gather: recv is only significant at root and holds size*count elements.
	Gather(h Handle, send, recv []byte, count int, dt WireType, root int) Code
	// Scatter: send is only significant at root and holds size*count elements.
	Scatter(h Handle, send, recv []byte, count int, dt WireType, root int) Code
	Allgather(h Handle, send, recv []byte, count int, dt WireType) Code

	Send(h Handle, buf []byte, count int, dt WireType, dest, tag int) Code
	Recv(h Handle, buf []byte, count int, dt WireType, source, tag int) Code

	// Create builds a domain out of the given ranks of h, which must be
	// ascending. Members receive the new handle, the others `NullHandle`.
	Create(h Handle, members []int) (Handle, Code)
	// Dup builds a new domain with the same membership as h.
	Dup(h Handle) (Handle, Code)
	Free(h Handle) Code
}
