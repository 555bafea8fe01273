package fabric

import (
	"crypto/x509"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

// Peer is a member of the job as seen through gossip.
type Peer struct {
	Rank     int
	Name     string
	DataAddr string
}

func (p *Peer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("rank", p.Rank),
		slog.String("name", p.Name),
		slog.String("data_addr", p.DataAddr),
	)
}

// CommonName returns the x509 Subject Common Name of the first certificate
// presented by a remote peer.
func CommonName(certs []*x509.Certificate) string {
	if len(certs) == 0 {
		return ""
	}
	return certs[0].Subject.CommonName
}

// Node metadata gossiped by every member of a job.
const (
	metaRank     protowire.Number = 1
	metaSize     protowire.Number = 2
	metaDataAddr protowire.Number = 3
)

type meta struct {
	rank     int
	size     int
	dataAddr string
}

func encodeMeta(m meta) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, metaRank, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.rank))
	buf = protowire.AppendTag(buf, metaSize, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.size))
	buf = protowire.AppendTag(buf, metaDataAddr, protowire.BytesType)
	buf = protowire.AppendString(buf, m.dataAddr)
	return buf
}

func decodeMeta(b []byte) (meta, error) {
	m := meta{rank: -1}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == metaRank && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.rank = int(v)
		case num == metaSize && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.size = int(v)
		case num == metaDataAddr && typ == protowire.BytesType:
			m.dataAddr, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return m, fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if m.rank < 0 || m.dataAddr == "" {
		return m, fmt.Errorf("%w: incomplete node metadata", ErrProtocolViolation)
	}
	return m, nil
}

// roster maps world ranks to the peers that claimed them.
type roster struct {
	size  int
	peers map[int]Peer
	lk    sync.RWMutex
}

func newRoster(size int) *roster {
	return &roster{
		size:  size,
		peers: make(map[int]Peer, size),
	}
}

// claim records p. It fails if another node already holds the rank.
func (r *roster) claim(p Peer) error {
	if p.Rank < 0 || p.Rank >= r.size {
		return fmt.Errorf("%w: rank %d outside of a job of size %d", ErrInvalidCfg, p.Rank, r.size)
	}

	r.lk.Lock()
	defer r.lk.Unlock()
	if held, ok := r.peers[p.Rank]; ok && held.Name != p.Name {
		return fmt.Errorf("%w: rank %d held by %s, claimed by %s", ErrRosterConflict, p.Rank, held.Name, p.Name)
	}
	r.peers[p.Rank] = p
	return nil
}

// forget releases the rank held by the node called name, if any.
func (r *roster) forget(name string) (Peer, bool) {
	r.lk.Lock()
	defer r.lk.Unlock()
	for rank, p := range r.peers {
		if p.Name == name {
			delete(r.peers, rank)
			return p, true
		}
	}
	return Peer{}, false
}

func (r *roster) get(rank int) (Peer, bool) {
	r.lk.RLock()
	defer r.lk.RUnlock()
	p, ok := r.peers[rank]
	return p, ok
}

func (r *roster) len() int {
	r.lk.RLock()
	defer r.lk.RUnlock()
	return len(r.peers)
}

// missing lists the ranks nobody claimed yet.
func (r *roster) missing() []int {
	r.lk.RLock()
	defer r.lk.RUnlock()
	var ranks []int
	for rank := 0; rank < r.size; rank++ {
		if _, ok := r.peers[rank]; !ok {
			ranks = append(ranks, rank)
		}
	}
	return ranks
}

// list returns the known peers ordered by rank.
func (r *roster) list() []Peer {
	r.lk.RLock()
	defer r.lk.RUnlock()
	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	slices.SortFunc(peers, func(a, b Peer) int { return a.Rank - b.Rank })
	return peers
}
