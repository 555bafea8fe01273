package cohort

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"
)

type domainKind uint8

const (
	domainAmbient domainKind = iota
	domainOwned
	domainNone
)

// domain is either the ambient whole-job domain, shared by every group
// built on it, or a handle exclusively owned by one group.
type domain struct {
	kind   domainKind
	handle Handle
}

var ambient = domain{kind: domainAmbient, handle: WorldHandle}

func (d domain) String() string {
	switch d.kind {
	case domainAmbient:
		return "ambient"
	case domainOwned:
		return "owned:" + strconv.FormatUint(uint64(d.handle), 16)
	default:
		return "none"
	}
}

// Inclusion is the per-process vote passed to `NewSubgroup`.
type Inclusion int8

const (
	Exclude Inclusion = iota
	Include
	// IncludeAll must be passed by every process and skips subgroup
	// construction entirely: the ambient domain is reused.
	IncludeAll
)

// Group is a cohort of processes able to exchange messages.
//
// A Group is not safe for concurrent use. Rank and size are -1 when the
// substrate could not report them, in which case the Group must only be used
// for its accessors.
type Group struct {
	sub    Substrate
	dom    domain
	rank   int
	size   int
	master int
	closed bool

	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink
}

// New returns a Group over the ambient domain of sub.
//
// The returned Group is never nil. When err is non-nil it is invalid.
func New(sub Substrate, opts ...Option) (*Group, error) {
	cfg, err := buildConfig(opts)
	g := newGroup(sub, ambient, cfg)
	if err != nil {
		return g, err
	}
	return g, g.attach(ambient)
}

// NewSubgroup exchanges every process's inclusion vote over the ambient
// domain and returns a Group made of the including ranks, numbered in
// ascending order of their ambient rank. This is a collective call.
//
// Excluded processes get an invalid Group and `ErrNotMember`.
func NewSubgroup(sub Substrate, inc Inclusion, opts ...Option) (*Group, error) {
	cfg, err := buildConfig(opts)
	g := newGroup(sub, domain{kind: domainNone}, cfg)
	if err != nil {
		return g, err
	}

	if inc == IncludeAll {
		return g, g.attach(ambient)
	}

	size, code := sub.Size(WorldHandle)
	if err := check(g.logger, "subgroup", code); err != nil {
		return g, fmt.Errorf("%w: %w", ErrInvalidGroup, err)
	}

	vote := []uint8{0}
	if inc == Include {
		vote[0] = 1
	}
	votes := make([]uint8, size)
	code = sub.Allgather(WorldHandle, vote, votes, 1, WireByte)
	if err := check(g.logger, "subgroup", code); err != nil {
		return g, err
	}

	members := make([]int, 0, size)
	for rank, v := range votes {
		if v != 0 {
			members = append(members, rank)
		}
	}

	handle, code := sub.Create(WorldHandle, members)
	if err := check(g.logger, "subgroup", code); err != nil {
		return g, err
	}
	if handle == NullHandle {
		g.logger.Debug("left out of subgroup", LabelSize.L(len(members)))
		return g, ErrNotMember
	}

	g.msink.IncrCounterWithLabels(MetricGroupCreated, 1.0, g.cfg.metricLabels)
	return g, g.attach(domain{kind: domainOwned, handle: handle})
}

func buildConfig(opts []Option) (config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return cfg, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	return cfg, nil
}

func newGroup(sub Substrate, dom domain, cfg config) *Group {
	g := &Group{
		sub:    sub,
		dom:    dom,
		rank:   -1,
		size:   -1,
		master: cfg.master,
		cfg:    cfg,
	}

	if cfg.logHandler != nil {
		g.logger = slog.New(cfg.logHandler)
	} else {
		g.logger = slog.Default()
	}

	if cfg.msink == nil {
		g.msink = metrics.Default()
	} else {
		g.msink = cfg.msink
	}
	return g
}

// attach binds the group to dom and recomputes rank and size from the
// substrate.
func (g *Group) attach(dom domain) error {
	g.dom = dom
	g.rank, g.size = -1, -1

	rank, code := g.sub.Rank(dom.handle)
	if err := check(g.logger, "rank", code); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidGroup, err)
	}
	size, code := g.sub.Size(dom.handle)
	if err := check(g.logger, "size", code); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidGroup, err)
	}
	g.rank, g.size = rank, size

	if g.master >= size {
		return fmt.Errorf("%w: %d >= %d", ErrInvalidMaster, g.master, size)
	}

	g.logger = g.logger.With(LabelRank.L(rank), LabelDomain.L(dom.String()))
	return nil
}

func (g *Group) Rank() int { return g.rank }

func (g *Group) Size() int { return g.size }

func (g *Group) Master() int { return g.master }

func (g *Group) IsMaster() bool { return g.master == g.rank }

func (g *Group) IsMasterRank(rank int) bool { return g.master == rank }

// Valid reports whether the group can be used for communication.
func (g *Group) Valid() bool {
	return !g.closed && g.dom.kind != domainNone &&
		g.rank >= 0 && g.rank < g.size &&
		g.master >= 0 && g.master < g.size
}

// Owned reports whether the group exclusively owns its domain.
func (g *Group) Owned() bool { return g.dom.kind == domainOwned }

// Handle returns the substrate handle of the group's domain.
func (g *Group) Handle() Handle { return g.dom.handle }

// Clone returns an independent copy of g.
//
// An ambient group is cloned by reference. An owned domain is duplicated by
// the substrate, which makes Clone a collective call for owned groups.
func (g *Group) Clone() (*Group, error) {
	c := newGroup(g.sub, domain{kind: domainNone}, g.cfg)
	if g.closed {
		return c, ErrClosed
	}

	switch g.dom.kind {
	case domainAmbient:
		return c, c.attach(ambient)
	case domainOwned:
		handle, code := g.sub.Dup(g.dom.handle)
		if err := check(g.logger, "dup", code); err != nil {
			return c, err
		}
		g.msink.IncrCounterWithLabels(MetricGroupCreated, 1.0, g.cfg.metricLabels)
		return c, c.attach(domain{kind: domainOwned, handle: handle})
	default:
		return c, ErrInvalidGroup
	}
}

// Close releases the domain if the group owns it. It is a no-op for
// ambient groups and on subsequent calls.
func (g *Group) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	if g.dom.kind != domainOwned {
		return nil
	}

	err := check(g.logger, "free", g.sub.Free(g.dom.handle))
	if err == nil {
		g.msink.IncrCounterWithLabels(MetricGroupReleased, 1.0, g.cfg.metricLabels)
	}
	return err
}

func (g *Group) output() io.Writer {
	return g.cfg.output
}

// call runs one substrate operation and records it.
func (g *Group) call(op string, bytes int, fn func() Code) error {
	if g.closed {
		return ErrClosed
	}

	labels := append([]metrics.Label{LabelOp.M(op)}, g.cfg.metricLabels...)
	start := time.Now()
	err := check(g.logger, op, fn())
	g.msink.AddSampleWithLabels(MetricGroupOpLatency, float32(time.Since(start).Seconds()*1e3), labels)
	g.msink.IncrCounterWithLabels(MetricGroupOpCount, 1.0, labels)
	if err != nil {
		var cerr *CallError
		if errors.As(err, &cerr) {
			labels = append(labels, LabelCode.M(strconv.Itoa(int(cerr.Code))))
		}
		g.msink.IncrCounterWithLabels(MetricGroupOpErrorCount, 1.0, labels)
		return err
	}
	g.msink.IncrCounterWithLabels(MetricGroupOpBytes, float32(bytes), labels)
	return nil
}
