package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	sockaddr "github.com/hashicorp/go-sockaddr"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/cohort"
	"github.com/raskyld/cohort/pkg/mesh"
)

// Job is one process of a multi-process job. Membership and rank discovery
// go through memberlist gossip, frames go through a QUIC data plane.
type Job struct {
	config config
	logger *slog.Logger

	// gossip
	ml     *memberlist.Memberlist
	gossip *gossip
	roster *roster

	// transport
	tr       *Transport
	dataAddr string

	node *mesh.Node

	// synchronisation
	lk sync.Mutex

	// 2-phase close:
	// phase 1: shutdown notification, graceful termination.
	// phase 2: drop, all resources are freed.
	shutdown   bool
	shutdownCh chan struct{}
}

var _ mesh.Link = (*Job)(nil)

// Create binds both planes of the local process. Call `Job.Join` before
// handing `Job.Node` to a `cohort.Group`.
func Create(opts ...Option) (job *Job, err error) {
	job = &Job{
		shutdownCh: make(chan struct{}),
	}

	job.config.rank = -1
	job.config.mlCfg = memberlist.DefaultLANConfig()
	job.config.mlCfg.Name = ""
	job.config.mlCfg.ProbeTimeout = 2 * time.Second
	job.config.trCfg.GracePeriod = time.Second

	for _, opt := range opts {
		err := opt(&job.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if job.config.rank < 0 {
		return nil, fmt.Errorf("%w: WithRank is mandatory", ErrInvalidCfg)
	}
	if job.config.mlCfg.Name == "" {
		job.config.mlCfg.Name = "rank-" + strconv.Itoa(job.config.rank)
	}

	// Logging implementations.
	handler := job.config.logHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	job.logger = slog.New(handler).With(cohort.LabelRank.L(job.config.rank))
	job.config.mlCfg.LogOutput = nil
	job.config.mlCfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)

	// Metrics implementations.
	if job.config.msink == nil {
		job.config.msink = metrics.Default()
	}

	job.roster = newRoster(job.config.size)

	nodeOpts := []mesh.Option{
		mesh.WithLog(handler),
		mesh.WithMetricSink(job.config.msink),
		mesh.WithMetricLabels(job.config.metricLabels),
	}
	if job.config.laneDepth > 0 {
		nodeOpts = append(nodeOpts, mesh.WithLaneDepth(job.config.laneDepth))
	}
	job.node, err = mesh.NewNode(job.config.rank, job.config.size, job, nodeOpts...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			job.node.Close()
			if job.tr != nil {
				job.tr.Shutdown()
			}
		}
	}()

	// Initiate the data plane.
	tr, err := NewTransport(&job.config.trCfg, job.node.Deliver)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	job.tr = tr

	ip, err := job.advertiseIP()
	if err != nil {
		return nil, err
	}
	job.dataAddr = net.JoinHostPort(ip, strconv.Itoa(tr.LocalAddr().Port))

	self := Peer{
		Rank:     job.config.rank,
		Name:     job.config.mlCfg.Name,
		DataAddr: job.dataAddr,
	}
	if err := job.roster.claim(self); err != nil {
		return nil, err
	}

	// Initiate the gossip layer.
	job.gossip = &gossip{
		logger: job.logger,
		meta: encodeMeta(meta{
			rank:     job.config.rank,
			size:     job.config.size,
			dataAddr: job.dataAddr,
		}),
		size:         job.config.size,
		roster:       job.roster,
		msink:        job.config.msink,
		metricLabels: job.config.metricLabels,
	}
	job.config.mlCfg.Delegate = job.gossip
	job.config.mlCfg.Events = job.gossip

	ml, err := memberlist.Create(job.config.mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	job.ml = ml

	job.logger.Info(
		"job process created",
		"self", &self,
		"gossip_addr", job.GossipAddr(),
	)
	return job, nil
}

// advertiseIP picks the IP peers should dial to reach the data plane.
func (job *Job) advertiseIP() (string, error) {
	if job.config.advertise != "" {
		return job.config.advertise, nil
	}

	for _, candidate := range []string{job.config.trCfg.BindAddr, job.config.mlCfg.BindAddr} {
		ip := net.ParseIP(candidate)
		if ip != nil && !ip.IsUnspecified() {
			return ip.String(), nil
		}
	}

	ip, err := sockaddr.GetPrivateIP()
	if err != nil {
		return "", fmt.Errorf("%w: failed to get private interface addresses: %w", ErrInvalidCfg, err)
	}
	if ip == "" {
		return "", fmt.Errorf("%w: no private IP address found and none advertised", ErrInvalidCfg)
	}
	return ip, nil
}

// Join contacts the neighbours then waits until every rank of the job has
// been discovered, or ctx is done.
func (job *Job) Join(ctx context.Context) error {
	job.lk.Lock()
	if job.shutdown {
		job.lk.Unlock()
		return ErrFabricClosed
	}
	neighbours := job.config.neighbours
	job.lk.Unlock()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	joined := len(neighbours) == 0
	lastTry := time.Time{}
	for {
		if !joined && time.Since(lastTry) > time.Second {
			lastTry = time.Now()
			n, err := job.ml.Join(neighbours)
			if err != nil {
				job.logger.Debug("no neighbour reachable yet", cohort.LabelError.L(err))
			} else {
				joined = true
				job.logger.Info("job joined")
				if n != len(neighbours) {
					job.logger.Warn(
						"not all neighbours are reachable",
						"joined", n,
						"expected", len(neighbours),
					)
				}
			}
		}

		missing := job.roster.missing()
		if len(missing) == 0 {
			job.logger.Info("every rank discovered", cohort.LabelSize.L(job.config.size))
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: ranks %v are missing: %w", ErrJoinCluster, missing, ctx.Err())
		case <-job.shutdownCh:
			return ErrFabricClosed
		case <-ticker.C:
		}
	}
}

// Post implements `mesh.Link` over the data plane.
func (job *Job) Post(dest int, f mesh.Frame) error {
	peer, ok := job.roster.get(dest)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, dest)
	}
	return job.tr.Send(peer.DataAddr, f)
}

// Node is the substrate to build a `cohort.Group` on.
func (job *Job) Node() *mesh.Node { return job.node }

func (job *Job) Rank() int { return job.config.rank }

func (job *Job) Size() int { return job.config.size }

// Peers returns the ranks discovered so far, ordered by rank.
func (job *Job) Peers() []Peer { return job.roster.list() }

// GossipAddr is the address other processes can use as a neighbour.
func (job *Job) GossipAddr() string { return job.ml.LocalNode().Address() }

// DataAddr is the advertised address of the QUIC data plane.
func (job *Job) DataAddr() string { return job.dataAddr }

// Shutdown leaves the job and frees every resource. Ranks still blocked in
// a receive get `cohort.CodeTransport`.
func (job *Job) Shutdown() error {
	// Phase 1: Shutdown notify.
	job.lk.Lock()
	if job.shutdown {
		job.lk.Unlock()
		return nil
	}
	job.shutdown = true
	close(job.shutdownCh)
	job.lk.Unlock()

	start := time.Now()
	job.logger.Info("shutting down...")

	job.logger.Info("shutdown: leave job")
	if err := job.ml.Leave(job.config.trCfg.GracePeriod + time.Second); err != nil {
		job.logger.Warn("could not broadcast our leave", cohort.LabelError.L(err))
	}
	job.node.Close()

	// Phase 2: Drop all resources.
	job.logger.Info("shutdown: release gossip resources")
	if err := job.ml.Shutdown(); err != nil {
		job.logger.Warn("could not stop gossip", cohort.LabelError.L(err))
	}

	job.logger.Info("shutdown: release data plane")
	job.tr.Shutdown()

	job.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}
