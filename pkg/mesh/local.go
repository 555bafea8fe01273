package mesh

import (
	"errors"
	"fmt"

	"github.com/raskyld/cohort"
	"golang.org/x/sync/errgroup"
)

// LocalJob is a job whose ranks all live in the current process and
// exchange frames through their mailboxes directly.
type LocalJob struct {
	nodes []*Node
}

type localLink struct {
	job *LocalJob
}

func (l localLink) Post(dest int, f Frame) error {
	if dest < 0 || dest >= len(l.job.nodes) {
		return fmt.Errorf("%w: %d", ErrNoSuchRank, dest)
	}
	return l.job.nodes[dest].Deliver(f)
}

// NewLocalJob allocates the nodes of a job of the given size.
func NewLocalJob(size int, opts ...Option) (*LocalJob, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: job size must be positive, got %d", ErrInvalidCfg, size)
	}

	job := &LocalJob{nodes: make([]*Node, size)}
	link := localLink{job: job}
	for rank := range job.nodes {
		node, err := NewNode(rank, size, link, opts...)
		if err != nil {
			return nil, err
		}
		job.nodes[rank] = node
	}
	return job, nil
}

func (job *LocalJob) Size() int { return len(job.nodes) }

// Node returns the substrate of the given world rank.
func (job *LocalJob) Node(rank int) *Node { return job.nodes[rank] }

// Run calls fn once per rank, each on its own goroutine, and waits for all
// of them. The first rank to fail closes the job so that peers blocked on
// it are released.
func (job *LocalJob) Run(fn func(rank int, sub cohort.Substrate) error) error {
	var eg errgroup.Group
	for rank, node := range job.nodes {
		eg.Go(func() error {
			if err := fn(rank, node); err != nil {
				job.Close()
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

func (job *LocalJob) Close() error {
	var errs []error
	for _, node := range job.nodes {
		errs = append(errs, node.Close())
	}
	return errors.Join(errs...)
}
