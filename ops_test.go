package cohort_test

import (
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/raskyld/cohort"
	"github.com/stretchr/testify/require"
)

func broadcastRoundTrip[T cohort.Scalar](t *testing.T, want []T) {
	t.Run(cohort.WireTypeOf[T]().String(), func(t *testing.T) {
		runJob(t, 4, func(rank int, sub cohort.Substrate) error {
			g, err := cohort.New(sub, cohort.WithMaster(1), cohort.WithLog(testHandler))
			if err != nil {
				return err
			}

			buf := make([]T, len(want))
			if g.IsMaster() {
				copy(buf, want)
			}
			if err := cohort.Broadcast(g, buf); err != nil {
				return err
			}
			if !slices.Equal(buf, want) {
				return fmt.Errorf("rank %d got %v", rank, buf)
			}
			return nil
		})
	})
}

func TestBroadcast(t *testing.T) {
	broadcastRoundTrip(t, []int8{-128, 0, 127})
	broadcastRoundTrip(t, []int16{-32768, 1, 32767})
	broadcastRoundTrip(t, []int32{-1 << 31, 42})
	broadcastRoundTrip(t, []int64{-1 << 63, 1<<63 - 1})
	broadcastRoundTrip(t, []uint8("bytes too"))
	broadcastRoundTrip(t, []uint16{65535})
	broadcastRoundTrip(t, []uint32{1 << 31, 7})
	broadcastRoundTrip(t, []uint64{1<<64 - 1})
	broadcastRoundTrip(t, []float32{3.25, -0.5})
	broadcastRoundTrip(t, []float64{1e300, -2.5e-300, 0})
}

func TestScatterGather(t *testing.T) {
	const size, count = 5, 3
	original := make([]float64, size*count)
	for i := range original {
		original[i] = float64(i) * 1.5
	}

	runJob(t, size, func(rank int, sub cohort.Substrate) error {
		g, err := cohort.New(sub)
		if err != nil {
			return err
		}

		const root = 3
		var send, back []float64
		if g.Rank() == root {
			send = original
			back = make([]float64, size*count)
		}

		block := make([]float64, count)
		if err := cohort.Scatter(g, send, block, root); err != nil {
			return err
		}
		if !slices.Equal(block, original[rank*count:(rank+1)*count]) {
			return fmt.Errorf("rank %d received %v", rank, block)
		}

		if err := cohort.Gather(g, block, back, root); err != nil {
			return err
		}
		if g.Rank() == root && !slices.Equal(back, original) {
			return fmt.Errorf("gathered %v", back)
		}
		return nil
	})
}

func TestSendRecv(t *testing.T) {
	runJob(t, 4, func(rank int, sub cohort.Substrate) error {
		g, err := cohort.New(sub)
		if err != nil {
			return err
		}

		if !g.IsMaster() {
			return cohort.Send(g, 0, []int64{int64(rank * 100), int64(rank)})
		}

		// receive in reverse order: messages are matched by source.
		for source := g.Size() - 1; source > 0; source-- {
			buf := make([]int64, 2)
			if err := cohort.Recv(g, source, buf); err != nil {
				return err
			}
			if buf[0] != int64(source*100) || buf[1] != int64(source) {
				return fmt.Errorf("from %d got %v", source, buf)
			}
		}
		return nil
	})
}

func TestCallErrors(t *testing.T) {
	runJob(t, 2, func(rank int, sub cohort.Substrate) error {
		g, err := cohort.New(sub, cohort.WithLog(testHandler))
		if err != nil {
			return err
		}

		err = cohort.Gather(g, []int32{1}, make([]int32, 2), 7)
		var cerr *cohort.CallError
		if !errors.As(err, &cerr) || cerr.Code != cohort.CodeRoot || !errors.Is(err, cohort.ErrRoot) {
			return fmt.Errorf("expected an invalid root, got %v", err)
		}

		err = cohort.Send(g, 5, []int32{1})
		if !errors.Is(err, cohort.ErrRank) {
			return fmt.Errorf("expected an invalid rank, got %v", err)
		}
		return nil
	})
}

func TestCallErrorMessage(t *testing.T) {
	err := &cohort.CallError{Op: "broadcast", Code: cohort.CodeTruncate}
	require.EqualError(t, err, "group: broadcast: Message truncated")
	require.ErrorIs(t, err, cohort.ErrTruncate)
}

func TestUniformLoad(t *testing.T) {
	t.Run("shares are balanced and sum to the total", func(t *testing.T) {
		for size := 1; size <= 9; size++ {
			for total := int64(0); total <= 40; total++ {
				var sum, lo, hi int64
				lo = total
				for rank := 0; rank < size; rank++ {
					share := cohort.Share(total, size, rank)
					sum += share
					lo = min(lo, share)
					hi = max(hi, share)
				}
				require.Equal(t, total, sum, "total %d over %d", total, size)
				require.LessOrEqual(t, hi-lo, int64(1), "total %d over %d", total, size)
			}
		}
	})

	t.Run("first ranks get the extra unit", func(t *testing.T) {
		shares := make([]int, 4)
		runJob(t, 4, func(rank int, sub cohort.Substrate) error {
			g, err := cohort.New(sub)
			if err != nil {
				return err
			}
			shares[rank] = cohort.UniformLoad(g, 10)
			return nil
		})
		require.Equal(t, []int{3, 3, 2, 2}, shares)
	})
}

func TestShareNarrowType(t *testing.T) {
	const size = 300
	var sum int
	for rank := 0; rank < size; rank++ {
		share := cohort.Share(int8(100), size, rank)
		require.LessOrEqual(t, share, int8(1))
		require.GreaterOrEqual(t, share, int8(0))
		sum += int(share)
	}
	require.Equal(t, 100, sum)
	require.Equal(t, int8(1), cohort.Share(int8(100), size, 99))
	require.Equal(t, int8(0), cohort.Share(int8(100), size, 100))

	require.Zero(t, cohort.Share(10, 4, 4))
	require.Zero(t, cohort.Share(10, -1, -1))
}
