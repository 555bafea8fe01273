package cohort

import "golang.org/x/exp/constraints"

// Share is the number of units out of total that rank receives when total is
// spread over size ranks: shares differ by at most one, sum to total, and the
// first total%size ranks get the extra unit.
//
// It is 0 when rank is not one of the size ranks.
func Share[T constraints.Integer](total T, size, rank int) T {
	if size <= 0 || rank < 0 || rank >= size {
		return 0
	}

	tSize := T(size)
	if tSize <= 0 || int(tSize) != size {
		// size is out of the range of T, so |total| < size and only the
		// first total ranks get a unit.
		if int(total) > rank {
			return 1
		}
		return 0
	}

	share := total / tSize
	if T(rank) < total%tSize {
		share++
	}
	return share
}

// UniformLoad is the calling rank's `Share` of total. It is 0 on an
// invalid group.
func UniformLoad[T constraints.Integer](g *Group, total T) T {
	return Share(total, g.size, g.rank)
}
