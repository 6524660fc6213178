package domain

const (
	// PositionSeed is the position of the first task in an empty column.
	PositionSeed = 1000.0
	// PositionStep is the gap appended after the current tail.
	PositionStep = 1000.0
	// PositionMinGap is the adjacent-gap threshold below which a column
	// gets renumbered back onto the seed grid.
	PositionMinGap = 1e-6
)

// NextPosition returns an ordering key for inserting a task at index within a
// column whose existing positions are given in ascending order (the moved
// task itself excluded). The existing relative order is always preserved;
// repeated boundary insertions erode precision until a rebalance renumbers
// the column.
func NextPosition(existing []float64, index int) float64 {
	if len(existing) == 0 {
		return PositionSeed
	}
	if index <= 0 {
		return existing[0] / 2
	}
	if index >= len(existing) {
		return existing[len(existing)-1] + PositionStep
	}
	return (existing[index-1] + existing[index]) / 2
}

// MinAdjacentGap returns the smallest gap between neighbouring positions.
// Columns with fewer than two tasks never need rebalancing.
func MinAdjacentGap(positions []float64) float64 {
	if len(positions) < 2 {
		return PositionStep
	}
	min := positions[1] - positions[0]
	for i := 2; i < len(positions); i++ {
		if gap := positions[i] - positions[i-1]; gap < min {
			min = gap
		}
	}
	return min
}

// RenormalizePositions returns fresh seed-grid positions for a column of n
// tasks, keeping their relative order.
func RenormalizePositions(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = PositionSeed * float64(i+1)
	}
	return out
}
