package tracking

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// padCost fills the cells added to square a rectangular cost matrix
const padCost = 1e12

// hungarian runs Kuhn–Munkres with row/column potentials on cost and returns,
// for each row, the assigned column or -1. Rectangular inputs are padded to a
// square; rows paired with a padding column come back unassigned.
func hungarian(cost *mat.Dense) []int {
	rows, cols := cost.Dims()
	n := max(rows, cols)

	at := func(i, j int) float64 {
		if i < rows && j < cols {
			return cost.At(i, j)
		}
		return padCost
	}

	// 1-indexed; index 0 is the virtual start column.
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	owner := make([]int, n+1) // owner[j] = row matched to column j
	prev := make([]int, n+1)
	slack := make([]float64, n+1)
	visited := make([]bool, n+1)

	for i := 1; i <= n; i++ {
		owner[0] = i
		col := 0
		for j := range slack {
			slack[j] = math.Inf(1)
			visited[j] = false
		}

		for {
			visited[col] = true
			row := owner[col]
			delta := math.Inf(1)
			next := -1

			for j := 1; j <= n; j++ {
				if visited[j] {
					continue
				}
				reduced := at(row-1, j-1) - u[row] - v[j]
				if reduced < slack[j] {
					slack[j] = reduced
					prev[j] = col
				}
				if slack[j] < delta {
					delta = slack[j]
					next = j
				}
			}
			if next < 0 {
				break
			}

			for j := 0; j <= n; j++ {
				if visited[j] {
					u[owner[j]] += delta
					v[j] -= delta
				} else {
					slack[j] -= delta
				}
			}

			col = next
			if owner[col] == 0 {
				break
			}
		}

		for col != 0 {
			owner[col] = owner[prev[col]]
			col = prev[col]
		}
	}

	assign := unassigned(rows)
	for j := 1; j <= cols; j++ {
		if r := owner[j]; r > 0 && r <= rows {
			assign[r-1] = j - 1
		}
	}
	return assign
}
