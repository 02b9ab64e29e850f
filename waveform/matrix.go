package waveform

import "fmt"

// Rows of a frame, in output order
const (
	RowGalvo = iota
	RowStage
	RowCamera
	RowBlank
	Row488
	Row561

	// NumRows is the number of output rows
	NumRows
)

// RowNames are the names of the rows, by index
var RowNames = [NumRows]string{"galvo", "stage", "camera", "blank", "aotf488", "aotf561"}

// Matrix is a rectangular block of samples, one row per output channel
type Matrix [][]float64

// Rows returns the number of rows
func (m Matrix) Rows() int {
	return len(m)
}

// Cols returns the number of samples per row
func (m Matrix) Cols() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// Validate returns an error if the rows are not all the same length
func (m Matrix) Validate() error {
	c := m.Cols()
	for i := range m {
		if len(m[i]) != c {
			return fmt.Errorf("%w: row %d has %d samples, row 0 has %d", ErrShape, i, len(m[i]), c)
		}
	}
	return nil
}

// Column returns a copy of the samples at index i across all rows
func (m Matrix) Column(i int) []float64 {
	out := make([]float64, len(m))
	for r := range m {
		out[r] = m[r][i]
	}
	return out
}

// Last returns the final column
func (m Matrix) Last() []float64 {
	return m.Column(m.Cols() - 1)
}

// Clone returns a deep copy of m
func (m Matrix) Clone() Matrix {
	out := make(Matrix, len(m))
	for i := range m {
		out[i] = append([]float64(nil), m[i]...)
	}
	return out
}

// Tile repeats m horizontally n times.  n < 1 yields an empty matrix with the same rows.
func (m Matrix) Tile(n int) Matrix {
	if n < 0 {
		n = 0
	}
	out := make(Matrix, len(m))
	for i := range m {
		row := make([]float64, 0, len(m[i])*n)
		for j := 0; j < n; j++ {
			row = append(row, m[i]...)
		}
		out[i] = row
	}
	return out
}

// VStack stacks rows and matrices vertically.  It does not check column counts;
// call Validate on the result.
func VStack(parts ...Matrix) Matrix {
	var out Matrix
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Row wraps a single row as a Matrix
func Row(r []float64) Matrix {
	return Matrix{r}
}

// HStack concatenates matrices horizontally.  All inputs must have the same number of rows.
// ErrEmptySequence is returned if there is nothing to concatenate.
func HStack(parts ...Matrix) (Matrix, error) {
	if len(parts) == 0 {
		return nil, ErrEmptySequence
	}
	rows := parts[0].Rows()
	cols := 0
	for i, p := range parts {
		if p.Rows() != rows {
			return nil, fmt.Errorf("%w: part %d has %d rows, expected %d", ErrShape, i, p.Rows(), rows)
		}
		cols += p.Cols()
	}
	out := make(Matrix, rows)
	for r := 0; r < rows; r++ {
		row := make([]float64, 0, cols)
		for _, p := range parts {
			row = append(row, p[r]...)
		}
		out[r] = row
	}
	return out, nil
}
