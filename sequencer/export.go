package sequencer

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/isim/waveform"
)

// WriteCSV writes m with one line per sample and one column per output,
// under a header of the row names
func WriteCSV(w io.Writer, m waveform.Matrix) error {
	cw := csv.NewWriter(w)
	header := make([]string, m.Rows())
	for i := range header {
		if i < len(waveform.RowNames) {
			header[i] = waveform.RowNames[i]
		} else {
			header[i] = "row" + strconv.Itoa(i)
		}
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, m.Rows())
	for j := 0; j < m.Cols(); j++ {
		for i := range m {
			rec[i] = strconv.FormatFloat(m[i][j], 'g', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFITS writes m as a two-dimensional float64 image, samples along the
// first axis and outputs along the second.  The row names are recorded as
// ROW<n> cards after metadata.
func WriteFITS(w io.Writer, m waveform.Matrix, metadata ...fitsio.Card) error {
	if err := m.Validate(); err != nil {
		return err
	}
	rows, cols := m.Rows(), m.Cols()
	for i := 0; i < rows && i < len(waveform.RowNames); i++ {
		metadata = append(metadata, fitsio.Card{
			Name:  "ROW" + strconv.Itoa(i),
			Value: waveform.RowNames[i],
		})
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{cols, rows})
	defer im.Close()
	if err = im.Header().Append(metadata...); err != nil {
		return err
	}
	flat := make([]float64, 0, rows*cols)
	for _, r := range m {
		flat = append(flat, r...)
	}
	if err = im.Write(flat); err != nil {
		return err
	}
	return fits.Write(im)
}
