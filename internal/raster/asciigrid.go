package raster

import (
	"bufio"
	"fmt"
	"io"
	"math"

	"github.com/rotisserie/eris"
)

// asciiNoData is the file-level no-data marker for ASCII grid export.
const asciiNoData = -9999

// WriteASCIIGrid exports an elevation grid in the Arc/Info ASCII grid
// format, row 0 first. NaN cells are written as the NODATA marker.
func WriteASCIIGrid(w io.Writer, g *Grid) error {
	if g.Kind != KindElevation {
		return eris.New("raster: ascii grid export requires an elevation grid")
	}

	minX, minY, _, _ := g.Bounds()
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "ncols %d\n", g.Width)
	fmt.Fprintf(bw, "nrows %d\n", g.Height)
	fmt.Fprintf(bw, "xllcorner %g\n", minX)
	fmt.Fprintf(bw, "yllcorner %g\n", minY)
	fmt.Fprintf(bw, "cellsize %g\n", g.CellSize)
	fmt.Fprintf(bw, "NODATA_value %d\n", asciiNoData)

	for row := 0; row < g.Height; row++ {
		for col := 0; col < g.Width; col++ {
			if col > 0 {
				if err := bw.WriteByte(' '); err != nil {
					return eris.Wrap(err, "raster: write ascii grid")
				}
			}
			v := g.SampleAt(col, row)
			if math.IsNaN(v) {
				fmt.Fprintf(bw, "%d", asciiNoData)
			} else {
				fmt.Fprintf(bw, "%g", v)
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return eris.Wrap(err, "raster: write ascii grid")
		}
	}
	return eris.Wrap(bw.Flush(), "raster: flush ascii grid")
}
