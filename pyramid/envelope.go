package pyramid

import (
	"math"

	"github.com/go-spatial/geom"

	"github.com/pdok/tilepyramid/intgeom"
)

const scaleTolerance = 1e-9

// ScaleRange is an inclusive range of scales (CRS units per pixel).
type ScaleRange struct {
	Min float64
	Max float64
}

// AllScales matches every scale.
var AllScales = ScaleRange{Min: 0, Max: math.Inf(1)}

// Contains tolerates rounding of scales read back from text formats.
func (r ScaleRange) Contains(scale float64) bool {
	eps := scaleTolerance * math.Max(1, math.Abs(scale))
	return scale >= r.Min-eps && scale <= r.Max+eps
}

// MosaicEnvelope computes the CRS envelope of a grid with its origin in the upper left corner.
func MosaicEnvelope(upperLeft geom.Point, grid, tile Dimension, scale float64) geom.Extent {
	width := float64(grid.Width) * float64(tile.Width) * scale
	height := float64(grid.Height) * float64(tile.Height) * scale
	return geom.Extent{
		upperLeft.X(),
		upperLeft.Y() - height,
		upperLeft.X() + width,
		upperLeft.Y(),
	}
}

// UnionEnvelope is the union of the envelopes of mosaics; false when mosaics is empty.
func UnionEnvelope(mosaics []Mosaic) (geom.Extent, bool) {
	if len(mosaics) == 0 {
		return geom.Extent{}, false
	}
	union := mosaics[0].Envelope()
	for _, m := range mosaics[1:] {
		e := m.Envelope()
		union.Add(&e)
	}
	return union, true
}

// TileEnvelope is the CRS envelope of a single tile of m.
func TileEnvelope(m Mosaic, col, row int64) geom.Extent {
	ul := m.UpperLeft()
	tile := m.TileSize()
	spanX := float64(tile.Width) * m.Scale()
	spanY := float64(tile.Height) * m.Scale()
	minX := ul.X() + float64(col)*spanX
	maxY := ul.Y() - float64(row)*spanY
	return geom.Extent{minX, maxY - spanY, minX + spanX, maxY}
}

// TileRange returns the cells of m intersecting envelope as an extent in tile
// units (max exclusive), clamped to the grid. False when nothing intersects.
func TileRange(m Mosaic, envelope geom.Extent) (intgeom.Extent, bool) {
	ul := m.UpperLeft()
	grid := m.GridSize()
	tile := m.TileSize()
	spanX := float64(tile.Width) * m.Scale()
	spanY := float64(tile.Height) * m.Scale()

	minCol := clampToGrid(math.Floor((envelope.MinX()-ul.X())/spanX), grid.Width)
	maxCol := clampToGrid(math.Ceil((envelope.MaxX()-ul.X())/spanX), grid.Width)
	minRow := clampToGrid(math.Floor((ul.Y()-envelope.MaxY())/spanY), grid.Height)
	maxRow := clampToGrid(math.Ceil((ul.Y()-envelope.MinY())/spanY), grid.Height)
	if minCol >= maxCol || minRow >= maxRow {
		return intgeom.Extent{}, false
	}
	return intgeom.Extent{minCol, minRow, maxCol, maxRow}, true
}

func clampToGrid(f float64, size int64) int64 {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= float64(size):
		return size
	default:
		return int64(f)
	}
}
