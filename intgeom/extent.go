// Package intgeom holds integer grid geometry: tile cells and pixel extents.
// Where github.com/go-spatial/geom describes positions in a CRS with float64s,
// the types here count tiles or pixels from the upper left corner of a grid.
package intgeom

import "fmt"

// Extent represents the minx, miny, maxx and maxy of a grid area.
// maxx and maxy are exclusive.
type Extent [4]int64

// FromCells returns the extent covering the cells from..to inclusive.
func FromCells(from, to Point) Extent {
	return Extent{
		min(from.X(), to.X()),
		min(from.Y(), to.Y()),
		max(from.X(), to.X()) + 1,
		max(from.Y(), to.Y()) + 1,
	}
}

// MaxX is the larger of the x values.
func (e Extent) MaxX() int64 {
	return e[2]
}

// MinX  is the smaller of the x values.
func (e Extent) MinX() int64 {
	return e[0]
}

// MaxY is the larger of the y values.
func (e Extent) MaxY() int64 {
	return e[3]
}

// MinY is the smaller of the y values.
func (e Extent) MinY() int64 {
	return e[1]
}

// XSpan is the distance of the Extent in X
func (e Extent) XSpan() int64 {
	return e[2] - e[0]
}

// YSpan is the distance of the Extent in Y
func (e Extent) YSpan() int64 {
	return e[3] - e[1]
}

// Area is the number of cells (or pixels) in the extent.
func (e Extent) Area() int64 {
	if e.IsEmpty() {
		return 0
	}
	return e.XSpan() * e.YSpan()
}

func (e Extent) IsEmpty() bool {
	return e.XSpan() <= 0 || e.YSpan() <= 0
}

// ContainsPoint reports whether p lies in e, honouring the exclusive max.
func (e Extent) ContainsPoint(p Point) bool {
	return e.MinX() <= p.X() && p.X() < e.MaxX() && e.MinY() <= p.Y() && p.Y() < e.MaxY()
}

// Scale multiplies all ordinates, e.g. to go from tile cells to pixels.
func (e Extent) Scale(sx, sy int64) Extent {
	return Extent{e[0] * sx, e[1] * sy, e[2] * sx, e[3] * sy}
}

func (e Extent) String() string {
	return fmt.Sprintf("[%d %d, %d %d)", e.MinX(), e.MinY(), e.MaxX(), e.MaxY())
}
