package intgeom

// Point is a position on an integer grid, e.g. a (col, row) tile cell or a pixel.
type Point [2]int64

// X is the column (or pixel x)
func (p Point) X() int64 { return p[0] }

// Y is the row (or pixel y), growing downwards
func (p Point) Y() int64 { return p[1] }
