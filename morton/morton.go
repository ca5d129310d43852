// Package morton orders tile cells along a Z-order curve, so that cells visited
// one after another are also close together on the grid.
package morton

import (
	"github.com/pdok/tilepyramid/intgeom"
	"github.com/pdok/tilepyramid/mathhelp"
)

type Z = uint

var (
	masks = [...]uint{
		0b0101010101010101010101010101010101010101010101010101010101010101,
		0b0011001100110011001100110011001100110011001100110011001100110011,
		0b0000111100001111000011110000111100001111000011110000111100001111,
		0b0000000011111111000000001111111100000000111111110000000011111111,
		0b0000000000000000111111111111111100000000000000001111111111111111,
		0b0000000000000000000000000000000011111111111111111111111111111111,
	}
	powersOfTwo = [...]uint{0, 1, 2, 4, 8, 16}
)

// FromZ splits a Z code into the x and y it interleaves.
func FromZ(z Z) (x, y uint) {
	x = z
	y = z >> 1
	for i := 0; i <= 5; i++ {
		x = (x | (x >> powersOfTwo[i])) & masks[i]
		y = (y | (y >> powersOfTwo[i])) & masks[i]
	}
	return x, y
}

// maxBlock caps the side of a Z-ordered block, Z codes of cells in a block stay below 2^32.
const maxBlock = 1 << 16

// Walk calls fn for every cell of extent (max exclusive) until fn returns false.
// The extent is cut into square blocks with a power of two side, visited row
// by row, and within a block cells are visited in Z-order.
func Walk(extent intgeom.Extent, fn func(cell intgeom.Point) bool) {
	if extent.IsEmpty() {
		return
	}
	side := mathhelp.FloorPow2(min(extent.XSpan(), extent.YSpan(), maxBlock))
	cellsPerBlock := Z(side * side)
	for by := extent.MinY(); by < extent.MaxY(); by += side {
		for bx := extent.MinX(); bx < extent.MaxX(); bx += side {
			for z := Z(0); z < cellsPerBlock; z++ {
				dx, dy := FromZ(z)
				cell := intgeom.Point{bx + int64(dx), by + int64(dy)}
				if !extent.ContainsPoint(cell) {
					continue
				}
				if !fn(cell) {
					return
				}
			}
		}
	}
}
