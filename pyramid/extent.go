package pyramid

import (
	"context"

	"github.com/pdok/tilepyramid/intgeom"
)

// DataExtent computes the pixel extent (max exclusive) covering the populated
// tiles of m. It does not visit every cell: rows are scanned top to bottom,
// columns left to right until the first populated cell (start), then from the
// opposite corner inward until the last populated cell (end). The result spans
// start..end inclusive, which is exact for a contiguous block of tiles and too
// wide for scattered ones. When no tile is populated the full extent is returned.
func DataExtent(ctx context.Context, m Mosaic) (intgeom.Extent, error) {
	grid := m.GridSize()
	tile := m.TileSize()
	full := intgeom.Extent{0, 0, grid.Width, grid.Height}.Scale(tile.Width, tile.Height)

	if has, known, err := HasTiles(ctx, m); err != nil || (known && !has) {
		return full, err
	}
	start, found, err := firstPopulated(ctx, m, grid, false)
	if err != nil || !found {
		return full, err
	}
	end, _, err := firstPopulated(ctx, m, grid, true)
	if err != nil {
		return full, err
	}

	return intgeom.FromCells(start, end).Scale(tile.Width, tile.Height), nil
}

// TileReporter is implemented by mosaics that can tell without a scan whether
// they hold any tile.
type TileReporter interface {
	HasTiles(ctx context.Context) (bool, error)
}

// HasTiles asks m, or the mosaic it wraps (see Unwrap), whether any tile is
// stored. known is false when no mosaic in the chain can tell.
func HasTiles(ctx context.Context, m Mosaic) (has, known bool, err error) {
	for m != nil {
		if r, ok := m.(TileReporter); ok {
			has, err = r.HasTiles(ctx)
			return has, true, err
		}
		w, ok := m.(interface{ Unwrap() Mosaic })
		if !ok {
			break
		}
		m = w.Unwrap()
	}
	return false, false, nil
}

// firstPopulated walks the grid in row major order, backwards when reverse is set.
func firstPopulated(ctx context.Context, m Mosaic, grid Dimension, reverse bool) (intgeom.Point, bool, error) {
	for i := int64(0); i < grid.Height; i++ {
		if err := ctx.Err(); err != nil {
			return intgeom.Point{}, false, err
		}
		row := i
		if reverse {
			row = grid.Height - 1 - i
		}
		for j := int64(0); j < grid.Width; j++ {
			col := j
			if reverse {
				col = grid.Width - 1 - j
			}
			missing, err := m.IsMissing(ctx, col, row)
			if err != nil {
				return intgeom.Point{}, false, err
			}
			if !missing {
				return intgeom.Point{col, row}, true, nil
			}
		}
	}
	return intgeom.Point{}, false, nil
}
