package processing

import (
	"context"

	"github.com/pdok/tilepyramid/pyramid"
)

// TileForMosaic is a tile addressed to one of the targets.
type TileForMosaic struct {
	pyramid.Tile
	MosaicID string
}

type Source interface {
	// ReadTiles sends tiles until the source is exhausted or ctx is done. It must not close tiles.
	ReadTiles(ctx context.Context, tiles chan<- TileForMosaic) error
}

// Target is satisfied by every pyramid.Mosaic.
type Target interface {
	WriteTiles(ctx context.Context, tiles <-chan pyramid.Tile, listener pyramid.ProgressListener) error
}
