package pyramid

import (
	"context"
)

// WriteTile writes a single tile through m.WriteTiles.
func WriteTile(ctx context.Context, m Mosaic, tile Tile) error {
	return m.WriteTiles(ctx, TileStream(tile), nil)
}

// TileStream returns a closed, buffered channel holding tiles.
func TileStream(tiles ...Tile) <-chan Tile {
	ch := make(chan Tile, len(tiles))
	for _, t := range tiles {
		ch <- t
	}
	close(ch)
	return ch
}
