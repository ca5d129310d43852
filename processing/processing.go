// Package processing takes care of the logistics around reading tiles from a Source
// and writing them to a Target per mosaic.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/pdok/tilepyramid/intgeom"
	"github.com/pdok/tilepyramid/mapslicehelp"
	"github.com/pdok/tilepyramid/morton"
	"github.com/pdok/tilepyramid/pyramid"
)

// Stats counts what went through a pipeline.
type Stats struct {
	Read      int64
	Written   int64
	Discarded int64
}

// Process reads all tiles of source and writes each to the target of its mosaic.
// Tiles for mosaics without a target are discarded. The first failure cancels the
// rest of the pipeline; all failures are returned combined.
func Process(ctx context.Context, source Source, targets map[string]Target) (Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stats Stats
	tiles := make(chan TileForMosaic)
	var (
		readErr error
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(tiles)
		if err := source.ReadTiles(ctx, tiles); err != nil && !cancelled(ctx, err) {
			readErr = err
			cancel()
		}
	}()
	writeErr := writeTilesToTargets(ctx, cancel, tiles, targets, &stats)
	wg.Wait()

	err := multierr.Combine(readErr, writeErr)
	if err == nil {
		err = ctx.Err()
	}
	return stats, err
}

// writeTilesToTargets starts a goroutine per target and distributes the incoming tiles over them.
func writeTilesToTargets(ctx context.Context, cancel context.CancelFunc, tiles <-chan TileForMosaic, targets map[string]Target, stats *Stats) error {
	targetChannels := make(map[string]chan<- pyramid.Tile, len(targets))
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for id, target := range targets {
		targetChannel := make(chan pyramid.Tile)
		targetChannels[id] = targetChannel
		wg.Add(1)
		go func() {
			defer wg.Done()
			counter := &countingProgress{}
			err := target.WriteTiles(ctx, targetChannel, counter)
			atomic.AddInt64(&stats.Written, counter.done.Load())
			if err != nil && !cancelled(ctx, err) {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("mosaic %s: %w", id, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

distribute:
	for tile := range tiles {
		stats.Read++
		channel, ok := targetChannels[tile.MosaicID]
		if !ok {
			stats.Discarded++
			continue
		}
		select {
		case channel <- tile.Tile:
		case <-ctx.Done():
			break distribute
		}
	}
	// the reader stops on cancellation, but may still be sending
	for range tiles {
	}

	// close the channels, the targets will do their last writing
	for _, targetChannel := range targetChannels {
		close(targetChannel)
	}
	wg.Wait()
	return errs
}

// cancelled reports whether err only echoes the cancellation of ctx.
func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

type countingProgress struct {
	pyramid.NopProgress
	done atomic.Int64
}

func (p *countingProgress) Progressed(done, _ int64) {
	for {
		cur := p.done.Load()
		if done <= cur || p.done.CompareAndSwap(cur, done) {
			return
		}
	}
}

// PyramidSource reads the present tiles of the selected mosaics of a pyramid.
type PyramidSource struct {
	Pyramid pyramid.Pyramid
	// MosaicIDs selects mosaics, all when empty.
	MosaicIDs []string
	Hints     pyramid.Hints
}

func (s PyramidSource) ReadTiles(ctx context.Context, tiles chan<- TileForMosaic) error {
	selected := mapslicehelp.AsKeys(s.MosaicIDs)
	for _, m := range s.Pyramid.Mosaics() {
		if _, ok := selected[m.ID()]; len(selected) > 0 && !ok {
			continue
		}
		if err := readMosaic(ctx, m, s.Hints, tiles); err != nil {
			return fmt.Errorf("reading mosaic %s: %w", m.ID(), err)
		}
	}
	return nil
}

func readMosaic(ctx context.Context, m pyramid.Mosaic, hints pyramid.Hints, tiles chan<- TileForMosaic) error {
	if has, known, err := pyramid.HasTiles(ctx, m); err != nil || (known && !has) {
		return err
	}
	// the data extent bounds the cells worth visiting
	extent, err := m.DataExtent(ctx)
	if err != nil {
		return err
	}
	tile := m.TileSize()
	cells := intgeom.Extent{
		extent.MinX() / tile.Width, extent.MinY() / tile.Height,
		extent.MaxX() / tile.Width, extent.MaxY() / tile.Height,
	}
	morton.Walk(cells, func(cell intgeom.Point) bool {
		var t *pyramid.Tile
		if t, err = m.Tile(ctx, cell.X(), cell.Y(), hints); err != nil || t == nil {
			return err == nil
		}
		select {
		case tiles <- TileForMosaic{Tile: *t, MosaicID: m.ID()}:
			return true
		case <-ctx.Done():
			err = ctx.Err()
			return false
		}
	})
	return err
}

// CopyPyramid copies the tiles of src into the mosaics with the same ids in dst,
// creating mosaics missing in dst first.
func CopyPyramid(ctx context.Context, src, dst pyramid.Pyramid, mosaicIDs ...string) (Stats, error) {
	selected := mapslicehelp.AsKeys(mosaicIDs)
	targets := make(map[string]Target)
	for _, m := range src.Mosaics() {
		if _, ok := selected[m.ID()]; len(selected) > 0 && !ok {
			continue
		}
		target, ok := dst.Mosaic(m.ID())
		if !ok {
			var err error
			if target, err = dst.CreateMosaic(ctx, pyramid.MosaicTemplateOf(m)); err != nil {
				return Stats{}, err
			}
		}
		targets[m.ID()] = target
	}
	stats, err := Process(ctx, PyramidSource{Pyramid: src, MosaicIDs: mosaicIDs}, targets)
	log.Printf("    tiles read: %d", stats.Read)
	log.Printf("       written: %d", stats.Written)
	if stats.Discarded > 0 {
		log.Printf("     discarded: %d", stats.Discarded)
	}
	return stats, err
}
