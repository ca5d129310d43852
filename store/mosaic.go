package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-spatial/geom"
	"github.com/sourcegraph/conc/pool"

	"github.com/pdok/tilepyramid/codec"
	"github.com/pdok/tilepyramid/intgeom"
	"github.com/pdok/tilepyramid/pyramid"
)

// Mosaic is a pyramid.Mosaic stored in a Resource. Its geometry is immutable.
// Once its pyramid deletes it, every call on it fails with pyramid.ErrNotFound.
type Mosaic struct {
	pyramidID string
	id        string
	upperLeft geom.Point
	gridSize  pyramid.Dimension
	tileSize  pyramid.Dimension
	scale     float64
	format    string
	env       *shared

	// removal takes the write lock, so it waits for running backend calls
	mu      sync.RWMutex
	removed bool
}

func newMosaic(pyramidID string, t pyramid.MosaicTemplate, env *shared) *Mosaic {
	return &Mosaic{
		pyramidID: pyramidID,
		id:        t.Identifier,
		upperLeft: t.UpperLeft,
		gridSize:  t.GridSize,
		tileSize:  t.TileSize,
		scale:     t.Scale,
		format:    t.Format,
		env:       env,
	}
}

func (m *Mosaic) ID() string                  { return m.id }
func (m *Mosaic) UpperLeft() geom.Point       { return m.upperLeft }
func (m *Mosaic) GridSize() pyramid.Dimension { return m.gridSize }
func (m *Mosaic) TileSize() pyramid.Dimension { return m.tileSize }
func (m *Mosaic) Scale() float64              { return m.scale }
func (m *Mosaic) Format() string              { return m.format }

func (m *Mosaic) Envelope() geom.Extent {
	return pyramid.MosaicEnvelope(m.upperLeft, m.gridSize, m.tileSize, m.scale)
}

func (m *Mosaic) def() MosaicDef {
	return mosaicDefOf(pyramid.MosaicTemplateOf(m))
}

func (m *Mosaic) key(col, row int64) pyramid.TileKey {
	return pyramid.TileKey{Pyramid: m.pyramidID, Mosaic: m.id, Col: col, Row: row}
}

// live runs fn unless the mosaic was removed.
func (m *Mosaic) live(fn func() error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.removed {
		return m.errRemoved()
	}
	return fn()
}

func (m *Mosaic) errRemoved() error {
	return fmt.Errorf("%w: mosaic %s/%s was removed", pyramid.ErrNotFound, m.pyramidID, m.id)
}

// markRemoved is called by the owning pyramid with m.mu held.
func (m *Mosaic) markRemoved() {
	m.removed = true
}

func (m *Mosaic) IsMissing(ctx context.Context, col, row int64) (bool, error) {
	if err := pyramid.CheckBounds(m, col, row); err != nil {
		return false, err
	}
	var exists bool
	err := m.live(func() (err error) {
		if exists, err = m.env.backend.HasTile(ctx, m.key(col, row)); err != nil {
			return fmt.Errorf("%w: %v: %w", pyramid.ErrStorage, m.key(col, row), err)
		}
		return nil
	})
	return !exists, err
}

// Tile reads a tile, transcoded when hints ask for another format than the stored one.
func (m *Mosaic) Tile(ctx context.Context, col, row int64, hints pyramid.Hints) (*pyramid.Tile, error) {
	if err := pyramid.CheckBounds(m, col, row); err != nil {
		return nil, err
	}
	var data []byte
	err := m.live(func() (err error) {
		if data, err = m.env.backend.ReadTile(ctx, m.key(col, row)); err != nil {
			return fmt.Errorf("%w: %v: %w", pyramid.ErrStorage, m.key(col, row), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	format := m.format
	if want := hints.Format(); want != "" {
		if format, err = codec.Normalize(want); err != nil {
			return nil, err
		}
		if data, err = codec.Transcode(data, m.format, format); err != nil {
			return nil, err
		}
	}
	return &pyramid.Tile{Col: col, Row: row, Data: data, Format: format}, nil
}

// WriteTiles writes every tile received on tiles with at most writeConcurrency
// writes in flight. After the first failure the rest of the stream is drained
// unwritten, and the failure is returned once the running writes have finished.
// Tiles written before that stay written.
func (m *Mosaic) WriteTiles(ctx context.Context, tiles <-chan pyramid.Tile, listener pyramid.ProgressListener) (err error) {
	listener = pyramid.OrNop(listener)
	listener.Started(-1)
	defer func() { listener.Finished(err) }()

	if m.env.readOnly {
		drain(ctx, tiles)
		return fmt.Errorf("%w: mosaic %s/%s is read-only", pyramid.ErrUnsupported, m.pyramidID, m.id)
	}

	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		firstErr error
		failOnce sync.Once
		done     atomic.Int64
	)
	p := pool.New().WithMaxGoroutines(m.env.writeConcurrency)

consume:
	for {
		select {
		case <-writeCtx.Done():
			break consume
		case tile, ok := <-tiles:
			if !ok {
				break consume
			}
			p.Go(func() {
				if err := m.writeTile(writeCtx, tile); err != nil {
					failOnce.Do(func() {
						firstErr = err
						cancel()
					})
					return
				}
				listener.Progressed(done.Add(1), -1)
			})
		}
	}
	p.Wait()
	if firstErr != nil {
		drain(ctx, tiles)
		return firstErr
	}
	return ctx.Err()
}

// drain discards the rest of the stream so producers don't block.
func drain(ctx context.Context, tiles <-chan pyramid.Tile) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-tiles:
			if !ok {
				return
			}
		}
	}
}

func (m *Mosaic) writeTile(ctx context.Context, tile pyramid.Tile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pyramid.CheckBounds(m, tile.Col, tile.Row); err != nil {
		return err
	}
	data := tile.Data
	if tile.Format != "" && m.format != "" {
		var err error
		if data, err = codec.Transcode(data, tile.Format, m.format); err != nil {
			return fmt.Errorf("tile (%d, %d): %w", tile.Col, tile.Row, err)
		}
	}
	if err := m.checkSize(tile.Col, tile.Row, data); err != nil {
		return err
	}
	key := m.key(tile.Col, tile.Row)
	err := m.live(func() error {
		if err := m.env.backend.WriteTile(ctx, key, data); err != nil {
			return fmt.Errorf("%w: writing %v: %w", pyramid.ErrStorage, key, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.env.fire(pyramid.Event{Kind: pyramid.TilesChanged, Pyramid: m.pyramidID, Mosaic: m.id, Keys: []pyramid.TileKey{key}})
	return nil
}

// checkSize makes sure an image payload has the tile size of the mosaic.
// Opaque mosaics accept any payload.
func (m *Mosaic) checkSize(col, row int64, data []byte) error {
	if m.format == "" {
		return nil
	}
	cfg, err := codec.DecodeConfig(data, m.format)
	if err != nil {
		return fmt.Errorf("%w: tile (%d, %d) is not a %s image: %w", pyramid.ErrInvalidTile, col, row, m.format, err)
	}
	if int64(cfg.Width) != m.tileSize.Width || int64(cfg.Height) != m.tileSize.Height {
		return fmt.Errorf("%w: tile (%d, %d) is %dx%d pixels, mosaic %s/%s has %dx%d tiles", pyramid.ErrInvalidTile,
			col, row, cfg.Width, cfg.Height, m.pyramidID, m.id, m.tileSize.Width, m.tileSize.Height)
	}
	return nil
}

func (m *Mosaic) DeleteTile(ctx context.Context, col, row int64) error {
	if m.env.readOnly {
		return fmt.Errorf("%w: mosaic %s/%s is read-only", pyramid.ErrUnsupported, m.pyramidID, m.id)
	}
	if err := pyramid.CheckBounds(m, col, row); err != nil {
		return err
	}
	key := m.key(col, row)
	var deleted bool
	err := m.live(func() error {
		exists, err := m.env.backend.HasTile(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: %v: %w", pyramid.ErrStorage, key, err)
		}
		if !exists {
			return nil
		}
		if err = m.env.backend.DeleteTile(ctx, key); err != nil {
			return fmt.Errorf("%w: deleting %v: %w", pyramid.ErrStorage, key, err)
		}
		deleted = true
		return nil
	})
	if err != nil || !deleted {
		return err
	}
	m.env.fire(pyramid.Event{Kind: pyramid.TilesChanged, Pyramid: m.pyramidID, Mosaic: m.id, Keys: []pyramid.TileKey{key}})
	return nil
}

// HasTiles asks the backend whether any tile of the mosaic is stored.
func (m *Mosaic) HasTiles(ctx context.Context) (bool, error) {
	var has bool
	err := m.live(func() (err error) {
		if has, err = m.env.backend.HasTiles(ctx, m.pyramidID, m.id); err != nil {
			return fmt.Errorf("%w: mosaic %s/%s: %w", pyramid.ErrStorage, m.pyramidID, m.id, err)
		}
		return nil
	})
	return has, err
}

func (m *Mosaic) DataExtent(ctx context.Context) (intgeom.Extent, error) {
	return pyramid.DataExtent(ctx, m)
}
