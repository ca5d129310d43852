package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-spatial/geom"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/tilepyramid/codec"
	"github.com/pdok/tilepyramid/intgeom"
	"github.com/pdok/tilepyramid/pyramid"
)

type backendFactory struct {
	name string
	// open returns a backend; calling it again for the same test reopens the same storage
	open func(t *testing.T) func() Backend
}

func backends() []backendFactory {
	return []backendFactory{
		{name: "memory", open: func(t *testing.T) func() Backend {
			b := NewMemoryBackend()
			return func() Backend { return b }
		}},
		{name: "memmapfs", open: func(t *testing.T) func() Backend {
			fsys := afero.NewMemMapFs()
			return func() Backend {
				b, err := NewFSBackend(fsys, "/tiles")
				require.NoError(t, err)
				return b
			}
		}},
		{name: "osfs", open: func(t *testing.T) func() Backend {
			dir := t.TempDir()
			return func() Backend {
				b, err := NewFSBackend(afero.NewOsFs(), dir)
				require.NoError(t, err)
				return b
			}
		}},
		{name: "sqlite", open: func(t *testing.T) func() Backend {
			file := filepath.Join(t.TempDir(), "tiles.sqlite")
			return func() Backend {
				b, err := OpenSQLite(context.Background(), file)
				require.NoError(t, err)
				return b
			}
		}},
	}
}

// twoLevels is a pyramid with a 2x2 and a 4x4 mosaic of 256 pixel tiles.
func twoLevels(format string) *pyramid.PyramidTemplate {
	return &pyramid.PyramidTemplate{
		Identifier: "rd",
		CRS:        pyramid.MustParseCRS("EPSG:28992"),
		Mosaics: []pyramid.MosaicTemplate{
			{Identifier: "1", UpperLeft: geom.Point{0, 1024}, GridSize: pyramid.Dimension{Width: 4, Height: 4},
				TileSize: pyramid.Dimension{Width: 256, Height: 256}, Scale: 1, Format: format},
			{Identifier: "0", UpperLeft: geom.Point{0, 1024}, GridSize: pyramid.Dimension{Width: 2, Height: 2},
				TileSize: pyramid.Dimension{Width: 256, Height: 256}, Scale: 2, Format: format},
		},
	}
}

func openResource(t *testing.T, b Backend, opts ...Option) *Resource {
	t.Helper()
	r, err := Open(context.Background(), b, opts...)
	require.NoError(t, err)
	return r
}

func createPyramid(t *testing.T, r *Resource, template *pyramid.PyramidTemplate) *Pyramid {
	t.Helper()
	model, err := r.CreateModel(context.Background(), template)
	require.NoError(t, err)
	p, ok := model.(*Pyramid)
	require.True(t, ok)
	return p
}

func mustMosaic(t *testing.T, p pyramid.Pyramid, id string) pyramid.Mosaic {
	t.Helper()
	m, ok := p.Mosaic(id)
	require.True(t, ok, "mosaic %s", id)
	return m
}

func TestBackends_TileLifecycle(t *testing.T) {
	ctx := context.Background()
	for _, bf := range backends() {
		t.Run(bf.name, func(t *testing.T) {
			r := openResource(t, bf.open(t)())
			defer r.Close()
			p := createPyramid(t, r, twoLevels(""))
			m := mustMosaic(t, p, "1")

			missing, err := m.IsMissing(ctx, 1, 2)
			require.NoError(t, err)
			assert.True(t, missing)
			tile, err := m.Tile(ctx, 1, 2, nil)
			require.NoError(t, err)
			assert.Nil(t, tile)

			payload := []byte{0, 1, 2, 3, 255}
			require.NoError(t, pyramid.WriteTile(ctx, m, pyramid.Tile{Col: 1, Row: 2, Data: payload}))
			missing, err = m.IsMissing(ctx, 1, 2)
			require.NoError(t, err)
			assert.False(t, missing)
			tile, err = m.Tile(ctx, 1, 2, nil)
			require.NoError(t, err)
			require.NotNil(t, tile)
			assert.Equal(t, payload, tile.Data)
			assert.Equal(t, int64(1), tile.Col)
			assert.Equal(t, int64(2), tile.Row)

			// last write wins
			require.NoError(t, pyramid.WriteTile(ctx, m, pyramid.Tile{Col: 1, Row: 2, Data: []byte("second")}))
			tile, err = m.Tile(ctx, 1, 2, nil)
			require.NoError(t, err)
			assert.Equal(t, []byte("second"), tile.Data)

			require.NoError(t, m.DeleteTile(ctx, 1, 2))
			require.NoError(t, m.DeleteTile(ctx, 1, 2))
			missing, err = m.IsMissing(ctx, 1, 2)
			require.NoError(t, err)
			assert.True(t, missing)

			other := mustMosaic(t, p, "0")
			missing, err = other.IsMissing(ctx, 1, 1)
			require.NoError(t, err)
			assert.True(t, missing)
		})
	}
}

func TestBackends_Reopen(t *testing.T) {
	ctx := context.Background()
	for _, bf := range backends() {
		t.Run(bf.name, func(t *testing.T) {
			reopen := bf.open(t)
			r := openResource(t, reopen())
			p := createPyramid(t, r, twoLevels(""))
			_, err := p.CreateMosaic(ctx, pyramid.MosaicTemplate{Identifier: "2", GridSize: pyramid.Dimension{Width: 8, Height: 8},
				TileSize: pyramid.Dimension{Width: 256, Height: 256}, Scale: 0.5, UpperLeft: geom.Point{0, 1024}})
			require.NoError(t, err)
			require.NoError(t, pyramid.WriteTile(ctx, mustMosaic(t, p, "2"), pyramid.Tile{Col: 7, Row: 7, Data: []byte("x")}))
			require.NoError(t, r.Close())

			r = openResource(t, reopen())
			defer r.Close()
			models := r.Models()
			require.Len(t, models, 1)
			reloaded, ok := models[0].(pyramid.Pyramid)
			require.True(t, ok)
			assert.Equal(t, "rd", reloaded.ID())
			assert.Equal(t, pyramid.MustParseCRS("EPSG:28992"), reloaded.CRS())
			assert.Equal(t, []float64{0.5, 1, 2}, reloaded.Scales())

			m := mustMosaic(t, reloaded, "2")
			assert.Equal(t, geom.Point{0, 1024}, m.UpperLeft())
			assert.Equal(t, pyramid.Dimension{Width: 8, Height: 8}, m.GridSize())
			tile, err := m.Tile(ctx, 7, 7, nil)
			require.NoError(t, err)
			require.NotNil(t, tile)
			assert.Equal(t, []byte("x"), tile.Data)
		})
	}
}

func TestBackends_RemoveModelAndMosaic(t *testing.T) {
	ctx := context.Background()
	for _, bf := range backends() {
		t.Run(bf.name, func(t *testing.T) {
			reopen := bf.open(t)
			r := openResource(t, reopen())
			p := createPyramid(t, r, twoLevels(""))
			require.NoError(t, pyramid.WriteTile(ctx, mustMosaic(t, p, "0"), pyramid.Tile{Col: 0, Row: 0, Data: []byte("x")}))

			require.NoError(t, p.DeleteMosaic(ctx, "0"))
			_, ok := p.Mosaic("0")
			assert.False(t, ok)
			assert.ErrorIs(t, p.DeleteMosaic(ctx, "0"), pyramid.ErrNotFound)

			// a recreated mosaic starts out empty
			recreated, err := p.CreateMosaic(ctx, pyramid.MosaicTemplateOf(mustMosaic(t, p, "1")))
			assert.ErrorIs(t, err, pyramid.ErrConfiguration)
			assert.Nil(t, recreated)
			again, err := p.CreateMosaic(ctx, twoLevels("").Mosaics[1])
			require.NoError(t, err)
			missing, err := again.IsMissing(ctx, 0, 0)
			require.NoError(t, err)
			assert.True(t, missing)

			require.NoError(t, r.RemoveModel(ctx, "rd"))
			assert.ErrorIs(t, r.RemoveModel(ctx, "rd"), pyramid.ErrNotFound)
			_, err = p.CreateMosaic(ctx, pyramid.MosaicTemplate{Identifier: "late", GridSize: pyramid.Dimension{Width: 1, Height: 1},
				TileSize: pyramid.Dimension{Width: 1, Height: 1}, Scale: 9})
			assert.ErrorIs(t, err, pyramid.ErrNotFound)
			require.NoError(t, r.Close())

			r = openResource(t, reopen())
			defer r.Close()
			assert.Empty(t, r.Models())
		})
	}
}

func TestResource_CreateModel(t *testing.T) {
	ctx := context.Background()
	r := openResource(t, NewMemoryBackend())
	p := createPyramid(t, r, twoLevels("jpg"))
	assert.Equal(t, codec.JPEG, mustMosaic(t, p, "0").Format())

	_, err := r.CreateModel(ctx, twoLevels(""))
	assert.ErrorIs(t, err, pyramid.ErrConfiguration, "duplicate id")

	bad := twoLevels("")
	bad.Identifier = "bad"
	bad.Mosaics[0].CRS = pyramid.MustParseCRS("EPSG:3857")
	_, err = r.CreateModel(ctx, bad)
	assert.ErrorIs(t, err, pyramid.ErrConfiguration, "crs mismatch")

	overflow := twoLevels("")
	overflow.Identifier = "overflow"
	overflow.Mosaics[0].GridSize = pyramid.Dimension{Width: 1 << 62, Height: 1}
	_, err = r.CreateModel(ctx, overflow)
	assert.ErrorIs(t, err, pyramid.ErrConfiguration, "overflow")

	// an existing pyramid is a template for its structure
	copied, err := r.CreateModel(ctx, &pyramid.PyramidTemplate{Identifier: "copy", CRS: p.CRS(), Mosaics: pyramid.TemplateOf(p).Mosaics})
	require.NoError(t, err)
	assert.Equal(t, p.Scales(), copied.(pyramid.Pyramid).Scales())

	other := openResource(t, NewMemoryBackend())
	fromPyramid, err := other.CreateModel(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "rd", fromPyramid.ID())
	assert.Len(t, fromPyramid.(pyramid.Pyramid).Mosaics(), 2)

	ids := make([]string, 0)
	for _, model := range r.Models() {
		ids = append(ids, model.ID())
	}
	assert.Equal(t, []string{"rd", "copy"}, ids)
}

func TestPyramid_Structure(t *testing.T) {
	ctx := context.Background()
	r := openResource(t, NewMemoryBackend())
	p := createPyramid(t, r, twoLevels(""))

	_, err := p.CreateMosaic(ctx, pyramid.MosaicTemplate{Identifier: "0b", UpperLeft: geom.Point{-512, 1024},
		GridSize: pyramid.Dimension{Width: 1, Height: 1}, TileSize: pyramid.Dimension{Width: 256, Height: 256}, Scale: 2})
	require.NoError(t, err)

	var ids []string
	for _, m := range p.Mosaics() {
		ids = append(ids, m.ID())
	}
	assert.Equal(t, []string{"1", "0", "0b"}, ids)
	scales := p.Scales()
	assert.Equal(t, []float64{1, 2}, scales)
	for level, scale := range scales {
		for _, m := range p.MosaicsAt(level) {
			assert.Equal(t, scale, m.Scale())
		}
	}
	assert.Len(t, p.MosaicsAt(1), 2)

	env, ok := p.Envelope()
	require.True(t, ok)
	assert.Equal(t, geom.Extent{-512, 0, 1024, 1024}, env)
}

func TestMosaic_DataExtent(t *testing.T) {
	ctx := context.Background()
	r := openResource(t, NewMemoryBackend())
	p := createPyramid(t, r, twoLevels(""))
	m := mustMosaic(t, p, "1")

	got, err := m.DataExtent(ctx)
	require.NoError(t, err)
	assert.Equal(t, intgeom.Extent{0, 0, 1024, 1024}, got)

	require.NoError(t, m.WriteTiles(ctx, pyramid.TileStream(
		pyramid.Tile{Col: 0, Row: 0, Data: []byte{1}},
		pyramid.Tile{Col: 3, Row: 3, Data: []byte{1}},
	), nil))
	got, err = m.DataExtent(ctx)
	require.NoError(t, err)
	assert.Equal(t, intgeom.Extent{0, 0, 1024, 1024}, got)

	require.NoError(t, m.DeleteTile(ctx, 0, 0))
	got, err = m.DataExtent(ctx)
	require.NoError(t, err)
	assert.Equal(t, intgeom.Extent{768, 768, 1024, 1024}, got)
}

func TestMosaic_OutOfBounds(t *testing.T) {
	ctx := context.Background()
	r := openResource(t, NewMemoryBackend())
	m := mustMosaic(t, createPyramid(t, r, twoLevels("")), "0")

	_, err := m.IsMissing(ctx, 2, 0)
	assert.ErrorIs(t, err, pyramid.ErrOutOfBounds)
	_, err = m.Tile(ctx, 0, -1, nil)
	assert.ErrorIs(t, err, pyramid.ErrOutOfBounds)
	assert.ErrorIs(t, m.DeleteTile(ctx, 5, 5), pyramid.ErrOutOfBounds)
	assert.ErrorIs(t, pyramid.WriteTile(ctx, m, pyramid.Tile{Col: 0, Row: 2}), pyramid.ErrOutOfBounds)
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	writable := openResource(t, b)
	p := createPyramid(t, writable, twoLevels(""))
	require.NoError(t, pyramid.WriteTile(ctx, mustMosaic(t, p, "0"), pyramid.Tile{Col: 0, Row: 0, Data: []byte("x")}))

	r := openResource(t, b, ReadOnly())
	assert.True(t, r.ReadOnly())
	_, err := r.CreateModel(ctx, twoLevels(""))
	assert.ErrorIs(t, err, pyramid.ErrUnsupported)
	assert.ErrorIs(t, r.RemoveModel(ctx, "rd"), pyramid.ErrUnsupported)

	rp, ok := r.Pyramid("rd")
	require.True(t, ok)
	_, err = rp.CreateMosaic(ctx, twoLevels("").Mosaics[0])
	assert.ErrorIs(t, err, pyramid.ErrUnsupported)
	assert.ErrorIs(t, rp.DeleteMosaic(ctx, "0"), pyramid.ErrUnsupported)

	m := mustMosaic(t, rp, "0")
	tile, err := m.Tile(ctx, 0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), tile.Data)
	assert.ErrorIs(t, m.DeleteTile(ctx, 0, 0), pyramid.ErrUnsupported)

	// the stream is drained and every attempt is refused
	tiles := make(chan pyramid.Tile)
	go func() {
		defer close(tiles)
		for i := int64(0); i < 4; i++ {
			tiles <- pyramid.Tile{Col: i % 2, Row: i / 2, Data: []byte("y")}
		}
	}()
	progress := &recordingProgress{}
	err = m.WriteTiles(ctx, tiles, progress)
	assert.ErrorIs(t, err, pyramid.ErrUnsupported)
	assert.ErrorIs(t, progress.err, pyramid.ErrUnsupported)
	tile, err = m.Tile(ctx, 0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), tile.Data)
}

type recordingProgress struct {
	mu       sync.Mutex
	started  bool
	done     int64
	finished bool
	err      error
}

func (p *recordingProgress) Started(int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
}

func (p *recordingProgress) Progressed(done, _ int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = max(p.done, done)
}

func (p *recordingProgress) Finished(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
	p.err = err
}

// failingBackend fails writes of one column.
type failingBackend struct {
	Backend
	failCol int64
}

var errDiskFull = errors.New("disk full")

func (b *failingBackend) WriteTile(ctx context.Context, key pyramid.TileKey, data []byte) error {
	if key.Col == b.failCol {
		return errDiskFull
	}
	return b.Backend.WriteTile(ctx, key, data)
}

func TestMosaic_WriteTilesConcurrently(t *testing.T) {
	ctx := context.Background()
	r := openResource(t, NewMemoryBackend(), WithWriteConcurrency(4))
	p := createPyramid(t, r, &pyramid.PyramidTemplate{
		Identifier: "big", CRS: pyramid.MustParseCRS("EPSG:3857"),
		Mosaics: []pyramid.MosaicTemplate{{Identifier: "0", GridSize: pyramid.Dimension{Width: 32, Height: 32},
			TileSize: pyramid.Dimension{Width: 1, Height: 1}, Scale: 1}},
	})
	m := mustMosaic(t, p, "0")

	var mu sync.Mutex
	var changed int
	r.Subscribe(pyramid.ListenerFunc(func(e pyramid.Event) {
		if e.Kind == pyramid.TilesChanged {
			mu.Lock()
			changed += len(e.Keys)
			mu.Unlock()
		}
	}))

	tiles := make(chan pyramid.Tile)
	go func() {
		defer close(tiles)
		for row := int64(0); row < 32; row++ {
			for col := int64(0); col < 32; col++ {
				tiles <- pyramid.Tile{Col: col, Row: row, Data: []byte(fmt.Sprintf("%d/%d", col, row))}
			}
		}
	}()
	progress := &recordingProgress{}
	require.NoError(t, m.WriteTiles(ctx, tiles, progress))
	assert.True(t, progress.started)
	assert.True(t, progress.finished)
	assert.NoError(t, progress.err)
	assert.Equal(t, int64(1024), progress.done)
	assert.Equal(t, 1024, changed)

	tile, err := m.Tile(ctx, 31, 30, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("31/30"), tile.Data)
}

func TestMosaic_WriteTilesFirstErrorWins(t *testing.T) {
	ctx := context.Background()
	r := openResource(t, NewMemoryBackend(), WithWriteConcurrency(2))
	m := mustMosaic(t, createPyramid(t, r, twoLevels("")), "1")

	// columns 4 and 5 are outside the 4x4 grid
	tiles := make(chan pyramid.Tile)
	stop := make(chan struct{})
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		for i := int64(0); i < 1000; i++ {
			select {
			case tiles <- pyramid.Tile{Col: i % 6, Row: 0, Data: []byte{1}}:
			case <-stop:
				return
			}
		}
		close(tiles)
	}()
	progress := &recordingProgress{}
	err := m.WriteTiles(ctx, tiles, progress)
	close(stop)
	<-producerDone

	require.ErrorIs(t, err, pyramid.ErrOutOfBounds)
	assert.Equal(t, err, progress.err)
	assert.Less(t, progress.done, int64(1000))
	missing, err := m.IsMissing(ctx, 0, 0)
	require.NoError(t, err)
	assert.False(t, missing, "tiles written before the failure stay written")
}

func TestMosaic_WriteTilesStorageError(t *testing.T) {
	ctx := context.Background()
	r := openResource(t, &failingBackend{Backend: NewMemoryBackend(), failCol: 1})
	m := mustMosaic(t, createPyramid(t, r, twoLevels("")), "1")
	err := m.WriteTiles(ctx, pyramid.TileStream(
		pyramid.Tile{Col: 0, Row: 0, Data: []byte{1}},
		pyramid.Tile{Col: 1, Row: 0, Data: []byte{1}},
	), nil)
	assert.ErrorIs(t, err, pyramid.ErrStorage)
	assert.ErrorIs(t, err, errDiskFull)
}

func TestMosaic_WriteTilesCancelled(t *testing.T) {
	r := openResource(t, NewMemoryBackend())
	m := mustMosaic(t, createPyramid(t, r, twoLevels("")), "1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.WriteTiles(ctx, make(chan pyramid.Tile), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func pngTile(t *testing.T, width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < min(width, height); i++ {
		img.Set(i, i, color.RGBA{R: 255, A: 255})
	}
	data, err := (&codec.PNGEncoder{}).Encode(img)
	require.NoError(t, err)
	return data
}

func TestMosaic_Formats(t *testing.T) {
	ctx := context.Background()
	r := openResource(t, NewMemoryBackend())
	m := mustMosaic(t, createPyramid(t, r, twoLevels("jpeg")), "0")

	png := pngTile(t, 256, 256)
	require.NoError(t, pyramid.WriteTile(ctx, m, pyramid.Tile{Col: 0, Row: 0, Data: png, Format: "png"}))
	tile, err := m.Tile(ctx, 0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, codec.JPEG, tile.Format)
	assert.True(t, bytes.HasPrefix(tile.Data, []byte{0xff, 0xd8}), "stored as jpeg")

	tile, err = m.Tile(ctx, 0, 0, pyramid.Hints{pyramid.HintFormat: "png"})
	require.NoError(t, err)
	assert.Equal(t, codec.PNG, tile.Format)
	img, err := codec.Decode(tile.Data, "png")
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())

	_, err = m.Tile(ctx, 0, 0, pyramid.Hints{pyramid.HintFormat: "tiff"})
	assert.ErrorIs(t, err, pyramid.ErrUnsupported)
}

func TestMosaic_RejectsMalformedTiles(t *testing.T) {
	ctx := context.Background()
	r := openResource(t, NewMemoryBackend())
	p := createPyramid(t, r, twoLevels("png"))
	m := mustMosaic(t, p, "1")

	tests := []struct {
		name string
		tile pyramid.Tile
	}{
		{name: "wrong size", tile: pyramid.Tile{Col: 1, Row: 1, Data: pngTile(t, 3, 7)}},
		{name: "wrong size transcoded", tile: pyramid.Tile{Col: 1, Row: 1, Data: pngTile(t, 3, 7), Format: "png"}},
		{name: "not an image", tile: pyramid.Tile{Col: 1, Row: 1, Data: []byte("not an image")}},
		{name: "empty", tile: pyramid.Tile{Col: 1, Row: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, pyramid.WriteTile(ctx, m, tt.tile), pyramid.ErrInvalidTile)
			missing, err := m.IsMissing(ctx, 1, 1)
			require.NoError(t, err)
			assert.True(t, missing)
		})
	}

	require.NoError(t, pyramid.WriteTile(ctx, m, pyramid.Tile{Col: 1, Row: 1, Data: pngTile(t, 256, 256)}))

	// opaque mosaics take any payload
	opaque := mustMosaic(t, createPyramid(t, r, &pyramid.PyramidTemplate{Identifier: "opaque", CRS: p.CRS(),
		Mosaics: twoLevels("").Mosaics}), "1")
	require.NoError(t, pyramid.WriteTile(ctx, opaque, pyramid.Tile{Col: 1, Row: 1, Data: pngTile(t, 3, 7)}))
}

func TestResource_RejectsTraversingIdentifiers(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/data/keep.txt", []byte("keep"), 0o644))
	b, err := NewFSBackend(fsys, "/data/store")
	require.NoError(t, err)
	r := openResource(t, b)
	defer r.Close()

	for _, id := range []string{"..", "."} {
		template := twoLevels("")
		template.Identifier = id
		_, err = r.CreateModel(ctx, template)
		assert.ErrorIs(t, err, pyramid.ErrConfiguration, "pyramid %q", id)
	}
	exists, err := afero.Exists(fsys, "/data/"+structureFile)
	require.NoError(t, err)
	assert.False(t, exists)

	p := createPyramid(t, r, twoLevels(""))
	for _, id := range []string{"..", "."} {
		mt := twoLevels("").Mosaics[0]
		mt.Identifier = id
		_, err = p.CreateMosaic(ctx, mt)
		assert.ErrorIs(t, err, pyramid.ErrConfiguration, "mosaic %q", id)
	}
	require.NoError(t, r.RemoveModel(ctx, "rd"))

	kept, err := afero.ReadFile(fsys, "/data/keep.txt")
	require.NoError(t, err)
	assert.Equal(t, "keep", string(kept))
	exists, err = afero.DirExists(fsys, "/data/store")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMosaic_StaleHandles(t *testing.T) {
	ctx := context.Background()
	for _, bf := range backends() {
		t.Run(bf.name, func(t *testing.T) {
			r := openResource(t, bf.open(t)())
			defer r.Close()
			p := createPyramid(t, r, twoLevels(""))
			stale := mustMosaic(t, p, "0")

			require.NoError(t, p.DeleteMosaic(ctx, "0"))
			recreated, err := p.CreateMosaic(ctx, twoLevels("").Mosaics[1])
			require.NoError(t, err)

			assert.ErrorIs(t, pyramid.WriteTile(ctx, stale, pyramid.Tile{Col: 1, Row: 1, Data: []byte("x")}), pyramid.ErrNotFound)
			assert.ErrorIs(t, stale.DeleteTile(ctx, 1, 1), pyramid.ErrNotFound)
			_, err = stale.IsMissing(ctx, 1, 1)
			assert.ErrorIs(t, err, pyramid.ErrNotFound)
			_, err = stale.Tile(ctx, 1, 1, nil)
			assert.ErrorIs(t, err, pyramid.ErrNotFound)
			missing, err := recreated.IsMissing(ctx, 1, 1)
			require.NoError(t, err)
			assert.True(t, missing)

			// removing the pyramid retires the handles of all of its mosaics
			staleFine := mustMosaic(t, p, "1")
			require.NoError(t, r.RemoveModel(ctx, "rd"))
			createPyramid(t, r, twoLevels(""))
			assert.ErrorIs(t, pyramid.WriteTile(ctx, staleFine, pyramid.Tile{Col: 2, Row: 2, Data: []byte("x")}), pyramid.ErrNotFound)
			assert.ErrorIs(t, pyramid.WriteTile(ctx, recreated, pyramid.Tile{Col: 0, Row: 0, Data: []byte("x")}), pyramid.ErrNotFound)

			model, ok := r.Model("rd")
			require.True(t, ok)
			for _, m := range model.(pyramid.Pyramid).Mosaics() {
				has, err := m.(*Mosaic).HasTiles(ctx)
				require.NoError(t, err)
				assert.False(t, has, "mosaic %s", m.ID())
			}
		})
	}
}

func TestMosaic_EmptyDataExtent(t *testing.T) {
	for _, bf := range backends() {
		t.Run(bf.name, func(t *testing.T) {
			r := openResource(t, bf.open(t)())
			defer r.Close()
			p := createPyramid(t, r, &pyramid.PyramidTemplate{
				Identifier: "huge", CRS: pyramid.MustParseCRS("EPSG:3857"),
				Mosaics: []pyramid.MosaicTemplate{{Identifier: "15", GridSize: pyramid.Dimension{Width: 1 << 15, Height: 1 << 15},
					TileSize: pyramid.Dimension{Width: 256, Height: 256}, Scale: 1}},
			})
			m := mustMosaic(t, p, "15")
			full := intgeom.Extent{0, 0, 1 << 23, 1 << 23}

			// scanning a billion empty cells would not finish in time
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			got, err := m.DataExtent(ctx)
			require.NoError(t, err)
			assert.Equal(t, full, got)

			has, known, err := pyramid.HasTiles(ctx, m)
			require.NoError(t, err)
			assert.True(t, known)
			assert.False(t, has)

			require.NoError(t, pyramid.WriteTile(ctx, m, pyramid.Tile{Col: 0, Row: 0, Data: []byte{1}}))
			has, known, err = pyramid.HasTiles(ctx, m)
			require.NoError(t, err)
			assert.True(t, known)
			assert.True(t, has)
		})
	}
}

func TestMosaic_WriteTilesReleasesProducer(t *testing.T) {
	ctx := context.Background()
	r := openResource(t, &failingBackend{Backend: NewMemoryBackend(), failCol: 0}, WithWriteConcurrency(1))
	m := mustMosaic(t, createPyramid(t, r, twoLevels("")), "1")

	// the producer sends without watching for cancellation
	tiles := make(chan pyramid.Tile)
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		defer close(tiles)
		for i := int64(0); i < 100; i++ {
			tiles <- pyramid.Tile{Col: i % 4, Row: i / 4 % 4, Data: []byte{1}}
		}
	}()
	err := m.WriteTiles(ctx, tiles, nil)
	assert.ErrorIs(t, err, errDiskFull)
	select {
	case <-producerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("producer still blocked after WriteTiles returned")
	}
}

func TestResource_Events(t *testing.T) {
	ctx := context.Background()
	r := openResource(t, NewMemoryBackend())
	var events []pyramid.Event
	unsubscribe := r.Subscribe(pyramid.ListenerFunc(func(e pyramid.Event) { events = append(events, e) }))

	p := createPyramid(t, r, twoLevels(""))
	m := mustMosaic(t, p, "0")
	require.NoError(t, pyramid.WriteTile(ctx, m, pyramid.Tile{Col: 1, Row: 1, Data: []byte{1}}))
	require.NoError(t, m.DeleteTile(ctx, 1, 1))
	require.NoError(t, m.DeleteTile(ctx, 1, 1))
	require.NoError(t, p.DeleteMosaic(ctx, "0"))
	require.NoError(t, r.RemoveModel(ctx, "rd"))
	unsubscribe()
	createPyramid(t, r, twoLevels(""))

	key := pyramid.TileKey{Pyramid: "rd", Mosaic: "0", Col: 1, Row: 1}
	want := []pyramid.Event{
		{Kind: pyramid.ModelAdded, Source: r, Pyramid: "rd"},
		{Kind: pyramid.TilesChanged, Source: r, Pyramid: "rd", Mosaic: "0", Keys: []pyramid.TileKey{key}},
		{Kind: pyramid.TilesChanged, Source: r, Pyramid: "rd", Mosaic: "0", Keys: []pyramid.TileKey{key}},
		{Kind: pyramid.MosaicRemoved, Source: r, Pyramid: "rd", Mosaic: "0"},
		{Kind: pyramid.ModelRemoved, Source: r, Pyramid: "rd"},
	}
	require.Len(t, events, len(want))
	for i := range want {
		assert.Equal(t, want[i].Kind, events[i].Kind, "event %d", i)
		assert.Same(t, r, events[i].Source.(*Resource), "event %d", i)
		assert.Equal(t, want[i].Pyramid, events[i].Pyramid, "event %d", i)
		assert.Equal(t, want[i].Mosaic, events[i].Mosaic, "event %d", i)
		assert.Equal(t, want[i].Keys, events[i].Keys, "event %d", i)
	}
}
