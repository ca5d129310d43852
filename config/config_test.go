package config

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/tilepyramid/progressive"
	"github.com/pdok/tilepyramid/pyramid"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    func(c *Config)
		wantErr bool
	}{
		{
			name: "defaults",
			yaml: "store:\n  path: tiles.gpkg\n",
			want: func(c *Config) {
				c.Store.Path = "tiles.gpkg"
			},
		},
		{
			name: "everything",
			yaml: `
verbose: true
store:
  type: fs
  path: /data/tiles
  readOnly: true
  writeConcurrency: 4
cache:
  capacity: 0
generate:
  concurrency: 2
  source: ortho.png
  sourceExtent: [0, 0, 100, 200]
  format: jpg
  quality: 70
pyramids:
  - id: rd
    tileMatrixSet: NetherlandsRDNewQuad
    levels: [0, 1, 2]
  - id: custom
    tileMatrixSetFile: custom.json
    format: webp
`,
			want: func(c *Config) {
				c.Verbose = true
				c.Store = Store{Type: StoreFS, Path: "/data/tiles", ReadOnly: true, WriteConcurrency: 4}
				c.Cache.Capacity = 0
				c.Generate = Generate{Concurrency: 2, Source: "ortho.png", SourceExtent: [4]float64{0, 0, 100, 200},
					Format: "jpg", Quality: 70}
				c.Pyramids = []Pyramid{
					{ID: "rd", TileMatrixSet: "NetherlandsRDNewQuad", Levels: []int{0, 1, 2}, Format: "png"},
					{ID: "custom", TileMatrixSetFile: "custom.json", Format: "webp"},
				}
			},
		},
		{name: "memory needs no path", yaml: "store:\n  type: memory\n", want: func(c *Config) {
			c.Store.Type = StoreMemory
		}},
		{name: "sqlite needs a path", yaml: "store:\n  type: sqlite\n", wantErr: true},
		{name: "unknown store", yaml: "store:\n  type: s3\n  path: x\n", wantErr: true},
		{name: "unknown field", yaml: "store:\n  path: x\n  colour: red\n", wantErr: true},
		{name: "pyramid without tile matrix set", yaml: "store:\n  path: x\npyramids:\n  - id: rd\n", wantErr: true},
		{name: "both tile matrix sets", yaml: "store:\n  path: x\npyramids:\n  - id: rd\n    tileMatrixSet: a\n    tileMatrixSetFile: b\n", wantErr: true},
		{name: "negative level", yaml: "store:\n  path: x\npyramids:\n  - id: rd\n    tileMatrixSet: a\n    levels: [-1]\n", wantErr: true},
		{name: "source without extent", yaml: "store:\n  path: x\ngenerate:\n  source: a.png\n", wantErr: true},
		{name: "quality", yaml: "store:\n  path: x\ngenerate:\n  quality: 101\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.yaml))
			if tt.wantErr {
				assert.ErrorIs(t, err, pyramid.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			want := Default()
			tt.want(want)
			assert.Equal(t, want, got)
		})
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, StoreSQLite, c.Store.Type)
	assert.Equal(t, int64(4096), c.Cache.Capacity)
	assert.Len(t, c.Cache.Options(), 1)
	assert.Equal(t, "png", c.Generate.Format)
	assert.Equal(t, 85, c.Generate.Quality)
	assert.Nil(t, Cache{}.Options())
}

func TestStore_Open(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, s := range []Store{
		{Type: StoreMemory},
		{Type: StoreFS, Path: filepath.Join(dir, "fs")},
		{Type: StoreSQLite, Path: filepath.Join(dir, "tiles.gpkg")},
	} {
		t.Run(s.Type, func(t *testing.T) {
			r, err := s.Open(ctx, false)
			require.NoError(t, err)
			assert.Empty(t, r.Models())
			require.NoError(t, r.Close())
		})
	}

	r, err := Store{Type: StoreMemory, ReadOnly: true}.Open(ctx, true)
	require.NoError(t, err)
	assert.True(t, r.ReadOnly())

	_, err = Store{Type: "s3"}.OpenBackend(ctx)
	assert.ErrorIs(t, err, pyramid.ErrConfiguration)
}

func TestPyramid_Template(t *testing.T) {
	template, err := Pyramid{ID: "rd", TileMatrixSet: "NetherlandsRDNewQuad", Levels: []int{0, 1}, Format: "jpg"}.Template()
	require.NoError(t, err)
	assert.Equal(t, "rd", template.Identifier)
	assert.Equal(t, pyramid.MustParseCRS("EPSG:28992"), template.CRS)
	require.Len(t, template.Mosaics, 2)
	assert.Equal(t, "jpeg", template.Mosaics[0].Format)

	_, err = Pyramid{ID: "x", TileMatrixSet: "Unknown", Format: "png"}.Template()
	assert.ErrorIs(t, err, pyramid.ErrConfiguration)
}

func TestGenerate_Generator(t *testing.T) {
	g, err := Generate{}.Generator()
	require.NoError(t, err)
	assert.Nil(t, g)

	src := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for i := range src.Pix {
		src.Pix[i] = 255
	}
	src.Set(0, 0, color.RGBA{B: 255, A: 255})
	file := filepath.Join(t.TempDir(), "src.png")
	f, err := os.Create(file)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, src))
	require.NoError(t, f.Close())

	g, err = Generate{Source: file, SourceExtent: [4]float64{0, 0, 2, 2}, Format: "png"}.Generator()
	require.NoError(t, err)
	require.NotNil(t, g)
	tile, err := g.Generate(context.Background(), progressive.Request{
		Envelope: geom.Extent{0, 0, 2, 2}, Scale: 1, TileSize: pyramid.Dimension{Width: 2, Height: 2},
	})
	require.NoError(t, err)
	require.NotNil(t, tile)
	assert.Equal(t, "png", tile.Format)

	_, err = Generate{Source: filepath.Join(t.TempDir(), "missing.png")}.Generator()
	assert.ErrorIs(t, err, os.ErrNotExist)
}
