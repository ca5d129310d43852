// Package store implements pyramid.Resource on top of a pluggable Backend.
// Backends persist the pyramid structure and the tile payloads: NewMemoryBackend
// keeps everything in process, NewFSBackend writes a directory tree through afero
// and OpenSQLite uses a single SQLite file.
package store

import (
	"context"

	"github.com/go-spatial/geom"

	"github.com/pdok/tilepyramid/pyramid"
)

// Backend persists pyramid structure and tile payloads.
// Implementations must be safe for concurrent use. A write of a key must
// replace the previous payload atomically: readers see the old or the new tile.
type Backend interface {
	// Load returns the persisted pyramids.
	Load(ctx context.Context) ([]PyramidDef, error)
	// SavePyramid creates or replaces the structure of a pyramid.
	SavePyramid(ctx context.Context, def PyramidDef) error
	// DeletePyramid removes the structure and all tiles of a pyramid.
	DeletePyramid(ctx context.Context, pyramidID string) error
	// DeleteMosaic removes all tiles of a mosaic. The structure is saved separately.
	DeleteMosaic(ctx context.Context, pyramidID, mosaicID string) error

	// HasTiles reports whether any tile of the mosaic is stored, without visiting every cell.
	HasTiles(ctx context.Context, pyramidID, mosaicID string) (bool, error)
	HasTile(ctx context.Context, key pyramid.TileKey) (bool, error)
	// ReadTile returns nil without error when the tile does not exist.
	ReadTile(ctx context.Context, key pyramid.TileKey) ([]byte, error)
	WriteTile(ctx context.Context, key pyramid.TileKey, data []byte) error
	// DeleteTile removes a tile; removing a missing tile is not an error.
	DeleteTile(ctx context.Context, key pyramid.TileKey) error

	Close() error
}

// PyramidDef is the persisted structure of a pyramid.
type PyramidDef struct {
	ID      string      `yaml:"id" json:"id"`
	CRS     string      `yaml:"crs" json:"crs"`
	Mosaics []MosaicDef `yaml:"mosaics" json:"mosaics"`
}

// MosaicDef is the persisted structure of a mosaic.
type MosaicDef struct {
	ID        string            `yaml:"id" json:"id"`
	UpperLeft [2]float64        `yaml:"upperLeft,flow" json:"upperLeft"`
	GridSize  pyramid.Dimension `yaml:"gridSize" json:"gridSize"`
	TileSize  pyramid.Dimension `yaml:"tileSize" json:"tileSize"`
	Scale     float64           `yaml:"scale" json:"scale"`
	Format    string            `yaml:"format,omitempty" json:"format,omitempty"`
}

func pyramidDefOf(t *pyramid.PyramidTemplate) PyramidDef {
	def := PyramidDef{ID: t.Identifier, CRS: t.CRS.String()}
	for _, m := range t.Mosaics {
		def.Mosaics = append(def.Mosaics, mosaicDefOf(m))
	}
	return def
}

func mosaicDefOf(t pyramid.MosaicTemplate) MosaicDef {
	return MosaicDef{
		ID:        t.Identifier,
		UpperLeft: [2]float64{t.UpperLeft.X(), t.UpperLeft.Y()},
		GridSize:  t.GridSize,
		TileSize:  t.TileSize,
		Scale:     t.Scale,
		Format:    t.Format,
	}
}

// Template converts the persisted structure back into a validated template.
func (d PyramidDef) Template() (*pyramid.PyramidTemplate, error) {
	crs, err := pyramid.ParseCRS(d.CRS)
	if err != nil {
		return nil, err
	}
	t := &pyramid.PyramidTemplate{Identifier: d.ID, CRS: crs}
	for _, m := range d.Mosaics {
		t.Mosaics = append(t.Mosaics, pyramid.MosaicTemplate{
			Identifier: m.ID,
			UpperLeft:  geom.Point(m.UpperLeft),
			GridSize:   m.GridSize,
			TileSize:   m.TileSize,
			Scale:      m.Scale,
			Format:     m.Format,
		})
	}
	return t, t.Validate()
}
