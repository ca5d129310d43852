// Package pyramid defines the multiresolution tile model: a Resource owns
// Pyramids (tile matrix sets), a Pyramid owns Mosaics (tile matrices) at
// different scales and a Mosaic is a regular grid of Tiles.
//
// Concrete storage lives in package store, decorators in packages progressive and cache.
package pyramid

import (
	"context"
	"fmt"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/go-spatial/geom"

	"github.com/pdok/tilepyramid/intgeom"
	"github.com/pdok/tilepyramid/mathhelp"
)

// Model is anything a Resource can hold. Callers dispatch on the concrete kind
// with a type switch, Pyramid being the only kind with tile semantics:
//
//	switch m := model.(type) {
//	case pyramid.Pyramid:
//		...
//	}
type Model interface {
	ID() string
}

// Resource owns zero or more models with unique identifiers.
type Resource interface {
	Models() []Model
	Model(id string) (Model, bool)
	// CreateModel creates a new model shaped after template, which is either a
	// *PyramidTemplate or an existing Pyramid (whose structure, not content, is copied).
	CreateModel(ctx context.Context, template Model) (Model, error)
	RemoveModel(ctx context.Context, id string) error
	// Subscribe registers a listener for structural and content events.
	// The returned func removes it again.
	Subscribe(l Listener) (unsubscribe func())
}

// Pyramid is a set of mosaics at different scales sharing one CRS.
type Pyramid interface {
	Model
	CRS() CRS
	// Mosaics returns all mosaics ordered by ascending scale.
	Mosaics() []Mosaic
	Mosaic(id string) (Mosaic, bool)
	// Scales returns the distinct mosaic scales, strictly ascending.
	Scales() []float64
	// MosaicsAt returns the mosaics whose scale equals Scales()[level].
	MosaicsAt(level int) []Mosaic
	// Envelope is the union of all mosaic envelopes; false when there are no mosaics.
	Envelope() (geom.Extent, bool)
	CreateMosaic(ctx context.Context, template MosaicTemplate) (Mosaic, error)
	DeleteMosaic(ctx context.Context, id string) error
}

// Mosaic is a regular grid of tiles at a single scale.
type Mosaic interface {
	ID() string
	// UpperLeft is the corner of tile (0, 0) in the CRS of the pyramid.
	UpperLeft() geom.Point
	// GridSize is the number of tiles in both directions.
	GridSize() Dimension
	// TileSize is the number of pixels of every tile in both directions.
	TileSize() Dimension
	// Scale is the resolution in CRS units per pixel.
	Scale() float64
	// Format is the declared payload format of tiles in this mosaic, "" for opaque payloads.
	Format() string
	Envelope() geom.Extent

	// IsMissing reports whether the cell holds no data. ErrOutOfBounds outside the grid.
	IsMissing(ctx context.Context, col, row int64) (bool, error)
	// Tile returns the tile at (col, row), or nil without error when it is missing.
	Tile(ctx context.Context, col, row int64, hints Hints) (*Tile, error)
	// WriteTiles consumes tiles until the channel is closed, ctx is done or a write fails.
	// Writes are independent and may run in parallel. The first failure is returned.
	WriteTiles(ctx context.Context, tiles <-chan Tile, listener ProgressListener) error
	// DeleteTile removes a tile. Deleting a missing tile is a no-op.
	DeleteTile(ctx context.Context, col, row int64) error
	// DataExtent is the pixel extent covering the populated tiles, see DataExtent.
	DataExtent(ctx context.Context) (intgeom.Extent, error)
}

// PyramidTemplate describes a pyramid to be created.
type PyramidTemplate struct {
	Identifier string           `validate:"identifier"`
	CRS        CRS              `validate:"required"`
	Mosaics    []MosaicTemplate `validate:"dive"`
}

func (t *PyramidTemplate) ID() string {
	return t.Identifier
}

// MosaicTemplate describes a mosaic to be created.
type MosaicTemplate struct {
	Identifier string     `validate:"identifier"`
	UpperLeft  geom.Point `validate:"-"`
	GridSize   Dimension  `validate:"required"`
	TileSize   Dimension  `validate:"required"`
	Scale      float64    `validate:"required,gt=0"`
	Format     string     `validate:"omitempty,oneof=png jpeg webp"`
	// CRS is optional; when set it has to equal the CRS of the pyramid.
	CRS CRS
}

// TemplateOf captures the structure of an existing pyramid.
func TemplateOf(p Pyramid) *PyramidTemplate {
	t := &PyramidTemplate{Identifier: p.ID(), CRS: p.CRS()}
	for _, m := range p.Mosaics() {
		t.Mosaics = append(t.Mosaics, MosaicTemplateOf(m))
	}
	return t
}

func MosaicTemplateOf(m Mosaic) MosaicTemplate {
	return MosaicTemplate{
		Identifier: m.ID(),
		UpperLeft:  m.UpperLeft(),
		GridSize:   m.GridSize(),
		TileSize:   m.TileSize(),
		Scale:      m.Scale(),
		Format:     m.Format(),
	}
}

// TemplateFromModel turns the template argument of Resource.CreateModel into a
// PyramidTemplate. Unknown model kinds are unsupported.
func TemplateFromModel(template Model) (*PyramidTemplate, error) {
	switch t := template.(type) {
	case *PyramidTemplate:
		return t, nil
	case Pyramid:
		return TemplateOf(t), nil
	default:
		return nil, fmt.Errorf("%w: cannot create a model from %T", ErrUnsupported, template)
	}
}

// ValidIdentifier reports whether id can name a pyramid or mosaic. Identifiers
// end up as path segments, so "." and ".." are rejected next to empty ids and
// control characters.
func ValidIdentifier(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return ValidIdentifier(fl.Field().String())
	})
	return validate
}

// Validate checks the template and all of its mosaics.
func (t *PyramidTemplate) Validate() error {
	validate := newValidator()
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: pyramid %q: %w", ErrConfiguration, t.Identifier, err)
	}
	seen := make(map[string]struct{}, len(t.Mosaics))
	for _, m := range t.Mosaics {
		if _, dupe := seen[m.Identifier]; dupe {
			return fmt.Errorf("%w: pyramid %q: duplicate mosaic %q", ErrConfiguration, t.Identifier, m.Identifier)
		}
		seen[m.Identifier] = struct{}{}
		if err := m.Validate(t.CRS); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the mosaic template against the CRS of its pyramid and makes
// sure the pixel extent of the grid fits in an int64.
func (t MosaicTemplate) Validate(crs CRS) error {
	validate := newValidator()
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: mosaic %q: %w", ErrConfiguration, t.Identifier, err)
	}
	if !t.CRS.IsZero() && !t.CRS.Equal(crs) {
		return fmt.Errorf("%w: mosaic %q has crs %v, pyramid has %v", ErrConfiguration, t.Identifier, t.CRS, crs)
	}
	if t.GridSize.Width < 1 || t.GridSize.Height < 1 || t.TileSize.Width < 1 || t.TileSize.Height < 1 {
		return fmt.Errorf("%w: mosaic %q: grid size %v and tile size %v must be positive",
			ErrConfiguration, t.Identifier, t.GridSize, t.TileSize)
	}
	if _, ok := mathhelp.MulInt64(t.GridSize.Width, t.TileSize.Width); !ok {
		return fmt.Errorf("%w: mosaic %q: pixel width %d*%d overflows",
			ErrConfiguration, t.Identifier, t.GridSize.Width, t.TileSize.Width)
	}
	if _, ok := mathhelp.MulInt64(t.GridSize.Height, t.TileSize.Height); !ok {
		return fmt.Errorf("%w: mosaic %q: pixel height %d*%d overflows",
			ErrConfiguration, t.Identifier, t.GridSize.Height, t.TileSize.Height)
	}
	return nil
}

// Pyramids filters the pyramids out of a resource's models.
func Pyramids(r Resource) []Pyramid {
	models := r.Models()
	pyramids := make([]Pyramid, 0, len(models))
	for _, model := range models {
		if p, ok := model.(Pyramid); ok {
			pyramids = append(pyramids, p)
		}
	}
	return pyramids
}

// CheckBounds returns ErrOutOfBounds when (col, row) is outside the grid of m.
func CheckBounds(m Mosaic, col, row int64) error {
	grid := m.GridSize()
	if col < 0 || row < 0 || col >= grid.Width || row >= grid.Height {
		return fmt.Errorf("%w: tile (%d, %d) outside grid %v of mosaic %q", ErrOutOfBounds, col, row, grid, m.ID())
	}
	return nil
}
