package pyramid

import (
	"fmt"
	"net/url"
)

// Tile is one rectangular unit of raster data at a grid cell of a mosaic.
// A Tile handed out by a mosaic is owned by the caller.
type Tile struct {
	Col    int64
	Row    int64
	Data   []byte
	Format string
}

// Clone returns a deep copy, so the payload can't be mutated through shared backing arrays.
func (t *Tile) Clone() *Tile {
	if t == nil {
		return nil
	}
	c := *t
	if t.Data != nil {
		c.Data = append(make([]byte, 0, len(t.Data)), t.Data...)
	}
	return &c
}

// TileKey addresses a tile within a resource.
type TileKey struct {
	Pyramid string
	Mosaic  string
	Col     int64
	Row     int64
}

func (k TileKey) String() string {
	return MosaicPrefix(k.Pyramid, k.Mosaic) + fmt.Sprintf("%d/%d", k.Col, k.Row)
}

// PyramidPrefix is the common prefix of all TileKey strings of a pyramid.
func PyramidPrefix(pyramidID string) string {
	return url.PathEscape(pyramidID) + "/"
}

// MosaicPrefix is the common prefix of all TileKey strings of a mosaic.
func MosaicPrefix(pyramidID, mosaicID string) string {
	return PyramidPrefix(pyramidID) + url.PathEscape(mosaicID) + "/"
}

// Dimension is a width and height, in tiles or pixels depending on context.
type Dimension struct {
	Width  int64 `yaml:"width" json:"width"`
	Height int64 `yaml:"height" json:"height"`
}

func (d Dimension) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Hints tune a tile read.
type Hints map[string]any

const (
	// HintFormat requests the tile payload in the given format (e.g. "png", "jpeg", "webp").
	HintFormat = "format"
)

// Format returns the requested output format, or "" when none was requested.
func (h Hints) Format() string {
	if h == nil {
		return ""
	}
	f, _ := h[HintFormat].(string)
	return f
}
