// Package generator contains tile generators for progressive resources.
package generator

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"math"

	"github.com/go-spatial/geom"

	"github.com/pdok/tilepyramid/codec"
	"github.com/pdok/tilepyramid/progressive"
	"github.com/pdok/tilepyramid/pyramid"
)

// ImageGenerator resamples a georeferenced image into tiles with nearest
// neighbour sampling. Tiles that don't overlap the image are not generated.
type ImageGenerator struct {
	src    image.Image
	extent geom.Extent
	// CRS units per source pixel
	resX, resY float64
	// used for mosaics without a declared format
	fallback string
	quality  int
}

type Option func(*ImageGenerator)

// WithFallbackFormat sets the encoding of tiles for mosaics without a format. Defaults to png.
func WithFallbackFormat(format string) Option {
	return func(g *ImageGenerator) {
		g.fallback = format
	}
}

// WithQuality sets the quality of lossy encodings.
func WithQuality(q int) Option {
	return func(g *ImageGenerator) {
		g.quality = q
	}
}

// NewImageGenerator georeferences src so its bounds cover extent (in the CRS of the pyramid).
func NewImageGenerator(src image.Image, extent geom.Extent, opts ...Option) (*ImageGenerator, error) {
	b := src.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty source image", pyramid.ErrConfiguration)
	}
	if extent.XSpan() <= 0 || extent.YSpan() <= 0 {
		return nil, fmt.Errorf("%w: source extent %v has no area", pyramid.ErrConfiguration, extent)
	}
	g := &ImageGenerator{
		src:      src,
		extent:   extent,
		resX:     extent.XSpan() / float64(b.Dx()),
		resY:     extent.YSpan() / float64(b.Dy()),
		fallback: codec.PNG,
	}
	for _, opt := range opts {
		opt(g)
	}
	if _, err := codec.NewEncoder(g.fallback, g.quality); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *ImageGenerator) Generate(ctx context.Context, req progressive.Request) (*pyramid.Tile, error) {
	if _, overlaps := g.extent.Intersect(&req.Envelope); !overlaps {
		return nil, nil
	}
	format := req.Format
	if format == "" {
		format = g.fallback
	}
	enc, err := codec.NewEncoder(format, g.quality)
	if err != nil {
		return nil, err
	}

	img, err := g.render(ctx, req)
	if err != nil || img == nil {
		return nil, err
	}
	data, err := enc.Encode(img)
	if err != nil {
		return nil, fmt.Errorf("encoding tile %s/%s/%d/%d: %w", req.Pyramid, req.Mosaic, req.Col, req.Row, err)
	}
	return &pyramid.Tile{Col: req.Col, Row: req.Row, Data: data, Format: enc.Format()}, nil
}

// render samples the center of every tile pixel. Nil when no pixel falls on the source.
func (g *ImageGenerator) render(ctx context.Context, req progressive.Request) (*image.RGBA, error) {
	width, height := int(req.TileSize.Width), int(req.TileSize.Height)
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	b := g.src.Bounds()

	// source column per tile column, -1 when outside the source
	cols := make([]int, width)
	for px := range cols {
		x := req.Envelope.MinX() + (float64(px)+0.5)*req.Scale
		cols[px] = sourceIndex((x-g.extent.MinX())/g.resX, b.Dx())
	}

	hasData := false
	for py := 0; py < height; py++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		y := req.Envelope.MaxY() - (float64(py)+0.5)*req.Scale
		sy := sourceIndex((g.extent.MaxY()-y)/g.resY, b.Dy())
		if sy < 0 {
			continue
		}
		for px, sx := range cols {
			if sx < 0 {
				continue
			}
			img.Set(px, py, g.src.At(b.Min.X+sx, b.Min.Y+sy))
			hasData = true
		}
	}
	if !hasData {
		return nil, nil
	}
	return img, nil
}

func sourceIndex(f float64, size int) int {
	i := math.Floor(f)
	if i < 0 || i >= float64(size) {
		return -1
	}
	return int(i)
}

// Solid returns a generator that fills every tile with the uniform image u, for
// placeholders and tests.
func Solid(u *image.Uniform, format string) progressive.Generator {
	return progressive.GeneratorFunc(func(ctx context.Context, req progressive.Request) (*pyramid.Tile, error) {
		f := format
		if req.Format != "" {
			f = req.Format
		}
		enc, err := codec.NewEncoder(f, 0)
		if err != nil {
			return nil, err
		}
		img := image.NewRGBA(image.Rect(0, 0, int(req.TileSize.Width), int(req.TileSize.Height)))
		draw.Draw(img, img.Bounds(), u, image.Point{}, draw.Src)
		data, err := enc.Encode(img)
		if err != nil {
			return nil, err
		}
		return &pyramid.Tile{Col: req.Col, Row: req.Row, Data: data, Format: enc.Format()}, nil
	})
}
