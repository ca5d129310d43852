// Package codec encodes and decodes raster tile payloads.
package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/gen2brain/webp"

	"github.com/pdok/tilepyramid/pyramid"
)

const (
	PNG  = "png"
	JPEG = "jpeg"
	WebP = "webp"
)

// Encoder encodes an image into tile bytes.
type Encoder interface {
	Encode(img image.Image) ([]byte, error)
	// Format returns the format name (e.g. "jpeg", "png", "webp").
	Format() string
	// FileExtension includes the leading dot.
	FileExtension() string
}

// Normalize maps aliases onto a canonical format name. "" stays "" (opaque payloads).
func Normalize(format string) (string, error) {
	switch f := strings.ToLower(strings.TrimPrefix(format, ".")); f {
	case "":
		return "", nil
	case PNG, "image/png":
		return PNG, nil
	case JPEG, "jpg", "image/jpeg":
		return JPEG, nil
	case WebP, "image/webp":
		return WebP, nil
	default:
		return "", fmt.Errorf("%w: unsupported tile format %q (supported: png, jpeg, webp)", pyramid.ErrUnsupported, format)
	}
}

// NewEncoder creates an encoder for the given format and quality.
// A quality <= 0 picks the default of the format.
func NewEncoder(format string, quality int) (Encoder, error) {
	f, err := Normalize(format)
	if err != nil {
		return nil, err
	}
	switch f {
	case PNG:
		return &PNGEncoder{}, nil
	case JPEG:
		return &JPEGEncoder{Quality: quality}, nil
	case WebP:
		return &WebPEncoder{Quality: quality}, nil
	default:
		return nil, fmt.Errorf("%w: no encoder for opaque payloads", pyramid.ErrUnsupported)
	}
}

// Extension is the file extension (with dot) for format, "" for opaque payloads.
func Extension(format string) string {
	enc, err := NewEncoder(format, 0)
	if err != nil {
		return ""
	}
	return enc.FileExtension()
}

// Decode decodes data in the given format.
func Decode(data []byte, format string) (image.Image, error) {
	f, err := Normalize(format)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	switch f {
	case PNG:
		return png.Decode(r)
	case JPEG:
		return jpeg.Decode(r)
	case WebP:
		return webp.Decode(r)
	default:
		return nil, fmt.Errorf("%w: cannot decode opaque payloads", pyramid.ErrUnsupported)
	}
}

// DecodeConfig reads the dimensions of data in the given format without decoding the pixels.
func DecodeConfig(data []byte, format string) (image.Config, error) {
	f, err := Normalize(format)
	if err != nil {
		return image.Config{}, err
	}
	r := bytes.NewReader(data)
	switch f {
	case PNG:
		return png.DecodeConfig(r)
	case JPEG:
		return jpeg.DecodeConfig(r)
	case WebP:
		return webp.DecodeConfig(r)
	default:
		return image.Config{}, fmt.Errorf("%w: opaque payloads have no dimensions", pyramid.ErrUnsupported)
	}
}

// Transcode re-encodes data from one format into another. Equal formats, or an
// empty target, return data untouched.
func Transcode(data []byte, from, to string) ([]byte, error) {
	src, err := Normalize(from)
	if err != nil {
		return nil, err
	}
	dst, err := Normalize(to)
	if err != nil {
		return nil, err
	}
	if dst == "" || src == dst {
		return data, nil
	}
	img, err := Decode(data, src)
	if err != nil {
		return nil, fmt.Errorf("decoding %s tile: %w", src, err)
	}
	enc, err := NewEncoder(dst, 0)
	if err != nil {
		return nil, err
	}
	return enc.Encode(img)
}

// PNGEncoder encodes tiles as PNG.
type PNGEncoder struct{}

func (e *PNGEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := &png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *PNGEncoder) Format() string        { return PNG }
func (e *PNGEncoder) FileExtension() string { return ".png" }

// JPEGEncoder encodes tiles as JPEG.
type JPEGEncoder struct {
	Quality int // 1-100, default 85
}

func (e *JPEGEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	quality := e.Quality
	if quality <= 0 {
		quality = 85
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *JPEGEncoder) Format() string        { return JPEG }
func (e *JPEGEncoder) FileExtension() string { return ".jpg" }

// WebPEncoder encodes tiles as WebP. Quality 100 encodes losslessly.
type WebPEncoder struct {
	Quality int
}

func (e *WebPEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	quality := e.Quality
	if quality <= 0 {
		quality = 85
	}
	opts := webp.Options{
		Lossless: quality >= 100,
		Quality:  quality,
	}
	if err := webp.Encode(&buf, img, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *WebPEncoder) Format() string        { return WebP }
func (e *WebPEncoder) FileExtension() string { return ".webp" }
