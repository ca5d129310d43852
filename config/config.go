// Package config reads the YAML configuration of the tilepyramid command.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // source images
	_ "image/png"
	"io"
	"os"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-spatial/geom"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/pdok/tilepyramid/cache"
	"github.com/pdok/tilepyramid/codec"
	"github.com/pdok/tilepyramid/generator"
	"github.com/pdok/tilepyramid/pyramid"
	"github.com/pdok/tilepyramid/store"
	"github.com/pdok/tilepyramid/tms20"
)

const (
	StoreMemory = "memory"
	StoreFS     = "fs"
	StoreSQLite = "sqlite"
)

type Config struct {
	Store    Store     `yaml:"store"`
	Cache    Cache     `yaml:"cache"`
	Generate Generate  `yaml:"generate"`
	Pyramids []Pyramid `yaml:"pyramids" validate:"dive"`
	Verbose  bool      `yaml:"verbose"`
}

type Store struct {
	Type string `yaml:"type" default:"sqlite" validate:"oneof=memory fs sqlite"`
	// Path is the root directory of a fs store or the file of a sqlite store.
	Path             string `yaml:"path" validate:"required_unless=Type memory"`
	ReadOnly         bool   `yaml:"readOnly"`
	WriteConcurrency int    `yaml:"writeConcurrency" validate:"min=0"`
}

type Cache struct {
	// Capacity in tiles, 0 for the default of the cache.
	Capacity int64 `yaml:"capacity" default:"4096" validate:"min=0"`
}

type Generate struct {
	Concurrency int `yaml:"concurrency" validate:"min=0"`
	// Source is an image file georeferenced by SourceExtent.
	Source       string     `yaml:"source"`
	SourceExtent [4]float64 `yaml:"sourceExtent,flow" validate:"required_with=Source"`
	Format       string     `yaml:"format" default:"png" validate:"oneof=png jpeg jpg webp"`
	Quality      int        `yaml:"quality" default:"85" validate:"min=0,max=100"`
}

type Pyramid struct {
	ID string `yaml:"id" validate:"required"`
	// TileMatrixSet is the id of an embedded OGC tile matrix set...
	TileMatrixSet string `yaml:"tileMatrixSet" validate:"required_without=TileMatrixSetFile"`
	// ...or a file holding one.
	TileMatrixSetFile string `yaml:"tileMatrixSetFile" validate:"excluded_with=TileMatrixSet"`
	// Levels to include, all when empty.
	Levels []int  `yaml:"levels,flow" validate:"dive,min=0"`
	Format string `yaml:"format" default:"png" validate:"oneof=png jpeg jpg webp"`
}

// Default is the configuration without a file.
func Default() *Config {
	c := &Config{}
	if err := defaults.Set(c); err != nil {
		panic(err)
	}
	return c
}

// Load reads, defaults and validates a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := defaults.Set(c); err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", pyramid.ErrConfiguration, err)
	}
	// defaults of slice elements are only known after decoding
	for i := range c.Pyramids {
		if err := defaults.Set(&c.Pyramids[i]); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", pyramid.ErrConfiguration, err)
	}
	return nil
}

// OpenBackend opens the configured storage.
func (s Store) OpenBackend(ctx context.Context) (store.Backend, error) {
	switch s.Type {
	case StoreMemory:
		return store.NewMemoryBackend(), nil
	case StoreFS:
		return store.NewFSBackend(afero.NewOsFs(), s.Path)
	case StoreSQLite:
		return store.OpenSQLite(ctx, s.Path)
	default:
		return nil, fmt.Errorf("%w: unknown store type %q", pyramid.ErrConfiguration, s.Type)
	}
}

// Open opens the configured store as a resource.
func (s Store) Open(ctx context.Context, verbose bool) (*store.Resource, error) {
	backend, err := s.OpenBackend(ctx)
	if err != nil {
		return nil, err
	}
	opts := []store.Option{store.WithWriteConcurrency(s.WriteConcurrency)}
	if s.ReadOnly {
		opts = append(opts, store.ReadOnly())
	}
	if verbose {
		opts = append(opts, store.Verbose())
	}
	r, err := store.Open(ctx, backend, opts...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return r, nil
}

// Options returns nil when the capacity is left to the cache.
func (c Cache) Options() []cache.Option {
	if c.Capacity == 0 {
		return nil
	}
	return []cache.Option{cache.WithCapacity(c.Capacity)}
}

// Generator builds the image generator of the configured source, nil without a source.
func (g Generate) Generator() (*generator.ImageGenerator, error) {
	if g.Source == "" {
		return nil, nil
	}
	f, err := os.Open(g.Source)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", g.Source, err)
	}
	return generator.NewImageGenerator(img, geom.Extent(g.SourceExtent),
		generator.WithFallbackFormat(g.Format), generator.WithQuality(g.Quality))
}

// Template resolves the tile matrix set of the pyramid.
func (p Pyramid) Template() (*pyramid.PyramidTemplate, error) {
	var (
		tms tms20.TileMatrixSet
		err error
	)
	if p.TileMatrixSetFile != "" {
		tms, err = tms20.LoadJSONTileMatrixSet(p.TileMatrixSetFile)
	} else {
		tms, err = tms20.LoadEmbeddedTileMatrixSet(p.TileMatrixSet)
	}
	if err != nil {
		return nil, err
	}
	format, err := codec.Normalize(p.Format)
	if err != nil {
		return nil, err
	}
	return tms.Template(p.ID, format, p.Levels...)
}
