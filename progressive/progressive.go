// Package progressive wraps a pyramid.Resource so tiles are generated on demand.
//
// A read of a missing tile asks the Generator for it, writes the result into the
// base resource and returns it. Generate materializes a region ahead of time and
// Clear throws generated tiles away again.
package progressive

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/go-spatial/geom"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pdok/tilepyramid/intgeom"
	"github.com/pdok/tilepyramid/mapslicehelp"
	"github.com/pdok/tilepyramid/morton"
	"github.com/pdok/tilepyramid/pyramid"
)

// Request describes a tile to generate.
type Request struct {
	Pyramid  string
	Mosaic   string
	CRS      pyramid.CRS
	Col      int64
	Row      int64
	Envelope geom.Extent
	Scale    float64
	TileSize pyramid.Dimension
	// Format is the declared format of the mosaic, "" for opaque payloads.
	Format string
}

// Generator produces tiles. A nil tile without error means there is nothing to
// generate for the request; the cell stays missing.
type Generator interface {
	Generate(ctx context.Context, req Request) (*pyramid.Tile, error)
}

type GeneratorFunc func(ctx context.Context, req Request) (*pyramid.Tile, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*pyramid.Tile, error) {
	return f(ctx, req)
}

// Resource decorates a base resource with a Generator. It does not own the base.
type Resource struct {
	base        pyramid.Resource
	generator   Generator
	concurrency int
	inflight    singleflight.Group
	generated   atomic.Int64
}

type Option func(*Resource)

// WithConcurrency bounds the number of parallel generations of Generate.
func WithConcurrency(n int) Option {
	return func(r *Resource) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func New(base pyramid.Resource, generator Generator, opts ...Option) *Resource {
	r := &Resource{base: base, generator: generator, concurrency: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Generated counts the tiles this resource generated and stored.
func (r *Resource) Generated() int64 {
	return r.generated.Load()
}

func (r *Resource) wrap(model pyramid.Model) pyramid.Model {
	switch m := model.(type) {
	case pyramid.Pyramid:
		return &Pyramid{Pyramid: m, owner: r}
	default:
		return model
	}
}

func (r *Resource) Models() []pyramid.Model {
	models := r.base.Models()
	wrapped := make([]pyramid.Model, len(models))
	for i, m := range models {
		wrapped[i] = r.wrap(m)
	}
	return wrapped
}

func (r *Resource) Model(id string) (pyramid.Model, bool) {
	m, ok := r.base.Model(id)
	if !ok {
		return nil, false
	}
	return r.wrap(m), true
}

func (r *Resource) CreateModel(ctx context.Context, template pyramid.Model) (pyramid.Model, error) {
	if p, ok := template.(*Pyramid); ok {
		template = p.Pyramid
	}
	m, err := r.base.CreateModel(ctx, template)
	if err != nil {
		return nil, err
	}
	return r.wrap(m), nil
}

func (r *Resource) RemoveModel(ctx context.Context, id string) error {
	return r.base.RemoveModel(ctx, id)
}

// Subscribe registers l with the base resource, whose events describe every change.
func (r *Resource) Subscribe(l pyramid.Listener) func() {
	return r.base.Subscribe(l)
}

// ensure makes sure the tile at (col, row) exists in the base mosaic, generating
// it when needed. At most one generation per tile runs at a time; concurrent
// callers share its outcome. It reports whether the tile exists afterwards.
func (r *Resource) ensure(ctx context.Context, p pyramid.Pyramid, m pyramid.Mosaic, col, row int64) (bool, error) {
	key := pyramid.TileKey{Pyramid: p.ID(), Mosaic: m.ID(), Col: col, Row: row}
	exists, err, _ := r.inflight.Do(key.String(), func() (interface{}, error) {
		missing, err := m.IsMissing(ctx, col, row)
		if err != nil || !missing {
			return !missing, err
		}
		req := Request{
			Pyramid:  p.ID(),
			Mosaic:   m.ID(),
			CRS:      p.CRS(),
			Col:      col,
			Row:      row,
			Envelope: pyramid.TileEnvelope(m, col, row),
			Scale:    m.Scale(),
			TileSize: m.TileSize(),
			Format:   m.Format(),
		}
		tile, err := r.generator.Generate(ctx, req)
		if err != nil {
			return false, fmt.Errorf("%w: %v: %w", pyramid.ErrGeneration, key, err)
		}
		if tile == nil {
			return false, nil
		}
		// a cancelled generation must not publish a partial tile
		if err = ctx.Err(); err != nil {
			return false, err
		}
		tile.Col, tile.Row = col, row
		if err = pyramid.WriteTile(ctx, m, *tile); err != nil {
			return false, err
		}
		r.generated.Add(1)
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return exists.(bool), nil
}

type job struct {
	pyramid pyramid.Pyramid
	mosaic  pyramid.Mosaic
	cells   intgeom.Extent
}

// jobs lists the cells of every mosaic in scales intersecting envelope, coarsest mosaics first.
func (r *Resource) jobs(envelope geom.Extent, scales pyramid.ScaleRange) (jobs []job, total int64) {
	for _, p := range pyramid.Pyramids(r.base) {
		for _, m := range mapslicehelp.ReverseClone(p.Mosaics()) {
			if !scales.Contains(m.Scale()) {
				continue
			}
			cells, ok := pyramid.TileRange(m, envelope)
			if !ok {
				continue
			}
			jobs = append(jobs, job{pyramid: p, mosaic: m, cells: cells})
			total += cells.Area()
		}
	}
	return jobs, total
}

// Generate generates every missing tile covering envelope in every mosaic with a
// scale in scales. The first failure cancels the remaining work and is returned
// and reported to listener. Tiles generated before stay in place.
func (r *Resource) Generate(ctx context.Context, envelope geom.Extent, scales pyramid.ScaleRange, listener pyramid.ProgressListener) (err error) {
	listener = pyramid.OrNop(listener)
	jobs, total := r.jobs(envelope, scales)
	listener.Started(total)
	defer func() { listener.Finished(err) }()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	var done atomic.Int64
	for _, j := range jobs {
		morton.Walk(j.cells, func(cell intgeom.Point) bool {
			if gctx.Err() != nil {
				return false
			}
			g.Go(func() error {
				if _, err := r.ensure(gctx, j.pyramid, j.mosaic, cell.X(), cell.Y()); err != nil {
					return err
				}
				listener.Progressed(done.Add(1), total)
				return nil
			})
			return true
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return fmt.Errorf("generation cancelled: %w", err)
	}
	return nil
}

// Clear deletes the tiles covering envelope in every mosaic with a scale in scales.
func (r *Resource) Clear(ctx context.Context, envelope geom.Extent, scales pyramid.ScaleRange) error {
	jobs, _ := r.jobs(envelope, scales)
	var err error
	for _, j := range jobs {
		morton.Walk(j.cells, func(cell intgeom.Point) bool {
			if err = ctx.Err(); err != nil {
				return false
			}
			err = j.mosaic.DeleteTile(ctx, cell.X(), cell.Y())
			return err == nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Pyramid routes tile reads of its mosaics through the generator.
type Pyramid struct {
	pyramid.Pyramid
	owner *Resource
}

func (p *Pyramid) wrap(m pyramid.Mosaic) pyramid.Mosaic {
	return &Mosaic{Mosaic: m, pyramid: p}
}

func (p *Pyramid) wrapAll(mosaics []pyramid.Mosaic) []pyramid.Mosaic {
	wrapped := make([]pyramid.Mosaic, len(mosaics))
	for i, m := range mosaics {
		wrapped[i] = p.wrap(m)
	}
	return wrapped
}

func (p *Pyramid) Mosaics() []pyramid.Mosaic {
	return p.wrapAll(p.Pyramid.Mosaics())
}

func (p *Pyramid) Mosaic(id string) (pyramid.Mosaic, bool) {
	m, ok := p.Pyramid.Mosaic(id)
	if !ok {
		return nil, false
	}
	return p.wrap(m), true
}

func (p *Pyramid) MosaicsAt(level int) []pyramid.Mosaic {
	return p.wrapAll(p.Pyramid.MosaicsAt(level))
}

func (p *Pyramid) CreateMosaic(ctx context.Context, t pyramid.MosaicTemplate) (pyramid.Mosaic, error) {
	m, err := p.Pyramid.CreateMosaic(ctx, t)
	if err != nil {
		return nil, err
	}
	return p.wrap(m), nil
}

// Mosaic generates missing tiles on read. IsMissing still reports what the base holds.
type Mosaic struct {
	pyramid.Mosaic
	pyramid *Pyramid
}

func (m *Mosaic) Tile(ctx context.Context, col, row int64, hints pyramid.Hints) (*pyramid.Tile, error) {
	tile, err := m.Mosaic.Tile(ctx, col, row, hints)
	if err != nil || tile != nil {
		return tile, err
	}
	exists, err := m.pyramid.owner.ensure(ctx, m.pyramid.Pyramid, m.Mosaic, col, row)
	if err != nil || !exists {
		return nil, err
	}
	return m.Mosaic.Tile(ctx, col, row, hints)
}

// DataExtent covers the stored tiles only. The base is not exposed to
// pyramid.HasTiles, as an empty base can still generate every tile.
func (m *Mosaic) DataExtent(ctx context.Context) (intgeom.Extent, error) {
	return m.Mosaic.DataExtent(ctx)
}
