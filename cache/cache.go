// Package cache wraps a pyramid.Resource with a structural cache and a bounded tile cache.
//
// The structural cache mirrors the models and mosaics of the wrapped resource and
// is dropped as a whole on any structural event. The tile cache keeps the most
// recently used tiles and forgets a tile when the wrapped resource reports that
// it changed. Events of the wrapped resource are re-fired to the listeners of the
// cache unchanged.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-spatial/geom"
	"github.com/karlseguin/ccache/v3"

	"github.com/pdok/tilepyramid/pyramid"
)

const (
	DefaultCapacity = 4096
	// cached tiles are only dropped by eviction or invalidation
	tileTTL = 100 * 365 * 24 * time.Hour
)

type Resource struct {
	base        pyramid.Resource
	tiles       *ccache.Cache[*pyramid.Tile]
	listeners   pyramid.Listeners
	unsubscribe func()

	mu        sync.RWMutex
	snapshot  *snapshot
	structGen uint64
	// contentGen changes on every content event, so reads racing a write don't cache stale tiles.
	// contentMu makes comparing it and storing a tile atomic with respect to invalidation.
	contentMu  sync.Mutex
	contentGen atomic.Uint64
	// beforeStore runs with contentMu held, right before a read tile is stored
	beforeStore func()

	hits, misses atomic.Int64
}

type snapshot struct {
	models []pyramid.Model
	byID   map[string]pyramid.Model
}

type Option func(*Resource)

// WithCapacity bounds the number of cached tiles.
func WithCapacity(n int64) Option {
	return func(r *Resource) {
		if n > 0 {
			r.tiles = ccache.New(ccache.Configure[*pyramid.Tile]().
				MaxSize(n).
				ItemsToPrune(uint32(max(1, n/16))).
				GetsPerPromote(1))
		}
	}
}

// New subscribes to base; Close unsubscribes again. The cache does not own base.
func New(base pyramid.Resource, opts ...Option) *Resource {
	r := &Resource{base: base}
	for _, opt := range opts {
		opt(r)
	}
	if r.tiles == nil {
		WithCapacity(DefaultCapacity)(r)
	}
	r.unsubscribe = base.Subscribe(pyramid.ListenerFunc(r.onEvent))
	return r
}

func (r *Resource) onEvent(e pyramid.Event) {
	switch e.Kind {
	case pyramid.ModelAdded, pyramid.MosaicAdded:
		r.invalidateStructure()
	case pyramid.ModelRemoved:
		r.invalidateStructure()
		r.invalidateTiles(pyramid.PyramidPrefix(e.Pyramid))
	case pyramid.MosaicRemoved:
		r.invalidateStructure()
		r.invalidateTiles(pyramid.MosaicPrefix(e.Pyramid, e.Mosaic))
	case pyramid.TilesChanged:
		if len(e.Keys) == 0 {
			r.invalidateTiles(pyramid.MosaicPrefix(e.Pyramid, e.Mosaic))
			break
		}
		prefixes := make([]string, len(e.Keys))
		for i, key := range e.Keys {
			prefixes[i] = tilePrefix(key)
		}
		r.invalidateTiles(prefixes...)
	}
	r.listeners.Fire(e)
}

func (r *Resource) invalidateTiles(prefixes ...string) {
	r.contentMu.Lock()
	defer r.contentMu.Unlock()
	r.contentGen.Add(1)
	for _, prefix := range prefixes {
		r.tiles.DeletePrefix(prefix)
	}
}

func (r *Resource) invalidateStructure() {
	r.mu.Lock()
	r.snapshot = nil
	r.structGen++
	r.mu.Unlock()
}

func (r *Resource) structure() *snapshot {
	r.mu.RLock()
	s, gen := r.snapshot, r.structGen
	r.mu.RUnlock()
	if s != nil {
		return s
	}

	models := r.base.Models()
	s = &snapshot{models: make([]pyramid.Model, len(models)), byID: make(map[string]pyramid.Model, len(models))}
	for i, model := range models {
		if p, ok := model.(pyramid.Pyramid); ok {
			model = r.mirror(p)
		}
		s.models[i] = model
		s.byID[model.ID()] = model
	}

	r.mu.Lock()
	// an invalidation while building means s may already be stale
	if r.structGen == gen {
		r.snapshot = s
	}
	r.mu.Unlock()
	return s
}

func (r *Resource) Models() []pyramid.Model {
	models := r.structure().models
	return append(make([]pyramid.Model, 0, len(models)), models...)
}

func (r *Resource) Model(id string) (pyramid.Model, bool) {
	m, ok := r.structure().byID[id]
	return m, ok
}

func (r *Resource) CreateModel(ctx context.Context, template pyramid.Model) (pyramid.Model, error) {
	model, err := r.base.CreateModel(ctx, template)
	if err != nil {
		return nil, err
	}
	if p, ok := model.(pyramid.Pyramid); ok {
		return r.mirror(p), nil
	}
	return model, nil
}

func (r *Resource) RemoveModel(ctx context.Context, id string) error {
	return r.base.RemoveModel(ctx, id)
}

func (r *Resource) Subscribe(l pyramid.Listener) func() {
	return r.listeners.Subscribe(l)
}

// Stats returns the number of tile cache hits and misses.
func (r *Resource) Stats() (hits, misses int64) {
	return r.hits.Load(), r.misses.Load()
}

// Close stops listening to the wrapped resource and drops all cached tiles.
func (r *Resource) Close() error {
	r.unsubscribe()
	r.tiles.Clear()
	r.tiles.Stop()
	return nil
}

func tilePrefix(key pyramid.TileKey) string {
	return key.String() + "#"
}

func (r *Resource) tile(ctx context.Context, m pyramid.Mosaic, key pyramid.TileKey, hints pyramid.Hints) (*pyramid.Tile, error) {
	cacheKey := tilePrefix(key) + hints.Format()
	if item := r.tiles.Get(cacheKey); item != nil && !item.Expired() {
		r.hits.Add(1)
		return item.Value().Clone(), nil
	}
	r.misses.Add(1)

	gen := r.contentGen.Load()
	tile, err := m.Tile(ctx, key.Col, key.Row, hints)
	if err != nil || tile == nil {
		return tile, err
	}
	r.contentMu.Lock()
	defer r.contentMu.Unlock()
	if r.contentGen.Load() == gen {
		if r.beforeStore != nil {
			r.beforeStore()
		}
		r.tiles.Set(cacheKey, tile.Clone(), tileTTL)
	}
	return tile, nil
}

// Pyramid is a snapshot of a pyramid of the wrapped resource. Mutations are delegated.
type Pyramid struct {
	base    pyramid.Pyramid
	owner   *Resource
	mosaics []pyramid.Mosaic
	scales  []float64
}

func (r *Resource) mirror(p pyramid.Pyramid) *Pyramid {
	c := &Pyramid{base: p, owner: r}
	for _, m := range p.Mosaics() {
		c.mosaics = append(c.mosaics, &Mosaic{Mosaic: m, pyramid: c})
	}
	c.scales = pyramid.Scales(c.mosaics)
	return c
}

func (p *Pyramid) ID() string       { return p.base.ID() }
func (p *Pyramid) CRS() pyramid.CRS { return p.base.CRS() }

func (p *Pyramid) Mosaics() []pyramid.Mosaic {
	return append(make([]pyramid.Mosaic, 0, len(p.mosaics)), p.mosaics...)
}

func (p *Pyramid) Mosaic(id string) (pyramid.Mosaic, bool) {
	for _, m := range p.mosaics {
		if m.ID() == id {
			return m, true
		}
	}
	return nil, false
}

func (p *Pyramid) Scales() []float64 {
	return append(make([]float64, 0, len(p.scales)), p.scales...)
}

func (p *Pyramid) MosaicsAt(level int) []pyramid.Mosaic {
	return pyramid.MosaicsAt(p.mosaics, level)
}

func (p *Pyramid) Envelope() (geom.Extent, bool) {
	return pyramid.UnionEnvelope(p.mosaics)
}

func (p *Pyramid) CreateMosaic(ctx context.Context, t pyramid.MosaicTemplate) (pyramid.Mosaic, error) {
	m, err := p.base.CreateMosaic(ctx, t)
	if err != nil {
		return nil, err
	}
	return &Mosaic{Mosaic: m, pyramid: p}, nil
}

func (p *Pyramid) DeleteMosaic(ctx context.Context, id string) error {
	return p.base.DeleteMosaic(ctx, id)
}

// Mosaic serves tile reads from the tile cache.
type Mosaic struct {
	pyramid.Mosaic
	pyramid *Pyramid
}

func (m *Mosaic) Tile(ctx context.Context, col, row int64, hints pyramid.Hints) (*pyramid.Tile, error) {
	if err := pyramid.CheckBounds(m, col, row); err != nil {
		return nil, err
	}
	key := pyramid.TileKey{Pyramid: m.pyramid.ID(), Mosaic: m.ID(), Col: col, Row: row}
	return m.pyramid.owner.tile(ctx, m.Mosaic, key, hints)
}

// Unwrap returns the mosaic of the base resource.
func (m *Mosaic) Unwrap() pyramid.Mosaic {
	return m.Mosaic
}
