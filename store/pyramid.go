package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/go-spatial/geom"
	"github.com/umpc/go-sortedmap"

	"github.com/pdok/tilepyramid/codec"
	"github.com/pdok/tilepyramid/mapslicehelp"
	"github.com/pdok/tilepyramid/pyramid"
)

// Pyramid is a pyramid.Pyramid stored in a Resource.
type Pyramid struct {
	id  string
	crs pyramid.CRS
	env *shared

	mu sync.RWMutex
	// mosaic id -> *Mosaic, sorted by scale, then id
	mosaics *sortedmap.SortedMap
	removed bool
}

func byScaleThenID(i, j interface{}) bool {
	a, b := i.(*Mosaic), j.(*Mosaic)
	if a.scale != b.scale {
		return a.scale < b.scale
	}
	return a.id < b.id
}

func newPyramid(t *pyramid.PyramidTemplate, env *shared) *Pyramid {
	p := &Pyramid{
		id:      t.Identifier,
		crs:     t.CRS,
		env:     env,
		mosaics: sortedmap.New(len(t.Mosaics), byScaleThenID),
	}
	for _, mt := range t.Mosaics {
		p.mosaics.Insert(mt.Identifier, newMosaic(p.id, mt, env))
	}
	return p
}

func (p *Pyramid) ID() string {
	return p.id
}

func (p *Pyramid) CRS() pyramid.CRS {
	return p.crs
}

func (p *Pyramid) Mosaics() []pyramid.Mosaic {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return mapslicehelp.SortedMapValues[pyramid.Mosaic](p.mosaics)
}

func (p *Pyramid) Mosaic(id string) (pyramid.Mosaic, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.mosaics.Get(id)
	if !ok {
		return nil, false
	}
	return m.(*Mosaic), true
}

func (p *Pyramid) Scales() []float64 {
	return pyramid.Scales(p.Mosaics())
}

func (p *Pyramid) MosaicsAt(level int) []pyramid.Mosaic {
	return pyramid.MosaicsAt(p.Mosaics(), level)
}

func (p *Pyramid) Envelope() (geom.Extent, bool) {
	return pyramid.UnionEnvelope(p.Mosaics())
}

func (p *Pyramid) CreateMosaic(ctx context.Context, t pyramid.MosaicTemplate) (pyramid.Mosaic, error) {
	if p.env.readOnly {
		return nil, fmt.Errorf("%w: pyramid %q is read-only", pyramid.ErrUnsupported, p.id)
	}
	format, err := codec.Normalize(t.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: mosaic %q: %w", pyramid.ErrConfiguration, t.Identifier, err)
	}
	t.Format = format
	if err = t.Validate(p.crs); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.removed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: pyramid %q was removed", pyramid.ErrNotFound, p.id)
	}
	if p.mosaics.Has(t.Identifier) {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: mosaic %q already exists in pyramid %q", pyramid.ErrConfiguration, t.Identifier, p.id)
	}
	m := newMosaic(p.id, t, p.env)
	def := p.defLocked()
	def.Mosaics = append(def.Mosaics, mosaicDefOf(t))
	if err = p.env.backend.SavePyramid(ctx, def); err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: saving pyramid %q: %w", pyramid.ErrStorage, p.id, err)
	}
	p.mosaics.Insert(t.Identifier, m)
	p.mu.Unlock()

	p.env.logf("created mosaic %s/%s", p.id, m.id)
	p.env.fire(pyramid.Event{Kind: pyramid.MosaicAdded, Pyramid: p.id, Mosaic: m.id})
	return m, nil
}

func (p *Pyramid) DeleteMosaic(ctx context.Context, id string) error {
	if p.env.readOnly {
		return fmt.Errorf("%w: pyramid %q is read-only", pyramid.ErrUnsupported, p.id)
	}
	p.mu.Lock()
	if p.removed || !p.mosaics.Has(id) {
		p.mu.Unlock()
		return fmt.Errorf("%w: mosaic %q in pyramid %q", pyramid.ErrNotFound, id, p.id)
	}
	mv, _ := p.mosaics.Get(id)
	m := mv.(*Mosaic)
	def := p.defLocked()
	def.Mosaics = slices.DeleteFunc(def.Mosaics, func(m MosaicDef) bool { return m.ID == id })
	err := p.env.backend.SavePyramid(ctx, def)
	if err == nil {
		p.mosaics.Delete(id)
		// handles still held by callers must not write into a recreated mosaic
		m.mu.Lock()
		m.markRemoved()
		err = p.env.backend.DeleteMosaic(ctx, p.id, id)
		m.mu.Unlock()
	}
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: deleting mosaic %q of pyramid %q: %w", pyramid.ErrStorage, id, p.id, err)
	}

	p.env.logf("deleted mosaic %s/%s", p.id, id)
	p.env.fire(pyramid.Event{Kind: pyramid.MosaicRemoved, Pyramid: p.id, Mosaic: id})
	return nil
}

// defLocked captures the current structure. p.mu must be held.
func (p *Pyramid) defLocked() PyramidDef {
	def := PyramidDef{ID: p.id, CRS: p.crs.String()}
	for _, m := range mapslicehelp.SortedMapValues[*Mosaic](p.mosaics) {
		def.Mosaics = append(def.Mosaics, m.def())
	}
	return def
}
