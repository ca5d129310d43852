package store

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/pdok/tilepyramid/codec"
	"github.com/pdok/tilepyramid/mapslicehelp"
	"github.com/pdok/tilepyramid/pyramid"
)

// shared is what pyramids and mosaics need from their resource. It does not
// own the resource; source is only carried along as the origin of events.
type shared struct {
	backend          Backend
	listeners        *pyramid.Listeners
	source           pyramid.Resource
	readOnly         bool
	writeConcurrency int
	verbose          bool
}

func (s *shared) fire(e pyramid.Event) {
	e.Source = s.source
	s.listeners.Fire(e)
}

func (s *shared) logf(format string, v ...any) {
	if s.verbose {
		log.Printf(format, v...)
	}
}

// Resource is a pyramid.Resource persisted by a Backend.
type Resource struct {
	shared
	registry pyramid.Listeners

	mu       sync.RWMutex
	pyramids *orderedmap.OrderedMap[string, *Pyramid]
}

type Option func(*Resource)

// ReadOnly makes every mutation fail with pyramid.ErrUnsupported.
func ReadOnly() Option {
	return func(r *Resource) {
		r.readOnly = true
	}
}

// WithWriteConcurrency bounds the number of parallel tile writes per WriteTiles call.
func WithWriteConcurrency(n int) Option {
	return func(r *Resource) {
		if n > 0 {
			r.writeConcurrency = n
		}
	}
}

// Verbose logs structural changes.
func Verbose() Option {
	return func(r *Resource) {
		r.verbose = true
	}
}

// Open loads the structure persisted in backend. The resource takes ownership
// of the backend: Close closes it.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Resource, error) {
	r := &Resource{pyramids: orderedmap.New[string, *Pyramid]()}
	r.shared = shared{
		backend:          backend,
		listeners:        &r.registry,
		source:           r,
		writeConcurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(r)
	}

	defs, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading structure: %w", pyramid.ErrStorage, err)
	}
	for _, def := range defs {
		template, err := def.Template()
		if err != nil {
			return nil, fmt.Errorf("loading pyramid %q: %w", def.ID, err)
		}
		r.pyramids.Set(def.ID, newPyramid(template, &r.shared))
	}
	r.logf("opened store with %d pyramids", len(defs))
	return r, nil
}

func (r *Resource) Models() []pyramid.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	models := make([]pyramid.Model, 0, r.pyramids.Len())
	for _, p := range mapslicehelp.OrderedMapValues(r.pyramids) {
		models = append(models, p)
	}
	return models
}

func (r *Resource) Model(id string) (pyramid.Model, bool) {
	p, ok := r.Pyramid(id)
	if !ok {
		return nil, false
	}
	return p, true
}

// Pyramid is Model without the type switch.
func (r *Resource) Pyramid(id string) (*Pyramid, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pyramids.Get(id)
}

func (r *Resource) CreateModel(ctx context.Context, model pyramid.Model) (pyramid.Model, error) {
	if r.readOnly {
		return nil, fmt.Errorf("%w: resource is read-only", pyramid.ErrUnsupported)
	}
	template, err := pyramid.TemplateFromModel(model)
	if err != nil {
		return nil, err
	}
	template, err = normalizeTemplate(template)
	if err != nil {
		return nil, err
	}
	if err = template.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.pyramids.Get(template.Identifier); exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: model %q already exists", pyramid.ErrConfiguration, template.Identifier)
	}
	if err = r.backend.SavePyramid(ctx, pyramidDefOf(template)); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: saving pyramid %q: %w", pyramid.ErrStorage, template.Identifier, err)
	}
	p := newPyramid(template, &r.shared)
	r.pyramids.Set(template.Identifier, p)
	r.mu.Unlock()

	r.logf("created pyramid %s with %d mosaics", p.ID(), len(template.Mosaics))
	r.fire(pyramid.Event{Kind: pyramid.ModelAdded, Pyramid: p.ID()})
	return p, nil
}

func (r *Resource) RemoveModel(ctx context.Context, id string) error {
	if r.readOnly {
		return fmt.Errorf("%w: resource is read-only", pyramid.ErrUnsupported)
	}
	r.mu.Lock()
	p, ok := r.pyramids.Get(id)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: model %q", pyramid.ErrNotFound, id)
	}
	p.mu.Lock()
	mosaics := mapslicehelp.SortedMapValues[*Mosaic](p.mosaics)
	for _, m := range mosaics {
		m.mu.Lock()
	}
	err := r.backend.DeletePyramid(ctx, id)
	if err == nil {
		p.removed = true
		r.pyramids.Delete(id)
	}
	for _, m := range mosaics {
		if err == nil {
			m.markRemoved()
		}
		m.mu.Unlock()
	}
	p.mu.Unlock()
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: removing pyramid %q: %w", pyramid.ErrStorage, id, err)
	}

	r.logf("removed pyramid %s", id)
	r.fire(pyramid.Event{Kind: pyramid.ModelRemoved, Pyramid: id})
	return nil
}

func (r *Resource) Subscribe(l pyramid.Listener) func() {
	return r.registry.Subscribe(l)
}

func (r *Resource) ReadOnly() bool {
	return r.readOnly
}

// Close closes the backend.
func (r *Resource) Close() error {
	return r.backend.Close()
}

// normalizeTemplate returns a copy of t with canonical format names.
func normalizeTemplate(t *pyramid.PyramidTemplate) (*pyramid.PyramidTemplate, error) {
	c := *t
	c.Mosaics = make([]pyramid.MosaicTemplate, len(t.Mosaics))
	for i, m := range t.Mosaics {
		format, err := codec.Normalize(m.Format)
		if err != nil {
			return nil, fmt.Errorf("%w: mosaic %q: %w", pyramid.ErrConfiguration, m.Identifier, err)
		}
		m.Format = format
		c.Mosaics[i] = m
	}
	return &c, nil
}
