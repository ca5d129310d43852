package store

import (
	"context"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/exp/maps"

	"github.com/pdok/tilepyramid/mapslicehelp"
	"github.com/pdok/tilepyramid/pyramid"
)

type memoryBackend struct {
	mu    sync.RWMutex
	defs  *orderedmap.OrderedMap[string, PyramidDef]
	tiles map[string][]byte
}

// NewMemoryBackend keeps structure and tiles in process memory.
func NewMemoryBackend() Backend {
	return &memoryBackend{
		defs:  orderedmap.New[string, PyramidDef](),
		tiles: make(map[string][]byte),
	}
}

func (b *memoryBackend) Load(context.Context) ([]PyramidDef, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return mapslicehelp.OrderedMapValues(b.defs), nil
}

func (b *memoryBackend) SavePyramid(_ context.Context, def PyramidDef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	def.Mosaics = append([]MosaicDef(nil), def.Mosaics...)
	b.defs.Set(def.ID, def)
	return nil
}

func (b *memoryBackend) DeletePyramid(_ context.Context, pyramidID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.defs.Delete(pyramidID)
	b.deletePrefix(pyramid.PyramidPrefix(pyramidID))
	return nil
}

func (b *memoryBackend) DeleteMosaic(_ context.Context, pyramidID, mosaicID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletePrefix(pyramid.MosaicPrefix(pyramidID, mosaicID))
	return nil
}

func (b *memoryBackend) deletePrefix(prefix string) {
	for _, k := range maps.Keys(b.tiles) {
		if strings.HasPrefix(k, prefix) {
			delete(b.tiles, k)
		}
	}
}

func (b *memoryBackend) HasTiles(_ context.Context, pyramidID, mosaicID string) (bool, error) {
	prefix := pyramid.MosaicPrefix(pyramidID, mosaicID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for k := range b.tiles {
		if strings.HasPrefix(k, prefix) {
			return true, nil
		}
	}
	return false, nil
}

func (b *memoryBackend) HasTile(_ context.Context, key pyramid.TileKey) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.tiles[key.String()]
	return ok, nil
}

func (b *memoryBackend) ReadTile(_ context.Context, key pyramid.TileKey) ([]byte, error) {
	b.mu.RLock()
	data, ok := b.tiles[key.String()]
	b.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	// stored slices are never mutated, a copy protects them from the caller
	return append(make([]byte, 0, len(data)), data...), nil
}

func (b *memoryBackend) WriteTile(_ context.Context, key pyramid.TileKey, data []byte) error {
	stored := append(make([]byte, 0, len(data)), data...)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tiles[key.String()] = stored
	return nil
}

func (b *memoryBackend) DeleteTile(_ context.Context, key pyramid.TileKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tiles, key.String())
	return nil
}

func (b *memoryBackend) Close() error {
	return nil
}
