package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/pdok/tilepyramid/codec"
	"github.com/pdok/tilepyramid/pyramid"
)

const (
	structureFile = "pyramid.yaml"
	tmpPrefix     = ".tmp-"
)

// fsBackend lays tiles out as {root}/{pyramid}/{mosaic}/{col}/{row}.{ext}, next
// to a {root}/{pyramid}/pyramid.yaml holding the structure.
type fsBackend struct {
	fs   afero.Fs
	root string

	mu sync.RWMutex
	// file extensions per mosaic prefix
	extensions map[string]string
}

// NewFSBackend stores pyramids below root on fsys, e.g. afero.NewOsFs() or afero.NewMemMapFs().
func NewFSBackend(fsys afero.Fs, root string) (Backend, error) {
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %w", pyramid.ErrStorage, root, err)
	}
	return &fsBackend{fs: fsys, root: root, extensions: make(map[string]string)}, nil
}

func (b *fsBackend) pyramidDir(pyramidID string) string {
	return path.Join(b.root, url.PathEscape(pyramidID))
}

func (b *fsBackend) mosaicDir(pyramidID, mosaicID string) string {
	return path.Join(b.pyramidDir(pyramidID), url.PathEscape(mosaicID))
}

func (b *fsBackend) tilePath(key pyramid.TileKey) string {
	b.mu.RLock()
	ext := b.extensions[pyramid.MosaicPrefix(key.Pyramid, key.Mosaic)]
	b.mu.RUnlock()
	return path.Join(b.mosaicDir(key.Pyramid, key.Mosaic), strconv.FormatInt(key.Col, 10), strconv.FormatInt(key.Row, 10)+ext)
}

func (b *fsBackend) remember(def PyramidDef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range def.Mosaics {
		b.extensions[pyramid.MosaicPrefix(def.ID, m.ID)] = codec.Extension(m.Format)
	}
}

// Load reads every {root}/*/pyramid.yaml. Pyramids come back ordered by identifier.
func (b *fsBackend) Load(ctx context.Context) ([]PyramidDef, error) {
	entries, err := afero.ReadDir(b.fs, b.root)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %w", pyramid.ErrStorage, b.root, err)
	}
	var defs []PyramidDef
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		file := path.Join(b.root, entry.Name(), structureFile)
		raw, err := afero.ReadFile(b.fs, file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %w", pyramid.ErrStorage, file, err)
		}
		var def PyramidDef
		if err = yaml.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %w", pyramid.ErrConfiguration, file, err)
		}
		b.remember(def)
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

func (b *fsBackend) SavePyramid(_ context.Context, def PyramidDef) error {
	raw, err := yaml.Marshal(def)
	if err != nil {
		return err
	}
	if err = b.writeAtomic(path.Join(b.pyramidDir(def.ID), structureFile), raw); err != nil {
		return err
	}
	b.remember(def)
	return nil
}

func (b *fsBackend) DeletePyramid(_ context.Context, pyramidID string) error {
	if err := b.fs.RemoveAll(b.pyramidDir(pyramidID)); err != nil {
		return fmt.Errorf("%w: removing pyramid %s: %w", pyramid.ErrStorage, pyramidID, err)
	}
	return nil
}

func (b *fsBackend) DeleteMosaic(_ context.Context, pyramidID, mosaicID string) error {
	if err := b.fs.RemoveAll(b.mosaicDir(pyramidID, mosaicID)); err != nil {
		return fmt.Errorf("%w: removing mosaic %s/%s: %w", pyramid.ErrStorage, pyramidID, mosaicID, err)
	}
	return nil
}

var errTileFound = errors.New("tile found")

// HasTiles walks the mosaic directory until the first tile file.
func (b *fsBackend) HasTiles(ctx context.Context, pyramidID, mosaicID string) (bool, error) {
	err := afero.Walk(b.fs, b.mosaicDir(pyramidID, mosaicID), func(_ string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !info.IsDir() && !strings.HasPrefix(info.Name(), tmpPrefix) {
			return errTileFound
		}
		return nil
	})
	if errors.Is(err, errTileFound) {
		return true, nil
	}
	return false, err
}

func (b *fsBackend) HasTile(_ context.Context, key pyramid.TileKey) (bool, error) {
	return afero.Exists(b.fs, b.tilePath(key))
}

func (b *fsBackend) ReadTile(_ context.Context, key pyramid.TileKey) ([]byte, error) {
	data, err := afero.ReadFile(b.fs, b.tilePath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (b *fsBackend) WriteTile(_ context.Context, key pyramid.TileKey, data []byte) error {
	return b.writeAtomic(b.tilePath(key), data)
}

func (b *fsBackend) DeleteTile(_ context.Context, key pyramid.TileKey) error {
	err := b.fs.Remove(b.tilePath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// writeAtomic writes to a temporary file in the target directory and renames it into place.
func (b *fsBackend) writeAtomic(file string, data []byte) error {
	dir := path.Dir(file)
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := afero.TempFile(b.fs, dir, tmpPrefix+"*")
	if err != nil {
		return err
	}
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = b.fs.Rename(tmp.Name(), file)
	}
	if err != nil {
		_ = b.fs.Remove(tmp.Name())
	}
	return err
}

func (b *fsBackend) Close() error {
	return nil
}
