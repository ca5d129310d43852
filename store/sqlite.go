package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver

	"github.com/pdok/tilepyramid/pyramid"
)

// The tables follow the naming of the GeoPackage tile tables, but a single
// tiles table holds the tiles of every tile matrix set.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tile_matrix_set (
	id TEXT NOT NULL PRIMARY KEY,
	seq INTEGER NOT NULL,
	crs TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tile_matrix (
	tile_matrix_set TEXT NOT NULL,
	id TEXT NOT NULL,
	min_x REAL NOT NULL,
	max_y REAL NOT NULL,
	matrix_width INTEGER NOT NULL,
	matrix_height INTEGER NOT NULL,
	tile_width INTEGER NOT NULL,
	tile_height INTEGER NOT NULL,
	pixel_size REAL NOT NULL,
	format TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tile_matrix_set, id)
);
CREATE TABLE IF NOT EXISTS tiles (
	tile_matrix_set TEXT NOT NULL,
	tile_matrix TEXT NOT NULL,
	tile_column INTEGER NOT NULL,
	tile_row INTEGER NOT NULL,
	tile_data BLOB NOT NULL,
	PRIMARY KEY (tile_matrix_set, tile_matrix, tile_column, tile_row)
);`

type sqliteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite tile store at path.
func OpenSQLite(ctx context.Context, path string) (Backend, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", pyramid.ErrStorage, path, err)
	}
	// one connection serializes writers, sqlite allows a single one anyway
	db.SetMaxOpenConns(1)
	if _, err = db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: initializing %s: %w", pyramid.ErrStorage, path, err)
	}
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Load(ctx context.Context) ([]PyramidDef, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, crs FROM tile_matrix_set ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	var defs []PyramidDef
	for rows.Next() {
		var def PyramidDef
		if err = rows.Scan(&def.ID, &def.CRS); err != nil {
			_ = rows.Close()
			return nil, err
		}
		defs = append(defs, def)
	}
	if err = rows.Close(); err != nil {
		return nil, err
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for i := range defs {
		if defs[i].Mosaics, err = b.loadMosaics(ctx, defs[i].ID); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

func (b *sqliteBackend) loadMosaics(ctx context.Context, pyramidID string) ([]MosaicDef, error) {
	query := `SELECT id, min_x, max_y, matrix_width, matrix_height, tile_width, tile_height, pixel_size, format
FROM tile_matrix WHERE tile_matrix_set = ? ORDER BY pixel_size, id`
	rows, err := b.db.QueryContext(ctx, query, pyramidID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var mosaics []MosaicDef
	for rows.Next() {
		var m MosaicDef
		err = rows.Scan(&m.ID, &m.UpperLeft[0], &m.UpperLeft[1], &m.GridSize.Width, &m.GridSize.Height,
			&m.TileSize.Width, &m.TileSize.Height, &m.Scale, &m.Format)
		if err != nil {
			return nil, err
		}
		mosaics = append(mosaics, m)
	}
	return mosaics, rows.Err()
}

func (b *sqliteBackend) SavePyramid(ctx context.Context, def PyramidDef) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO tile_matrix_set (id, seq, crs)
VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM tile_matrix_set), ?)
ON CONFLICT (id) DO UPDATE SET crs = excluded.crs`, def.ID, def.CRS)
		if err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM tile_matrix WHERE tile_matrix_set = ?`, def.ID); err != nil {
			return err
		}
		for _, m := range def.Mosaics {
			_, err = tx.ExecContext(ctx, `INSERT INTO tile_matrix
(tile_matrix_set, id, min_x, max_y, matrix_width, matrix_height, tile_width, tile_height, pixel_size, format)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				def.ID, m.ID, m.UpperLeft[0], m.UpperLeft[1], m.GridSize.Width, m.GridSize.Height,
				m.TileSize.Width, m.TileSize.Height, m.Scale, m.Format)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *sqliteBackend) DeletePyramid(ctx context.Context, pyramidID string) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM tiles WHERE tile_matrix_set = ?`,
			`DELETE FROM tile_matrix WHERE tile_matrix_set = ?`,
			`DELETE FROM tile_matrix_set WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, pyramidID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *sqliteBackend) DeleteMosaic(ctx context.Context, pyramidID, mosaicID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM tiles WHERE tile_matrix_set = ? AND tile_matrix = ?`, pyramidID, mosaicID)
	return err
}

func (b *sqliteBackend) HasTiles(ctx context.Context, pyramidID, mosaicID string) (bool, error) {
	var exists bool
	err := b.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tiles WHERE tile_matrix_set = ? AND tile_matrix = ?)`,
		pyramidID, mosaicID).Scan(&exists)
	return exists, err
}

func (b *sqliteBackend) HasTile(ctx context.Context, key pyramid.TileKey) (bool, error) {
	var exists bool
	err := b.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tiles
WHERE tile_matrix_set = ? AND tile_matrix = ? AND tile_column = ? AND tile_row = ?)`,
		key.Pyramid, key.Mosaic, key.Col, key.Row).Scan(&exists)
	return exists, err
}

func (b *sqliteBackend) ReadTile(ctx context.Context, key pyramid.TileKey) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT tile_data FROM tiles
WHERE tile_matrix_set = ? AND tile_matrix = ? AND tile_column = ? AND tile_row = ?`,
		key.Pyramid, key.Mosaic, key.Col, key.Row).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

func (b *sqliteBackend) WriteTile(ctx context.Context, key pyramid.TileKey, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := b.db.ExecContext(ctx, `INSERT INTO tiles (tile_matrix_set, tile_matrix, tile_column, tile_row, tile_data)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (tile_matrix_set, tile_matrix, tile_column, tile_row) DO UPDATE SET tile_data = excluded.tile_data`,
		key.Pyramid, key.Mosaic, key.Col, key.Row, data)
	return err
}

func (b *sqliteBackend) DeleteTile(ctx context.Context, key pyramid.TileKey) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM tiles
WHERE tile_matrix_set = ? AND tile_matrix = ? AND tile_column = ? AND tile_row = ?`,
		key.Pyramid, key.Mosaic, key.Col, key.Row)
	return err
}

func (b *sqliteBackend) inTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err = f(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}
