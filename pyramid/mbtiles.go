package pyramid

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/slippy"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pdok/tilemask/mathhelp"
)

// mbtilesPagesize is the number of tile inserts per transaction.
const mbtilesPagesize = 1000

type mbtilesMetadata struct {
	name    string
	bounds  geom.Extent // lon/lat
	minZoom int
	maxZoom int
}

// mbtilesWriter builds an MBTiles 1.3 archive. One-shot and write-only:
// journaling and sync are off, inserts are batched into paged transactions
// with a prepared statement. Callers must come from a single goroutine.
type mbtilesWriter struct {
	db      *sql.DB
	tx      *sql.Tx
	stmt    *sql.Stmt
	pending int
}

// newMBTilesWriter creates a fresh archive, replacing any previous file,
// with its schema and metadata already written.
func newMBTilesWriter(path string, meta mbtilesMetadata) (*mbtilesWriter, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	statements := []string{
		`PRAGMA journal_mode=OFF`,
		`PRAGMA synchronous=OFF`,
		`CREATE TABLE metadata (name text, value text)`,
		`CREATE TABLE tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob)`,
		`CREATE UNIQUE INDEX tile_index ON tiles (zoom_level, tile_column, tile_row)`,
	}
	for _, statement := range statements {
		if _, err := db.Exec(statement); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("mbtiles %s: %w", path, err)
		}
	}

	center := fmt.Sprintf("%f,%f,%d",
		(meta.bounds.MinX()+meta.bounds.MaxX())/2,
		(meta.bounds.MinY()+meta.bounds.MaxY())/2,
		meta.minZoom)
	metadata := [][2]string{
		{"name", meta.name},
		{"format", "png"},
		{"type", "overlay"},
		{"version", "1"},
		{"bounds", fmt.Sprintf("%f,%f,%f,%f", meta.bounds.MinX(), meta.bounds.MinY(), meta.bounds.MaxX(), meta.bounds.MaxY())},
		{"center", center},
		{"minzoom", fmt.Sprintf("%d", meta.minZoom)},
		{"maxzoom", fmt.Sprintf("%d", meta.maxZoom)},
	}
	for _, pair := range metadata {
		if _, err := db.Exec(`INSERT INTO metadata (name, value) VALUES (?, ?)`, pair[0], pair[1]); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("mbtiles %s: %w", path, err)
		}
	}

	w := &mbtilesWriter{db: db}
	if err := w.beginPage(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *mbtilesWriter) beginPage() error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	w.tx = tx
	w.stmt = stmt
	w.pending = 0
	return nil
}

func (w *mbtilesWriter) commitPage() error {
	if err := w.stmt.Close(); err != nil {
		_ = w.tx.Rollback()
		return err
	}
	return w.tx.Commit()
}

// WriteTile stores one tile blob. Rows are flipped to the bottom-left
// origin the format prescribes, whatever the directory tree uses.
func (w *mbtilesWriter) WriteTile(tile *slippy.Tile, data []byte) error {
	row := mathhelp.Pow2(tile.Z) - 1 - tile.Y
	if _, err := w.stmt.Exec(tile.Z, tile.X, row, data); err != nil {
		return err
	}
	w.pending++
	if w.pending == mbtilesPagesize {
		if err := w.commitPage(); err != nil {
			return err
		}
		return w.beginPage()
	}
	return nil
}

// Close commits the final page and releases the database.
func (w *mbtilesWriter) Close() error {
	err := w.commitPage()
	if closeErr := w.db.Close(); err == nil {
		err = closeErr
	}
	return err
}
