package tiles

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// DiskCache persists tiles in sqlite with the MBTiles addressing scheme
// plus access bookkeeping for LRU pruning. It survives restarts; the memory
// layer falls through to it before touching the network.
type DiskCache struct {
	db *sql.DB
}

// NewDiskCache opens (creating if needed) the tile database at path and
// configures WAL mode for concurrent readers.
func NewDiskCache(path string) (*DiskCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "tiles: open disk cache")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "tiles: exec %s", pragma)
		}
	}

	c := &DiskCache{db: db}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

const diskCacheMigration = `
CREATE TABLE IF NOT EXISTS tiles (
	service     TEXT NOT NULL,
	zoom        INTEGER NOT NULL,
	col         INTEGER NOT NULL,
	row         INTEGER NOT NULL,
	data        BLOB NOT NULL,
	size        INTEGER NOT NULL,
	min_x       REAL NOT NULL,
	min_y       REAL NOT NULL,
	max_x       REAL NOT NULL,
	max_y       REAL NOT NULL,
	fetched_at  DATETIME NOT NULL,
	accessed_at DATETIME NOT NULL,
	PRIMARY KEY (service, zoom, col, row)
);

CREATE INDEX IF NOT EXISTS idx_tiles_accessed_at ON tiles(accessed_at);
`

func (c *DiskCache) migrate() error {
	_, err := c.db.Exec(diskCacheMigration)
	return eris.Wrap(err, "tiles: migrate disk cache")
}

// Get loads a tile and touches its access time. Returns (nil, nil) on miss.
func (c *DiskCache) Get(ctx context.Context, key Key) (*Entry, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT data, size, min_x, min_y, max_x, max_y, fetched_at
		 FROM tiles WHERE service = ? AND zoom = ? AND col = ? AND row = ?`,
		key.Service, key.Zoom, key.Col, key.Row,
	)

	e := &Entry{Key: key}
	err := row.Scan(&e.Data, &e.Size, &e.Bounds[0], &e.Bounds[1], &e.Bounds[2], &e.Bounds[3], &e.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "tiles: disk get %s", key)
	}

	_, err = c.db.ExecContext(ctx,
		`UPDATE tiles SET accessed_at = ? WHERE service = ? AND zoom = ? AND col = ? AND row = ?`,
		time.Now().UTC(), key.Service, key.Zoom, key.Col, key.Row,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "tiles: disk touch %s", key)
	}
	return e, nil
}

// Put stores or replaces a tile.
func (c *DiskCache) Put(ctx context.Context, e *Entry) error {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO tiles (service, zoom, col, row, data, size, min_x, min_y, max_x, max_y, fetched_at, accessed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (service, zoom, col, row) DO UPDATE SET
			data = excluded.data, size = excluded.size,
			min_x = excluded.min_x, min_y = excluded.min_y,
			max_x = excluded.max_x, max_y = excluded.max_y,
			fetched_at = excluded.fetched_at, accessed_at = excluded.accessed_at`,
		e.Key.Service, e.Key.Zoom, e.Key.Col, e.Key.Row,
		e.Data, e.Size, e.Bounds[0], e.Bounds[1], e.Bounds[2], e.Bounds[3],
		e.FetchedAt, now,
	)
	return eris.Wrapf(err, "tiles: disk put %s", e.Key)
}

// Prune deletes least-recently-accessed tiles until total size fits within
// budgetBytes. Returns the number of tiles removed.
func (c *DiskCache) Prune(ctx context.Context, budgetBytes int64) (int, error) {
	var total int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM tiles`).Scan(&total); err != nil {
		return 0, eris.Wrap(err, "tiles: disk size")
	}

	removed := 0
	for total > budgetBytes {
		var (
			service          string
			zoom, col, row   int
			size             int64
		)
		err := c.db.QueryRowContext(ctx,
			`SELECT service, zoom, col, row, size FROM tiles ORDER BY accessed_at ASC LIMIT 1`,
		).Scan(&service, &zoom, &col, &row, &size)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return removed, eris.Wrap(err, "tiles: disk prune select")
		}
		if _, err := c.db.ExecContext(ctx,
			`DELETE FROM tiles WHERE service = ? AND zoom = ? AND col = ? AND row = ?`,
			service, zoom, col, row,
		); err != nil {
			return removed, eris.Wrap(err, "tiles: disk prune delete")
		}
		total -= size
		removed++
	}
	return removed, nil
}

// Stats reports tile count and total stored bytes.
func (c *DiskCache) Stats(ctx context.Context) (count int64, bytes int64, err error) {
	err = c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM tiles`,
	).Scan(&count, &bytes)
	return count, bytes, eris.Wrap(err, "tiles: disk stats")
}

func (c *DiskCache) Close() error {
	return c.db.Close()
}
