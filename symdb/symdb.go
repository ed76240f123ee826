// Package symdb stores symbol maps for known images, keyed by the CRC-32 of
// the unmodified image file. A map imported once is found again for any
// copy of the same image.
package symdb

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrImageNotFound indicates no symbols are stored for the requested image.
var ErrImageNotFound = errors.New("image not found")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS images (
		crc  INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS symbols (
		crc  INTEGER NOT NULL REFERENCES images(crc),
		name TEXT NOT NULL,
		addr INTEGER NOT NULL,
		PRIMARY KEY (crc, name)
	)`,
}

// Image summarizes one stored image.
type Image struct {
	CRC     uint32
	Name    string
	Symbols int
}

// DB is a symbol database.
type DB struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	for _, ddl := range schema {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating tables: %w", err)
		}
	}
	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Put stores one symbol, replacing any previous address.
func (d *DB) Put(crc uint32, image, name string, addr uint32) error {
	return d.Import(crc, image, map[string]uint32{name: addr})
}

// Import stores every symbol of syms in one transaction. image names the
// file for listings and may be empty, in which case a stored name is kept.
func (d *DB) Import(crc uint32, image string, syms map[string]uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO images (crc, name) VALUES (?, ?)
		ON CONFLICT(crc) DO UPDATE SET name = excluded.name WHERE excluded.name != ''`,
		int64(crc), image)
	if err != nil {
		return fmt.Errorf("saving image %08x: %w", crc, err)
	}

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO symbols (crc, name, addr) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()
	for name, addr := range syms {
		if _, err := stmt.Exec(int64(crc), name, int64(addr)); err != nil {
			return fmt.Errorf("saving symbol %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// Lookup returns the symbols stored for an image.
func (d *DB) Lookup(crc uint32) (map[string]uint32, error) {
	var n int
	err := d.db.QueryRow("SELECT COUNT(*) FROM images WHERE crc = ?", int64(crc)).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("querying image: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %08x", ErrImageNotFound, crc)
	}

	rows, err := d.db.Query("SELECT name, addr FROM symbols WHERE crc = ?", int64(crc))
	if err != nil {
		return nil, fmt.Errorf("querying symbols: %w", err)
	}
	defer rows.Close()

	syms := make(map[string]uint32)
	for rows.Next() {
		var name string
		var addr int64
		if err := rows.Scan(&name, &addr); err != nil {
			return nil, fmt.Errorf("reading symbol: %w", err)
		}
		syms[name] = uint32(addr)
	}
	return syms, rows.Err()
}

// Images lists the stored images ordered by name and checksum.
func (d *DB) Images() ([]Image, error) {
	rows, err := d.db.Query(`
		SELECT i.crc, i.name, COUNT(s.name)
		FROM images i LEFT JOIN symbols s ON s.crc = i.crc
		GROUP BY i.crc, i.name
		ORDER BY i.name, i.crc`)
	if err != nil {
		return nil, fmt.Errorf("querying images: %w", err)
	}
	defer rows.Close()

	var out []Image
	for rows.Next() {
		var img Image
		var crc int64
		if err := rows.Scan(&crc, &img.Name, &img.Symbols); err != nil {
			return nil, fmt.Errorf("reading image: %w", err)
		}
		img.CRC = uint32(crc)
		out = append(out, img)
	}
	return out, rows.Err()
}
