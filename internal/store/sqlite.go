// Package store persists message correlation in sqlite: one wide table,
// one TEXT column per registered platform, one row per logical message.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/bygeon/geon/internal/relay"
)

// platform names become column identifiers, which sqlite cannot bind as
// parameters. Restrict them so quoting is always safe.
var identRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// SQLite implements relay.CorrelationStore on a single sqlite table. Rows
// are append-only; cells are updated as fan-out deliveries succeed.
type SQLite struct {
	db        *sql.DB
	platforms []string
}

// Open opens (or creates) the store at path for the given platform set.
// Platforms added since the table was created get new columns; existing
// rows keep an empty cell for them.
func Open(path string, platforms []string) (*SQLite, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open correlation db: %w", err)
	}
	s, err := New(db, platforms)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New builds the store over an existing database handle. Used directly by
// tests with an in-memory database.
func New(db *sql.DB, platforms []string) (*SQLite, error) {
	if len(platforms) == 0 {
		return nil, fmt.Errorf("no platforms registered")
	}
	for _, p := range platforms {
		if !identRe.MatchString(p) {
			return nil, fmt.Errorf("invalid platform name %q", p)
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	// Best-effort migration: adding a platform appends a column, no-op if
	// it already exists. Existing rows keep history with empty cells.
	for _, p := range platforms {
		_, _ = db.Exec(fmt.Sprintf(`ALTER TABLE messages ADD COLUMN %s TEXT NOT NULL DEFAULT ''`, quoteIdent(p)))
	}
	return &SQLite{db: db, platforms: append([]string(nil), platforms...)}, nil
}

// Insert appends a row with the given cells populated.
func (s *SQLite) Insert(ctx context.Context, cells map[string]string) (relay.RowID, error) {
	cols := make([]string, 0, len(cells))
	marks := make([]string, 0, len(cells))
	args := make([]any, 0, len(cells))
	for _, p := range s.platforms {
		id, ok := cells[p]
		if !ok {
			continue
		}
		cols = append(cols, quoteIdent(p))
		marks = append(marks, "?")
		args = append(args, id)
	}
	if len(cols) == 0 {
		return 0, fmt.Errorf("%w: insert with no known platform cell", relay.ErrStorage)
	}
	q := fmt.Sprintf(`INSERT INTO messages (%s) VALUES (%s)`,
		strings.Join(cols, ", "), strings.Join(marks, ", "))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: insert: %v", relay.ErrStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: insert rowid: %v", relay.ErrStorage, err)
	}
	return relay.RowID(id), nil
}

// FindByPlatformMessage locates the row whose cell for platform equals id.
// An empty id never matches: undelivered cells hold the empty string, and
// they mark pending or failed deliveries, not messages.
func (s *SQLite) FindByPlatformMessage(ctx context.Context, platform, id string) (relay.RowID, bool, error) {
	if id == "" || !s.known(platform) {
		return 0, false, nil
	}
	q := fmt.Sprintf(`SELECT rowid FROM messages WHERE %s = ? ORDER BY rowid DESC LIMIT 1`, quoteIdent(platform))
	var row int64
	err := s.db.QueryRowContext(ctx, q, id).Scan(&row)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: find: %v", relay.ErrStorage, err)
	}
	return relay.RowID(row), true, nil
}

// SetCell records platform's native id for the row. Same-value writes are
// no-ops; overwriting is allowed.
func (s *SQLite) SetCell(ctx context.Context, row relay.RowID, platform, id string) error {
	if !s.known(platform) {
		return fmt.Errorf("%w: unknown platform %q", relay.ErrStorage, platform)
	}
	col := quoteIdent(platform)
	q := fmt.Sprintf(`UPDATE messages SET %s = ? WHERE rowid = ? AND %s <> ?`, col, col)
	if _, err := s.db.ExecContext(ctx, q, id, int64(row), id); err != nil {
		return fmt.Errorf("%w: set cell: %v", relay.ErrStorage, err)
	}
	return nil
}

// AllCells returns the platform→id mapping for the row.
func (s *SQLite) AllCells(ctx context.Context, row relay.RowID) (map[string]string, error) {
	cols := make([]string, len(s.platforms))
	for i, p := range s.platforms {
		cols[i] = quoteIdent(p)
	}
	q := fmt.Sprintf(`SELECT %s FROM messages WHERE rowid = ?`, strings.Join(cols, ", "))
	vals := make([]sql.NullString, len(s.platforms))
	dest := make([]any, len(s.platforms))
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := s.db.QueryRowContext(ctx, q, int64(row)).Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("row %d: %w", row, relay.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: all cells: %v", relay.ErrStorage, err)
	}
	cells := make(map[string]string, len(s.platforms))
	for i, p := range s.platforms {
		cells[p] = vals[i].String
	}
	return cells, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) known(platform string) bool {
	for _, p := range s.platforms {
		if p == platform {
			return true
		}
	}
	return false
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
