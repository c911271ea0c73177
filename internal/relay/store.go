package relay

import "context"

// RowID identifies one correlation row.
type RowID int64

// CorrelationStore is the durable table correlating one logical message
// across all connected platforms: one row per logical message, one cell per
// platform holding that platform's native id for the mirrored copy.
// Implementations must serialize concurrent Insert/SetCell calls so a row's
// cells are never partially visible.
type CorrelationStore interface {
	// Insert appends a new row with the given cells populated (typically
	// just the origin platform's cell). Duplicate-insert avoidance is the
	// caller's responsibility.
	Insert(ctx context.Context, cells map[string]string) (RowID, error)

	// FindByPlatformMessage locates the row whose cell for platform equals
	// id. A missing row is reported via found=false, not an error. An empty
	// id is never found: empty cells mean "not delivered", not a message.
	FindByPlatformMessage(ctx context.Context, platform, id string) (RowID, bool, error)

	// SetCell records platform's native id for the row. Idempotent;
	// overwriting a non-empty cell is allowed (edit semantics).
	SetCell(ctx context.Context, row RowID, platform, id string) error

	// AllCells returns the platform→id mapping for the row. Cells never
	// delivered are empty strings.
	AllCells(ctx context.Context, row RowID) (map[string]string, error)

	Close() error
}
