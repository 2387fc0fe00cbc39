package cellstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"pixelcanvas.ai/internal/canvas"
)

// SQLiteStore is the single-file backend. One connection serializes writers.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cells (
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			color TEXT NOT NULL,
			grp TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL,
			acquired_at INTEGER NOT NULL,
			expires_at INTEGER,
			PRIMARY KEY (x, y)
		);`,
		`CREATE INDEX IF NOT EXISTS cells_yx ON cells(y, x);`,
		`CREATE INDEX IF NOT EXISTS cells_grp ON cells(grp);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

const cellColumns = `x, y, color, grp, owner, acquired_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCell(r rowScanner) (canvas.Cell, error) {
	var (
		c        canvas.Cell
		color    string
		acquired int64
		expires  sql.NullInt64
	)
	if err := r.Scan(&c.X, &c.Y, &color, &c.Group, &c.Owner, &acquired, &expires); err != nil {
		return c, err
	}
	c.Color = canvas.Color(color)
	c.AcquiredAt = time.UnixMilli(acquired).UTC()
	if expires.Valid {
		t := time.UnixMilli(expires.Int64).UTC()
		c.ExpiresAt = &t
	}
	return c, nil
}

func expiresArg(c canvas.Cell) any {
	if c.ExpiresAt == nil {
		return nil
	}
	return c.ExpiresAt.UnixMilli()
}

func (s *SQLiteStore) RangeQuery(ctx context.Context, r canvas.Rect) ([]canvas.Cell, error) {
	if r.Empty() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cellColumns+` FROM cells
		 WHERE x >= ? AND x < ? AND y >= ? AND y < ?
		 ORDER BY y, x`, r.MinX, r.MaxX, r.MinY, r.MaxY)
	if err != nil {
		return nil, Unavailable("range query", err)
	}
	defer rows.Close()
	var out []canvas.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, Unavailable("range scan", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable("range scan", err)
	}
	return out, nil
}

func (s *SQLiteStore) Get(ctx context.Context, k canvas.Coord) (canvas.Cell, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cellColumns+` FROM cells WHERE x = ? AND y = ?`, k.X, k.Y)
	c, err := scanCell(row)
	if err == sql.ErrNoRows {
		return canvas.Cell{}, false, nil
	}
	if err != nil {
		return canvas.Cell{}, false, Unavailable("get", err)
	}
	return c, true, nil
}

func (s *SQLiteStore) Apply(ctx context.Context, b Batch) (Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, Unavailable("begin", err)
	}
	defer tx.Rollback()

	sel, err := tx.PrepareContext(ctx, `SELECT `+cellColumns+` FROM cells WHERE x = ? AND y = ?`)
	if err != nil {
		return Result{}, Unavailable("prepare", err)
	}
	defer sel.Close()

	current := make(map[canvas.Coord]canvas.Cell, len(b.Cells))
	for _, c := range b.Cells {
		cur, err := scanCell(sel.QueryRowContext(ctx, c.X, c.Y))
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return Result{}, Unavailable("read owner", err)
		}
		current[c.Coord()] = cur
	}

	res, err := Outcome(Classify(b, current), b.Policy)
	if err != nil {
		return res, err
	}
	if err := upsertTx(ctx, tx, res.Applied); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, Unavailable("commit", err)
	}
	return res, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, cells []canvas.Cell) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Unavailable("begin", err)
	}
	defer tx.Rollback()
	if err := upsertTx(ctx, tx, cells); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return Unavailable("commit", err)
	}
	return nil
}

func upsertTx(ctx context.Context, tx *sql.Tx, cells []canvas.Cell) error {
	if len(cells) == 0 {
		return nil
	}
	ins, err := tx.PrepareContext(ctx, `INSERT INTO cells (`+cellColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(x, y) DO UPDATE SET
			color = excluded.color,
			grp = excluded.grp,
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at`)
	if err != nil {
		return Unavailable("prepare upsert", err)
	}
	defer ins.Close()
	del, err := tx.PrepareContext(ctx, `DELETE FROM cells WHERE x = ? AND y = ?`)
	if err != nil {
		return Unavailable("prepare delete", err)
	}
	defer del.Close()

	for _, c := range cells {
		if !c.Owned() {
			if _, err := del.ExecContext(ctx, c.X, c.Y); err != nil {
				return Unavailable("delete", err)
			}
			continue
		}
		if _, err := ins.ExecContext(ctx, c.X, c.Y, string(c.Color), c.Group, c.Owner, c.AcquiredAt.UnixMilli(), expiresArg(c)); err != nil {
			return Unavailable("upsert", err)
		}
	}
	return nil
}

func (s *SQLiteStore) GroupCounts(ctx context.Context) ([]GroupCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT grp, COUNT(*), COUNT(DISTINCT owner) FROM cells WHERE grp <> '' GROUP BY grp`)
	if err != nil {
		return nil, Unavailable("group counts", err)
	}
	defer rows.Close()
	var out []GroupCount
	for rows.Next() {
		var gc GroupCount
		if err := rows.Scan(&gc.Group, &gc.Cells, &gc.Owners); err != nil {
			return nil, Unavailable("group counts", err)
		}
		out = append(out, gc)
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable("group counts", err)
	}
	return Shares(out), nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cells`).Scan(&n); err != nil {
		return 0, Unavailable("count", err)
	}
	return n, nil
}

func (s *SQLiteStore) Reset(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cells`)
	if err != nil {
		return 0, Unavailable("reset", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Columns lists the cells table layout, used by canvasctl check.
func (s *SQLiteStore) Columns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(cells)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		out = append(out, name+" "+typ)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
