// Package gormstore is the MySQL cellstore backend.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"pixelcanvas.ai/internal/canvas"
	"pixelcanvas.ai/internal/persistence/cellstore"
)

// batchRows bounds statement size for IN lists and bulk inserts.
const batchRows = 1000

// applyAttempts covers one InnoDB deadlock between writers racing into the
// same empty rows; the retry sees the winner's cells and reports a conflict.
const applyAttempts = 2

// errDeadlock is ER_LOCK_DEADLOCK.
const errDeadlock = 1213

func isDeadlock(err error) bool {
	var me *gomysql.MySQLError
	return errors.As(err, &me) && me.Number == errDeadlock
}

// retryDeadlock runs fn up to attempts times while it fails with a deadlock.
func retryDeadlock(attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !isDeadlock(err) {
			return err
		}
	}
	return err
}

type CellRow struct {
	X          int        `gorm:"primaryKey;autoIncrement:false"`
	Y          int        `gorm:"primaryKey;autoIncrement:false;index:idx_cells_yx,priority:1"`
	Color      string     `gorm:"size:16;not null"`
	Grp        string     `gorm:"column:grp;size:128;not null;default:'';index"`
	Owner      string     `gorm:"size:255;not null"`
	AcquiredAt time.Time  `gorm:"not null"`
	ExpiresAt  *time.Time
}

func (CellRow) TableName() string { return "cells" }

func toRow(c canvas.Cell) CellRow {
	return CellRow{X: c.X, Y: c.Y, Color: string(c.Color), Grp: c.Group, Owner: c.Owner, AcquiredAt: c.AcquiredAt.UTC(), ExpiresAt: c.ExpiresAt}
}

func (r CellRow) cell() canvas.Cell {
	c := canvas.Cell{X: r.X, Y: r.Y, Color: canvas.Color(r.Color), Group: r.Grp, Owner: r.Owner, AcquiredAt: r.AcquiredAt.UTC()}
	if r.ExpiresAt != nil {
		t := r.ExpiresAt.UTC()
		c.ExpiresAt = &t
	}
	return c
}

type Store struct {
	db *gorm.DB
}

// Open connects with a go-sql-driver DSN, e.g.
// "user:pass@tcp(127.0.0.1:3306)/canvas?parseTime=true".
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return New(db)
}

// New wraps an existing connection and migrates the cells table.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&CellRow{}); err != nil {
		return nil, fmt.Errorf("migrate cells: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) RangeQuery(ctx context.Context, r canvas.Rect) ([]canvas.Cell, error) {
	if r.Empty() {
		return nil, nil
	}
	var rows []CellRow
	err := s.db.WithContext(ctx).
		Where("x >= ? AND x < ? AND y >= ? AND y < ?", r.MinX, r.MaxX, r.MinY, r.MaxY).
		Order("y, x").
		Find(&rows).Error
	if err != nil {
		return nil, cellstore.Unavailable("range query", err)
	}
	out := make([]canvas.Cell, len(rows))
	for i, row := range rows {
		out[i] = row.cell()
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, k canvas.Coord) (canvas.Cell, bool, error) {
	var row CellRow
	err := s.db.WithContext(ctx).Where("x = ? AND y = ?", k.X, k.Y).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return canvas.Cell{}, false, nil
	}
	if err != nil {
		return canvas.Cell{}, false, cellstore.Unavailable("get", err)
	}
	return row.cell(), true, nil
}

func coordTuples(cells []canvas.Cell) [][]any {
	out := make([][]any, len(cells))
	for i, c := range cells {
		out[i] = []any{c.X, c.Y}
	}
	return out
}

func (s *Store) Apply(ctx context.Context, b cellstore.Batch) (cellstore.Result, error) {
	var (
		res      cellstore.Result
		rejected error
	)
	err := retryDeadlock(applyAttempts, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			current := make(map[canvas.Coord]canvas.Cell, len(b.Cells))
			for start := 0; start < len(b.Cells); start += batchRows {
				end := min(start+batchRows, len(b.Cells))
				var rows []CellRow
				if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
					Where("(x, y) IN ?", coordTuples(b.Cells[start:end])).
					Find(&rows).Error; err != nil {
					return err
				}
				for _, row := range rows {
					current[canvas.Coord{X: row.X, Y: row.Y}] = row.cell()
				}
			}
			res, rejected = cellstore.Outcome(cellstore.Classify(b, current), b.Policy)
			if rejected != nil {
				return rejected
			}
			return upsert(tx, res.Applied)
		})
	})
	if rejected != nil {
		return res, rejected
	}
	if err != nil {
		return cellstore.Result{}, cellstore.Unavailable("apply", err)
	}
	return res, nil
}

func upsert(tx *gorm.DB, cells []canvas.Cell) error {
	rows := make([]CellRow, 0, len(cells))
	var gone [][]any
	for _, c := range cells {
		if !c.Owned() {
			gone = append(gone, []any{c.X, c.Y})
			continue
		}
		rows = append(rows, toRow(c))
	}
	if len(gone) > 0 {
		if err := tx.Where("(x, y) IN ?", gone).Delete(&CellRow{}).Error; err != nil {
			return err
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(rows, batchRows).Error
}

func (s *Store) Upsert(ctx context.Context, cells []canvas.Cell) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsert(tx, cells)
	})
	if err != nil {
		return cellstore.Unavailable("upsert", err)
	}
	return nil
}

func (s *Store) GroupCounts(ctx context.Context) ([]cellstore.GroupCount, error) {
	var out []cellstore.GroupCount
	err := s.db.WithContext(ctx).Model(&CellRow{}).
		Select("grp AS `group`, COUNT(*) AS cells, COUNT(DISTINCT owner) AS owners").
		Where("grp <> ''").
		Group("grp").
		Scan(&out).Error
	if err != nil {
		return nil, cellstore.Unavailable("group counts", err)
	}
	return cellstore.Shares(out), nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&CellRow{}).Count(&n).Error; err != nil {
		return 0, cellstore.Unavailable("count", err)
	}
	return int(n), nil
}

func (s *Store) Reset(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Where("1 = 1").Delete(&CellRow{})
	if res.Error != nil {
		return 0, cellstore.Unavailable("reset", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
