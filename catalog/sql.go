package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
	"southwinds.dev/coffer/internal/misc"
)

// Ensure SQLCatalog implements Catalog interface
var _ Catalog = (*SQLCatalog)(nil)

// SQLCatalog keeps records in an SQLite database through bun
type SQLCatalog struct {
	db  *sql.DB
	bun *bun.DB
}

// OpenSQLCatalog opens (creating if needed) the SQLite database at dsn and
// ensures the files table and its indexes exist. ":memory:" is accepted.
func OpenSQLCatalog(ctx context.Context, dsn string) (*SQLCatalog, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("catalog dsn cannot be empty")
	}

	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), misc.DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	// SQLite serialises writers anyway, and every :memory: connection is its own database
	sqlDB.SetMaxOpenConns(1)

	c := &SQLCatalog{
		db:  sqlDB,
		bun: bun.NewDB(sqlDB, sqlitedialect.New()),
	}

	if err = c.migrate(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLCatalog) migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := c.bun.NewCreateTable().Model((*Record)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create files table: %w", err)
	}

	_, err := c.bun.NewCreateIndex().
		Model((*Record)(nil)).
		Index("idx_files_owner_active").
		Column("owner_id", "is_deleted", "created_at").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create files index: %w", err)
	}
	return nil
}

func (c *SQLCatalog) Insert(ctx context.Context, rec *Record) error {
	if _, err := c.bun.NewInsert().Model(rec).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert file record: %w", err)
	}
	return nil
}

func (c *SQLCatalog) FindActive(ctx context.Context, id string, ownerID int64) (*Record, error) {
	var rec Record
	err := c.bun.NewSelect().
		Model(&rec).
		Where("id = ?", id).
		Where("owner_id = ?", ownerID).
		Where("is_deleted = ?", false).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find file record: %w", err)
	}
	return &rec, nil
}

func (c *SQLCatalog) MarkDeleted(ctx context.Context, id string) error {
	res, err := c.bun.NewUpdate().
		Model((*Record)(nil)).
		Set("is_deleted = ?", true).
		Set("modified_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("is_deleted = ?", false).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark file record deleted: %w", err)
	}
	return requireAffected(res)
}

func (c *SQLCatalog) ListActive(ctx context.Context, ownerID int64, limit, offset int) ([]Record, int, error) {
	var recs []Record
	q := c.bun.NewSelect().
		Model(&recs).
		Where("owner_id = ?", ownerID).
		Where("is_deleted = ?", false).
		OrderExpr("created_at DESC, id ASC").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	} else if offset > 0 {
		// SQLite only accepts OFFSET after a LIMIT. bun reads a negative limit as
		// "count only", so the unbounded page is spelled out.
		q = q.Limit(math.MaxInt)
	}

	total, err := q.ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list file records: %w", err)
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, total, nil
}

func (c *SQLCatalog) Search(ctx context.Context, ownerID int64, query string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	var recs []Record
	err := c.bun.NewSelect().
		Model(&recs).
		Where("owner_id = ?", ownerID).
		Where("is_deleted = ?", false).
		Where("original_name LIKE ? ESCAPE '\\'", "%"+escapeLike(query)+"%").
		OrderExpr("created_at DESC, id ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to search file records: %w", err)
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, nil
}

func (c *SQLCatalog) Stats(ctx context.Context, ownerID int64) (Stats, error) {
	var (
		total int64
		count int
	)
	err := c.bun.NewSelect().
		Model((*Record)(nil)).
		ColumnExpr("COALESCE(SUM(size), 0)").
		ColumnExpr("COUNT(*)").
		Where("owner_id = ?", ownerID).
		Where("is_deleted = ?", false).
		Scan(ctx, &total, &count)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to compute storage stats: %w", err)
	}
	return NewStats(total, count), nil
}

func (c *SQLCatalog) ListDeleted(ctx context.Context) ([]Record, error) {
	var recs []Record
	err := c.bun.NewSelect().
		Model(&recs).
		Where("is_deleted = ?", true).
		OrderExpr("created_at DESC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list deleted file records: %w", err)
	}
	return recs, nil
}

func (c *SQLCatalog) MarkErased(ctx context.Context, id string) error {
	res, err := c.bun.NewUpdate().
		Model((*Record)(nil)).
		Set("erased_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark file record erased: %w", err)
	}
	return requireAffected(res)
}

func (c *SQLCatalog) Delete(ctx context.Context, id string) error {
	res, err := c.bun.NewDelete().Model((*Record)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	return requireAffected(res)
}

func (c *SQLCatalog) Close() error {
	return c.bun.Close()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

// escapeLike makes % and _ in user queries match literally
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
