package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"evidence-vault/internal/domain/model"

	_ "modernc.org/sqlite"
)

// Store 封装与 SQLite 的读写逻辑。
//
// 约定：按主键查询不到时返回 (nil, nil)，由服务层决定是否转换为 model.ErrNotFound。
type Store struct {
	db *sql.DB
	// q 是实际执行语句的连接；事务内的 Store 指向 *sql.Tx。
	q querier
}

// querier 同时由 *sql.DB 与 *sql.Tx 实现。
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

// DB 返回底层连接（迁移、统计与测试使用）。
func (s *Store) DB() *sql.DB {
	return s.db
}

// Open 打开（必要时创建）数据库文件。
// SQLite 单写者：连接池固定为 1，并设置 busy_timeout 避免偶发 "database is locked"。
func Open(ctx context.Context, dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = FULL`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// EnsureCase 确保案件存在；已存在时只补全空标题，不改动其它字段。
func (s *Store) EnsureCase(ctx context.Context, caseID, title, actor string, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cases(case_id, title, created_by, created_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET
			title=CASE WHEN cases.title IS NULL OR cases.title='' THEN excluded.title ELSE cases.title END
	`, caseID, nullIfEmpty(title), nullIfEmpty(actor), at.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert case: %w", err)
	}
	return nil
}

// GetCase 查询案件登记信息。
func (s *Store) GetCase(ctx context.Context, caseID string) (*model.CaseInfo, error) {
	var c model.CaseInfo
	var createdAt int64
	err := s.q.QueryRowContext(ctx, `
		SELECT case_id, COALESCE(title, ''), COALESCE(created_by, ''), created_at
		FROM cases
		WHERE case_id = ?
	`, caseID).Scan(&c.CaseID, &c.Title, &c.CreatedBy, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query case: %w", err)
	}
	c.CreatedAt = fromNanos(createdAt)
	return &c, nil
}

// GetSchemaMetaValue 查询 schema_meta 表指定 key 的 value。
func (s *Store) GetSchemaMetaValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.q.QueryRowContext(ctx, `
		SELECT value
		FROM schema_meta
		WHERE key = ?
		LIMIT 1
	`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query schema_meta %s: %w", key, err)
	}
	return v, nil
}

// mapErr 把触发器抛出的 "immutable: ..." 错误映射为 model.ErrImmutableViolation。
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "immutable:") {
		return fmt.Errorf("%s: %w: %v", op, model.ErrImmutableViolation, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// SQLite 中没有布尔类型，统一转 0/1 存储。
func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// 空字符串按 NULL 写入，避免无意义空值污染查询条件。
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromNanos(n.Int64)
}
