package tracking

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	xerrors "Sokosumi-Chain/internal/errors"
)

type dialect int

const (
	dialectMySQL dialect = iota
	dialectSQLite
)

// SQLStore 使用关系型数据库记录任务，支持 MySQL 与 SQLite。
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// NewMySQLStore 创建基于 MySQL 的存储。
func NewMySQLStore(dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	return newSQLStore(db, dialectMySQL)
}

// NewSQLiteStore 创建基于 SQLite 文件的存储，目录不存在时自动创建。
func NewSQLiteStore(path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 SQLite 目录失败")
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法打开 SQLite")
	}
	return newSQLStore(db, dialectSQLite)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	store := &SQLStore{db: db, dialect: d, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) initSchema() error {
	statements := []string{`CREATE TABLE IF NOT EXISTS hired_jobs (
        id VARCHAR(64) PRIMARY KEY,
        agent_id VARCHAR(128) NOT NULL,
        agent_name VARCHAR(255) NOT NULL DEFAULT '',
        masumi_job_id VARCHAR(255) NOT NULL DEFAULT '',
        status VARCHAR(32) NOT NULL,
        payment_state VARCHAR(64) NOT NULL DEFAULT '',
        check_count INT NOT NULL DEFAULT 0,
        max_checks INT NOT NULL DEFAULT 0,
        last_error TEXT,
        error_code VARCHAR(64) NOT NULL DEFAULT '',
        result TEXT,
        hired_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        completed_at BIGINT NOT NULL DEFAULT 0
)`}
	if s.dialect == dialectSQLite {
		statements = append(statements,
			`CREATE INDEX IF NOT EXISTS idx_hired_jobs_status ON hired_jobs (status)`,
			`CREATE INDEX IF NOT EXISTS idx_hired_jobs_updated ON hired_jobs (updated_at)`)
	} else {
		statements = append(statements,
			`CREATE INDEX idx_hired_jobs_status ON hired_jobs (status)`,
			`CREATE INDEX idx_hired_jobs_updated ON hired_jobs (updated_at)`)
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			var mysqlErr *mysql.MySQLError
			if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1061 {
				continue
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 hired_jobs 表失败")
		}
	}
	return nil
}

const selectColumns = `id, agent_id, agent_name, masumi_job_id, status, payment_state, check_count, max_checks,
        last_error, error_code, result, hired_at, updated_at, completed_at`

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, job *Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	now := s.now().Unix()
	if job.HiredAt == 0 {
		job.HiredAt = now
	}
	job.UpdatedAt = now

	const stmt = `INSERT INTO hired_jobs
        (id, agent_id, agent_name, masumi_job_id, status, payment_state, check_count, max_checks, last_error, error_code, result, hired_at, updated_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		job.ID,
		job.AgentID,
		job.AgentName,
		job.MasumiJobID,
		string(job.Status),
		job.PaymentState,
		job.CheckCount,
		job.MaxChecks,
		job.LastError,
		job.ErrorCode,
		nullableResult(job.Result),
		job.HiredAt,
		job.UpdatedAt,
		job.CompletedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM hired_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return job, nil
}

// UpdatePaymentState 实现 Store 接口。
func (s *SQLStore) UpdatePaymentState(ctx context.Context, id, state string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hired_jobs SET payment_state = ?, updated_at = ? WHERE id = ?`,
		state, s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新支付状态失败")
	}
	return s.expectRow(ctx, res, id)
}

// MarkStatus 实现 Store 接口，终态任务不会被覆盖。
func (s *SQLStore) MarkStatus(ctx context.Context, id string, update StatusUpdate) error {
	now := s.now().Unix()
	completedAt := int64(0)
	if update.Status.Terminal() {
		completedAt = now
	}

	const stmt = `UPDATE hired_jobs SET status = ?, last_error = ?, error_code = ?,
        result = COALESCE(?, result), updated_at = ?, completed_at = ?
        WHERE id = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		string(update.Status),
		update.LastError,
		string(update.ErrorCode),
		nullableResult(update.Result),
		now,
		completedAt,
		id,
		string(StatusPendingPayment),
		string(StatusInProgress),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	return nil
}

// IncrementChecks 实现 Store 接口。
func (s *SQLStore) IncrementChecks(ctx context.Context, id string) (*Job, error) {
	const stmt = `UPDATE hired_jobs SET check_count = check_count + 1, updated_at = ?
        WHERE id = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt, s.now().Unix(), id, string(StatusPendingPayment), string(StatusInProgress))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新巡检次数失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return job, ErrJobTerminal
	}
	return job, nil
}

// List 返回符合条件的任务。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()

	var (
		clauses []string
		args    []any
	)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, opts.AgentID)
	}

	query := `SELECT ` + selectColumns + ` FROM hired_jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务失败")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务列表失败")
	}
	return jobs, nil
}

// Prune 仅保留最近 keep 条终态记录。
func (s *SQLStore) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	terminal := []any{string(StatusCompleted), string(StatusFailed), string(StatusTimedOut), string(StatusRefunded)}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM hired_jobs WHERE status IN (?, ?, ?, ?)
        ORDER BY completed_at DESC, id DESC`, terminal...)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询历史任务失败")
	}
	var stale []string
	index := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析历史任务失败")
		}
		if index >= keep {
			stale = append(stale, id)
		}
		index++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历历史任务失败")
	}
	rows.Close()

	removed := 0
	for _, id := range stale {
		res, err := s.db.ExecContext(ctx, `DELETE FROM hired_jobs WHERE id = ?`, id)
		if err != nil {
			return removed, xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除历史任务失败")
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}
	return removed, nil
}

// Close 关闭数据库连接。
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) expectRow(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	// MySQL 在值未变化时返回 0 行。
	_, err = s.Get(ctx, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job       Job
		lastError sql.NullString
		result    sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.AgentID,
		&job.AgentName,
		&job.MasumiJobID,
		&job.Status,
		&job.PaymentState,
		&job.CheckCount,
		&job.MaxChecks,
		&lastError,
		&job.ErrorCode,
		&result,
		&job.HiredAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		return nil, err
	}
	job.LastError = lastError.String
	if result.Valid && result.String != "" {
		job.Result = []byte(result.String)
	}
	return &job, nil
}

func nullableResult(result []byte) any {
	if len(result) == 0 {
		return nil
	}
	return string(result)
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var sqliteErr *sqlite.Error
	if stdErrors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
		return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}
