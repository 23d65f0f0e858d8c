package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pigment-org/key-service/internal/logger"
)

// SQLStore persists API key records in SQLite or PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	dbType DBType
	logger *logger.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLiteStore creates a SQLite-backed store.
// Use ":memory:" for an in-memory database (ephemeral, for testing).
// Use a file path like "/data/key-service.db" for persistent storage.
func NewSQLiteStore(ctx context.Context, log *logger.Logger, dbPath string) (*SQLStore, error) {
	if dbPath == "" {
		dbPath = sqliteMemory
	}

	dsn := dbPath
	if dbPath != sqliteMemory {
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", dbPath)
	}

	db, err := sql.Open(driverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	configureConnectionPool(db, DBTypeSQLite)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	s := &SQLStore{db: db, dbType: DBTypeSQLite, logger: log}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if dbPath == sqliteMemory {
		log.Info("Connected to SQLite in-memory database (ephemeral - data will be lost on restart)")
	} else {
		log.Info("Connected to SQLite database", "path", dbPath)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	// Timestamps are stored as RFC3339 TEXT - SQLite has no TIMESTAMPTZ,
	// and TEXT is portable across both backends.
	createTableQuery := `
	CREATE TABLE IF NOT EXISTS api_keys (
		key TEXT PRIMARY KEY,
		key_prefix TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		project TEXT NOT NULL,
		email TEXT,
		ip TEXT,
		user_agent TEXT,
		rate_limit BIGINT NOT NULL,
		requests_1m BIGINT NOT NULL DEFAULT 0,
		requests_1h BIGINT NOT NULL DEFAULT 0,
		requests_1d BIGINT NOT NULL DEFAULT 0,
		total_requests BIGINT NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		last_used TEXT
	)`

	if _, err := s.db.ExecContext(ctx, createTableQuery); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix)`); err != nil {
		return fmt.Errorf("failed to create key prefix index: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_api_keys_project ON api_keys(project)`); err != nil {
		return fmt.Errorf("failed to create project index: %w", err)
	}

	return nil
}

func (s *SQLStore) placeholder(index int) string {
	return placeholder(s.dbType, index)
}

func (s *SQLStore) Insert(ctx context.Context, rec *Record) error {
	key := strings.TrimSpace(rec.Key)
	if key == "" {
		return ErrEmptyKey
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	createdStr := createdAt.UTC().Format(time.RFC3339)

	//nolint:gosec // G201: Safe - using placeholder indices, not user input
	query := fmt.Sprintf(`
	INSERT INTO api_keys (key, key_prefix, subject_id, project, email, ip, user_agent,
		rate_limit, requests_1m, requests_1h, requests_1d, total_requests, active, created_at)
	VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
	`, s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7), s.placeholder(8),
		s.placeholder(9), s.placeholder(10), s.placeholder(11), s.placeholder(12),
		s.placeholder(13), s.placeholder(14))

	_, err := s.db.ExecContext(ctx, query,
		key, Prefix(key), rec.SubjectID, rec.Project, rec.Email, rec.IP, rec.UserAgent,
		rec.RateLimit, rec.Requests1m, rec.Requests1h, rec.Requests1d, rec.TotalRequests,
		rec.Active, createdStr)
	if err != nil {
		return fmt.Errorf("failed to insert api key record: %w", err)
	}
	return nil
}

func (s *SQLStore) GetByKey(ctx context.Context, key string) (*Record, error) {
	//nolint:gosec // G201: Safe - using placeholder indices, not user input
	query := fmt.Sprintf(`
	SELECT key, key_prefix, subject_id, project, COALESCE(email, ''), COALESCE(ip, ''),
		COALESCE(user_agent, ''), rate_limit, requests_1m, requests_1h, requests_1d,
		total_requests, active, created_at, last_used
	FROM api_keys
	WHERE key = %s
	`, s.placeholder(1))

	row := s.db.QueryRowContext(ctx, query, key)

	var rec Record
	var createdStr string
	var lastUsedStr sql.NullString
	if err := row.Scan(&rec.Key, &rec.KeyPrefix, &rec.SubjectID, &rec.Project, &rec.Email,
		&rec.IP, &rec.UserAgent, &rec.RateLimit, &rec.Requests1m, &rec.Requests1h,
		&rec.Requests1d, &rec.TotalRequests, &rec.Active, &createdStr, &lastUsedStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}

	if created, err := time.Parse(time.RFC3339, createdStr); err == nil {
		rec.CreatedAt = created
	} else {
		s.logger.Warn("Failed to parse creation date for api key", "key_prefix", rec.KeyPrefix, "error", err)
	}
	if lastUsedStr.Valid && lastUsedStr.String != "" {
		if lastUsed, err := time.Parse(time.RFC3339, lastUsedStr.String); err == nil {
			rec.LastUsed = &lastUsed
		}
	}

	return &rec, nil
}

// RecordUsage is the durable half of admission: the ceiling check and the
// counter increments execute as one conditional UPDATE, so two concurrent
// callers racing at the limit boundary cannot both get through.
func (s *SQLStore) RecordUsage(ctx context.Context, key string, limit int64, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)

	//nolint:gosec // G201: Safe - using placeholder indices, not user input
	query := fmt.Sprintf(`
	UPDATE api_keys
	SET requests_1m = requests_1m + 1,
		requests_1h = requests_1h + 1,
		requests_1d = requests_1d + 1,
		total_requests = total_requests + 1,
		last_used = %s
	WHERE key = %s AND requests_1m < %s
	`, s.placeholder(1), s.placeholder(2), s.placeholder(3))

	result, err := s.db.ExecContext(ctx, query, nowStr, key, limit)
	if err != nil {
		return false, fmt.Errorf("failed to record api key usage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}
