package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "dmfleet/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if needed) the SQLite database at cfg.Path and
// applies migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Timestamps are stored as unix milliseconds; zero times map to NULL.

func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timeOf(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func strOf(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func timeOfNull(ni sql.NullInt64) time.Time {
	if ni.Valid {
		return timeOf(ni.Int64)
	}
	return time.Time{}
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}

// Bots.

func (s *sqliteStore) InsertBot(ctx context.Context, b Bot) error {
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bots(id, name, token_ciphertext, token_fingerprint, status, last_seen, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		b.ID, b.Name, b.TokenCiphertext, b.TokenFingerprint, string(b.Status),
		msOrNil(b.LastSeen), msOf(b.CreatedAt), msOf(b.UpdatedAt),
	)
	if isUniqueErr(err) {
		return ErrDuplicate
	}
	return err
}

func (s *sqliteStore) scanBot(row *sql.Row) (Bot, error) {
	var b Bot
	var status string
	var lastSeen sql.NullInt64
	var created, updated int64
	err := row.Scan(&b.ID, &b.Name, &b.TokenCiphertext, &b.TokenFingerprint,
		&status, &lastSeen, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Bot{}, ErrNotFound
	}
	if err != nil {
		return Bot{}, err
	}
	b.Status = BotStatus(status)
	b.LastSeen = timeOfNull(lastSeen)
	b.CreatedAt = timeOf(created)
	b.UpdatedAt = timeOf(updated)
	return b, nil
}

const botCols = `id, name, token_ciphertext, token_fingerprint, status, last_seen, created_at, updated_at`

func (s *sqliteStore) GetBot(ctx context.Context, id string) (Bot, error) {
	return s.scanBot(s.db.QueryRowContext(ctx,
		`SELECT `+botCols+` FROM bots WHERE id = ?`, id))
}

func (s *sqliteStore) FindBotByFingerprint(ctx context.Context, fp string) (Bot, error) {
	return s.scanBot(s.db.QueryRowContext(ctx,
		`SELECT `+botCols+` FROM bots WHERE token_fingerprint = ?`, fp))
}

func (s *sqliteStore) ListBots(ctx context.Context) ([]Bot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botCols+` FROM bots ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bot
	for rows.Next() {
		var b Bot
		var status string
		var lastSeen sql.NullInt64
		var created, updated int64
		if err := rows.Scan(&b.ID, &b.Name, &b.TokenCiphertext, &b.TokenFingerprint,
			&status, &lastSeen, &created, &updated); err != nil {
			return nil, err
		}
		b.Status = BotStatus(status)
		b.LastSeen = timeOfNull(lastSeen)
		b.CreatedAt = timeOf(created)
		b.UpdatedAt = timeOf(updated)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateBotStatus(ctx context.Context, id string, status BotStatus) error {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET status = ?, last_seen = ?, updated_at = ? WHERE id = ?`,
		string(status), now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteBot(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Health.

func (s *sqliteStore) UpsertHealth(ctx context.Context, h HealthRecord) error {
	if h.LastHeartbeat.IsZero() {
		h.LastHeartbeat = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_health(bot_id, status, latency_ms, errors_last_hour, last_heartbeat)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(bot_id) DO UPDATE SET
		   status = excluded.status,
		   latency_ms = excluded.latency_ms,
		   errors_last_hour = excluded.errors_last_hour,
		   last_heartbeat = excluded.last_heartbeat`,
		h.BotID, string(h.Status), h.LatencyMS, h.ErrorsLastHour, msOf(h.LastHeartbeat),
	)
	return err
}

func (s *sqliteStore) GetHealth(ctx context.Context, botID string) (HealthRecord, error) {
	var h HealthRecord
	var status string
	var beat int64
	err := s.db.QueryRowContext(ctx,
		`SELECT bot_id, status, latency_ms, errors_last_hour, last_heartbeat
		 FROM bot_health WHERE bot_id = ?`, botID).
		Scan(&h.BotID, &status, &h.LatencyMS, &h.ErrorsLastHour, &beat)
	if errors.Is(err, sql.ErrNoRows) {
		return HealthRecord{}, ErrNotFound
	}
	if err != nil {
		return HealthRecord{}, err
	}
	h.Status = HealthStatus(status)
	h.LastHeartbeat = timeOf(beat)
	return h, nil
}

func (s *sqliteStore) DeleteHealth(ctx context.Context, botID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bot_health WHERE bot_id = ?`, botID)
	return err
}

func (s *sqliteStore) PruneHealth(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM bot_health WHERE last_heartbeat < ?`, msOf(before))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
