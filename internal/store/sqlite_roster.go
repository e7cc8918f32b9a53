package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Members and allow/deny lists.

func (s *sqliteStore) UpsertMember(ctx context.Context, m Member) error {
	if m.LastSeen.IsZero() {
		m.LastSeen = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members(guild_id, user_id, username, last_seen)
		 VALUES(?,?,?,?)
		 ON CONFLICT(guild_id, user_id) DO UPDATE SET
		   username = excluded.username,
		   last_seen = excluded.last_seen`,
		m.GuildID, m.UserID, nullStr(m.Username), msOf(m.LastSeen),
	)
	return err
}

func (s *sqliteStore) DeleteMember(ctx context.Context, guildID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM members WHERE guild_id = ? AND user_id = ?`, guildID, userID)
	return err
}

// EligibleMembers returns the DM-able members of a guild: tracked members
// plus whitelist entries, minus the blacklist.
func (s *sqliteStore) EligibleMembers(ctx context.Context, guildID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM members WHERE guild_id = ?
		 UNION
		 SELECT user_id FROM list_entries WHERE guild_id = ? AND kind = ?
		 EXCEPT
		 SELECT user_id FROM list_entries WHERE guild_id = ? AND kind = ?`,
		guildID, guildID, string(ListWhitelist), guildID, string(ListBlacklist))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddListEntry(ctx context.Context, e ListEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO list_entries(guild_id, user_id, kind, reason, added_by, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(guild_id, user_id, kind) DO UPDATE SET
		   reason = excluded.reason,
		   added_by = excluded.added_by`,
		e.GuildID, e.UserID, string(e.Kind), nullStr(e.Reason), e.AddedBy, msOf(e.CreatedAt),
	)
	return err
}

func (s *sqliteStore) RemoveListEntry(ctx context.Context, guildID, userID int64, kind ListKind) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM list_entries WHERE guild_id = ? AND user_id = ? AND kind = ?`,
		guildID, userID, string(kind))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) InList(ctx context.Context, guildID, userID int64, kind ListKind) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM list_entries WHERE guild_id = ? AND user_id = ? AND kind = ?`,
		guildID, userID, string(kind)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Audit.

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, action, entity_kind, entity_id, detail)
		 VALUES(?,?,?,?,?,?)`,
		msOf(e.At), e.ActorID, e.Action, nullStr(e.EntityKind), nullStr(e.EntityID), nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) PruneAudits(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, msOf(before))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
