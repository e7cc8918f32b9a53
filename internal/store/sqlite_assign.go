package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const assignCols = `id, guild_id, user_id, bot_id, fallbacks, reason, active, total_sent, assigned_at, last_dm_at, updated_at`

func joinFallbacks(fb []string) string {
	return strings.Join(fb, ",")
}

func splitFallbacks(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func scanAssignment(sc interface{ Scan(...any) error }) (Assignment, error) {
	var a Assignment
	var fallbacks string
	var active int
	var assigned, updated int64
	var lastDM sql.NullInt64
	err := sc.Scan(&a.ID, &a.GuildID, &a.UserID, &a.BotID, &fallbacks, &a.Reason,
		&active, &a.TotalSent, &assigned, &lastDM, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, ErrNotFound
	}
	if err != nil {
		return Assignment{}, err
	}
	a.Fallbacks = splitFallbacks(fallbacks)
	a.Active = active != 0
	a.AssignedAt = timeOf(assigned)
	a.LastDMAt = timeOfNull(lastDM)
	a.UpdatedAt = timeOf(updated)
	return a, nil
}

func (s *sqliteStore) ActiveAssignment(ctx context.Context, guildID, userID int64) (Assignment, error) {
	return scanAssignment(s.db.QueryRowContext(ctx,
		`SELECT `+assignCols+` FROM assignments
		 WHERE guild_id = ? AND user_id = ? AND active = 1`, guildID, userID))
}

func (s *sqliteStore) TouchAssignment(ctx context.Context, id int64, at time.Time) error {
	ms := msOf(at)
	_, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET total_sent = total_sent + 1, last_dm_at = ?, updated_at = ?
		 WHERE id = ?`, ms, ms, id)
	return err
}

func (s *sqliteStore) PromoteFallback(ctx context.Context, id int64, newBotID string, at time.Time) error {
	a, err := scanAssignment(s.db.QueryRowContext(ctx,
		`SELECT `+assignCols+` FROM assignments WHERE id = ?`, id))
	if err != nil {
		return err
	}
	// Remove the promoted bot from the chain; the old primary is dropped,
	// not demoted, since it already failed.
	var rest []string
	for _, fb := range a.Fallbacks {
		if fb != newBotID {
			rest = append(rest, fb)
		}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET bot_id = ?, fallbacks = ?, reason = ?, updated_at = ?
		 WHERE id = ? AND active = 1`,
		newBotID, joinFallbacks(rest), ReasonFallback, msOf(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CountActiveAssignments(ctx context.Context, guildID int64, botID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assignments WHERE guild_id = ? AND bot_id = ? AND active = 1`,
		guildID, botID).Scan(&n)
	return n, err
}

func (s *sqliteStore) SupersedeAssignment(ctx context.Context, a Assignment) error {
	now := time.Now()
	if a.AssignedAt.IsZero() {
		a.AssignedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE assignments SET active = 0, updated_at = ?
		 WHERE guild_id = ? AND user_id = ? AND active = 1`,
		msOf(now), a.GuildID, a.UserID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO assignments(guild_id, user_id, bot_id, fallbacks, reason, active, total_sent, assigned_at, last_dm_at, updated_at)
		 VALUES(?,?,?,?,?,1,?,?,?,?)`,
		a.GuildID, a.UserID, a.BotID, joinFallbacks(a.Fallbacks), a.Reason,
		a.TotalSent, msOf(a.AssignedAt), msOrNil(a.LastDMAt), msOf(a.UpdatedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) DeactivateAssignments(ctx context.Context, guildID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET active = 0, updated_at = ?
		 WHERE guild_id = ? AND user_id = ? AND active = 1`,
		time.Now().UnixMilli(), guildID, userID)
	return err
}

// ReassignMembers moves every active assignment on oldBotID in a guild to
// newBotID. Each move is a supersede, keeping the one-active-row invariant
// and the audit trail of prior rows.
func (s *sqliteStore) ReassignMembers(ctx context.Context, oldBotID, newBotID string, guildID int64) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assignCols+` FROM assignments
		 WHERE guild_id = ? AND bot_id = ? AND active = 1`, guildID, oldBotID)
	if err != nil {
		return 0, err
	}
	var olds []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		olds = append(olds, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	moved := 0
	for _, old := range olds {
		var rest []string
		for _, fb := range old.Fallbacks {
			if fb != newBotID && fb != oldBotID {
				rest = append(rest, fb)
			}
		}
		next := Assignment{
			GuildID:   old.GuildID,
			UserID:    old.UserID,
			BotID:     newBotID,
			Fallbacks: rest,
			Reason:    ReasonBotMigration,
			TotalSent: old.TotalSent,
			LastDMAt:  old.LastDMAt,
		}
		if err := s.SupersedeAssignment(ctx, next); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// DeactivateDepartedAssignments retires assignments for members who left
// the guild and are not whitelisted.
func (s *sqliteStore) DeactivateDepartedAssignments(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET active = 0, updated_at = ?
		 WHERE active = 1
		   AND NOT EXISTS (
		     SELECT 1 FROM members m
		     WHERE m.guild_id = assignments.guild_id AND m.user_id = assignments.user_id)
		   AND NOT EXISTS (
		     SELECT 1 FROM list_entries w
		     WHERE w.guild_id = assignments.guild_id AND w.user_id = assignments.user_id
		       AND w.kind = ?)`,
		time.Now().UnixMilli(), string(ListWhitelist))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) AssignmentLoads(ctx context.Context, guildID int64) ([]BotLoad, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bot_id, COUNT(*), COALESCE(SUM(total_sent), 0)
		 FROM assignments WHERE guild_id = ? AND active = 1
		 GROUP BY bot_id`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BotLoad
	for rows.Next() {
		var l BotLoad
		if err := rows.Scan(&l.BotID, &l.Count, &l.DMsSum); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
