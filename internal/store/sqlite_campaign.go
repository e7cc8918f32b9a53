package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const campaignCols = `id, guild_id, name, message, mode, pace, start_at, status, total_targets, sent_targets, failed_targets, created_by, created_at, updated_at`

func scanCampaign(sc interface{ Scan(...any) error }) (Campaign, error) {
	var c Campaign
	var mode, status string
	var startAt sql.NullInt64
	var created, updated int64
	err := sc.Scan(&c.ID, &c.GuildID, &c.Name, &c.Message, &mode, &c.Pace,
		&startAt, &status, &c.TotalTargets, &c.SentTargets, &c.FailedTargets,
		&c.CreatedBy, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, err
	}
	c.Mode = CampaignMode(mode)
	c.Status = CampaignStatus(status)
	c.StartAt = timeOfNull(startAt)
	c.CreatedAt = timeOf(created)
	c.UpdatedAt = timeOf(updated)
	return c, nil
}

func (s *sqliteStore) InsertCampaign(ctx context.Context, c Campaign) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(`+campaignCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.GuildID, c.Name, c.Message, string(c.Mode), c.Pace,
		msOrNil(c.StartAt), string(c.Status), c.TotalTargets, c.SentTargets,
		c.FailedTargets, c.CreatedBy, msOf(c.CreatedAt), msOf(c.UpdatedAt),
	)
	if isUniqueErr(err) {
		return ErrDuplicate
	}
	return err
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	return scanCampaign(s.db.QueryRowContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id))
}

func (s *sqliteStore) ListCampaigns(ctx context.Context, guildID int64, limit int) ([]Campaign, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns
		 WHERE guild_id = ? ORDER BY created_at DESC LIMIT ?`, guildID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TransitionCampaign(ctx context.Context, id string, from, to CampaignStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), time.Now().UnixMilli(), id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SetCampaignStatus(ctx context.Context, id string, to CampaignStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishCampaign records completion tallies. Only a running campaign can
// complete; a campaign cancelled mid-drain keeps its cancelled status.
func (s *sqliteStore) FinishCampaign(ctx context.Context, id string, sent, failed int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, sent_targets = ?, failed_targets = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(CampaignCompleted), sent, failed, time.Now().UnixMilli(), id,
		string(CampaignRunning))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Targets.

func (s *sqliteStore) InsertTargets(ctx context.Context, ts []Target) error {
	if len(ts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO campaign_targets(campaign_id, user_id, bot_id, status, attempts, created_at)
		 VALUES(?,?,?,?,0,?)
		 ON CONFLICT(campaign_id, user_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, t := range ts {
		status := t.Status
		if status == "" {
			status = TargetPending
		}
		if _, err := stmt.ExecContext(ctx, t.CampaignID, t.UserID, t.BotID, string(status), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) PendingTargets(ctx context.Context, campaignID string) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT campaign_id, user_id, bot_id, status, attempts, last_error, sent_at, created_at
		 FROM campaign_targets
		 WHERE campaign_id = ? AND status = ? ORDER BY created_at`,
		campaignID, string(TargetPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		var t Target
		var status string
		var lastErr sql.NullString
		var sentAt sql.NullInt64
		var created int64
		if err := rows.Scan(&t.CampaignID, &t.UserID, &t.BotID, &status,
			&t.Attempts, &lastErr, &sentAt, &created); err != nil {
			return nil, err
		}
		t.Status = TargetStatus(status)
		t.LastError = strOf(lastErr)
		t.SentAt = timeOfNull(sentAt)
		t.CreatedAt = timeOf(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkTarget(ctx context.Context, campaignID string, userID int64, status TargetStatus, lastError string) error {
	var sentAt any
	if status == TargetSent {
		sentAt = time.Now().UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaign_targets SET status = ?, last_error = ?, sent_at = COALESCE(?, sent_at)
		 WHERE campaign_id = ? AND user_id = ? AND status = ?`,
		string(status), nullStr(lastError), sentAt, campaignID, userID, string(TargetPending))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) IncTargetAttempts(ctx context.Context, campaignID string, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_targets SET attempts = attempts + 1
		 WHERE campaign_id = ? AND user_id = ?`, campaignID, userID)
	return err
}

func (s *sqliteStore) TargetCounts(ctx context.Context, campaignID string) (map[TargetStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM campaign_targets
		 WHERE campaign_id = ? GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[TargetStatus]int, 4)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[TargetStatus(status)] = n
	}
	return out, rows.Err()
}

// Sends.

func (s *sqliteStore) AppendSend(ctx context.Context, r SendRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sends(campaign_id, user_id, bot_id, outcome, error_code, error_detail, at)
		 VALUES(?,?,?,?,?,?,?)`,
		r.CampaignID, r.UserID, r.BotID, string(r.Outcome),
		nullStr(r.ErrorCode), nullStr(r.ErrorDetail), msOf(r.At),
	)
	return err
}

func (s *sqliteStore) PruneSends(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sends WHERE at < ?`, msOf(before))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
