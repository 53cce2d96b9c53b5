package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// AutomationSettings loads the singleton row, creating a disabled default
// on first access.
func (s *Store) AutomationSettings(ctx context.Context) (*AutomationSettings, error) {
	as, err := s.readAutomationSettings(ctx)
	if err != nil {
		return nil, err
	}
	if as != nil {
		return as, nil
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO automation_settings(id, is_enabled, day_of_month, updated_at) VALUES(1, 0, 1, ?)
		 ON CONFLICT(id) DO NOTHING`, fmtTime(now))
	if err != nil {
		return nil, err
	}
	return s.readAutomationSettings(ctx)
}

func (s *Store) readAutomationSettings(ctx context.Context) (*AutomationSettings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT is_enabled, day_of_month, title_template, rules_text, required_channel,
		        draw_offset_days, start_at, last_run_at, last_run_month, updated_at
		 FROM automation_settings WHERE id = 1`)

	var as AutomationSettings
	var startAt, lastRunAt, lastRunMonth sql.NullString
	var updatedAt string
	err := row.Scan(&as.IsEnabled, &as.DayOfMonth, &as.TitleTemplate, &as.RulesText,
		&as.RequiredChannel, &as.DrawOffsetDays, &startAt, &lastRunAt, &lastRunMonth, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if as.StartAt, err = parseNullTime(startAt); err != nil {
		return nil, err
	}
	if as.LastRunAt, err = parseNullTime(lastRunAt); err != nil {
		return nil, err
	}
	as.LastRunMonth = lastRunMonth.String
	if as.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &as, nil
}

// UpdateAutomationSettings applies admin edits with the usual clamping:
// day_of_month 1..28, draw_offset_days 0..31, blank template keeps the old one.
func (s *Store) UpdateAutomationSettings(ctx context.Context, in AutomationSettings) error {
	cur, err := s.AutomationSettings(ctx)
	if err != nil {
		return err
	}
	title := in.TitleTemplate
	if title == "" {
		title = cur.TitleTemplate
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE automation_settings
		 SET is_enabled = ?, day_of_month = ?, title_template = ?, rules_text = ?,
		     required_channel = ?, draw_offset_days = ?, start_at = ?, updated_at = ?
		 WHERE id = 1`,
		in.IsEnabled, clamp(in.DayOfMonth, 1, 28), title, in.RulesText,
		in.RequiredChannel, clamp(in.DrawOffsetDays, 0, 31), nullTime(in.StartAt), fmtTime(time.Now().UTC()))
	return err
}

// ApplyRollover performs one scheduled giveaway transition atomically:
// close the outgoing giveaway, record its winner, insert the new giveaway,
// and advance the watermark. The watermark UPDATE is guarded so that a
// second invocation racing the same cycle fails with ErrRolloverConflict
// and the whole transaction rolls back.
func (s *Store) ApplyRollover(ctx context.Context, r Rollover) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := fmtTime(r.RunAt)

	var res sql.Result
	if r.ExactStart {
		res, err = tx.ExecContext(ctx,
			`UPDATE automation_settings
			 SET start_at = ?, last_run_at = ?, updated_at = ?
			 WHERE id = 1 AND start_at = ?`,
			fmtTime(r.NextStartAt), now, now, fmtTime(r.PrevStartAt))
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE automation_settings
			 SET last_run_month = ?, last_run_at = ?, updated_at = ?
			 WHERE id = 1 AND (last_run_month IS NULL OR last_run_month <> ?)`,
			r.RunMonth, now, now, r.RunMonth)
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrRolloverConflict
	}

	if r.CloseGiveawayID != 0 {
		if r.WinnerEntryID != 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO winners(giveaway_id, entry_id, chosen_at) VALUES(?,?,?)`,
				r.CloseGiveawayID, r.WinnerEntryID, now); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE giveaways SET status = 'closed', closed_at = ? WHERE id = ? AND status = 'active'`,
			now, r.CloseGiveawayID); err != nil {
			return err
		}
	}

	g := r.NewGiveaway
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO giveaways(title, rules_text, required_channel, draw_at, status, created_at)
		 VALUES(?,?,?,?,'active',?)`,
		g.Title, g.RulesText, g.RequiredChannel, nullTime(g.DrawAt), now); err != nil {
		if isUniqueViolation(err) {
			return ErrActiveGiveawayExists
		}
		return err
	}

	return tx.Commit()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
