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

	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the SQLite-backed persistence layer for all giveaway entities.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func Open(cfg Config, log zerolog.Logger) (*Store, error) {
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

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- broadcasts ----

func (s *Store) CreateBroadcast(ctx context.Context, b *Broadcast) (int64, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(created_by, segment, payload_type, payload_file_id, text, created_at)
		 VALUES(?,?,?,?,?,?)`,
		b.CreatedBy, string(b.Segment), string(b.Payload), nullStr(b.FileID), nullStr(b.Text), fmtTime(b.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	b.ID = id
	return id, nil
}

// BroadcastByID returns (nil, nil) when the row does not exist.
func (s *Store) BroadcastByID(ctx context.Context, id int64) (*Broadcast, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_by, segment, payload_type, payload_file_id, text,
		        created_at, started_at, sent_at, sent_ok, sent_fail, is_cancelled, cancelled_at
		 FROM broadcasts WHERE id = ?`, id)

	var b Broadcast
	var seg, kind string
	var fileID, text sql.NullString
	var createdAt string
	var startedAt, sentAt, cancelledAt sql.NullString
	err := row.Scan(&b.ID, &b.CreatedBy, &seg, &kind, &fileID, &text,
		&createdAt, &startedAt, &sentAt, &b.SentOK, &b.SentFail, &b.IsCancelled, &cancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.Segment = Segment(seg)
	b.Payload = PayloadKind(kind)
	b.FileID = fileID.String
	b.Text = text.String
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if b.SentAt, err = parseNullTime(sentAt); err != nil {
		return nil, err
	}
	if b.CancelledAt, err = parseNullTime(cancelledAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// MarkBroadcastStarted sets started_at once. It reports whether this call
// was the one that set it; a previously started broadcast is left untouched.
func (s *Store) MarkBroadcastStarted(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET started_at = ? WHERE id = ? AND started_at IS NULL`,
		fmtTime(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) BroadcastCancelled(ctx context.Context, id int64) (bool, error) {
	var cancelled bool
	err := s.db.QueryRowContext(ctx, `SELECT is_cancelled FROM broadcasts WHERE id = ?`, id).Scan(&cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return cancelled, err
}

// CancelBroadcast flips the cancellation flag. cancelled_at is set only on
// the first request.
func (s *Store) CancelBroadcast(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET is_cancelled = 1, cancelled_at = COALESCE(cancelled_at, ?) WHERE id = ?`,
		fmtTime(at), id)
	return err
}

// FinishBroadcast persists the terminal state: sent_at plus final counters.
func (s *Store) FinishBroadcast(ctx context.Context, id int64, sentOK, sentFail int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET sent_at = ?, sent_ok = ?, sent_fail = ? WHERE id = ?`,
		fmtTime(at), sentOK, sentFail, id)
	return err
}

// ---- users ----

func (s *Store) UpsertUser(ctx context.Context, tgID int64, username string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(tg_id, username, first_seen_at, last_seen_at) VALUES(?,?,?,?)
		 ON CONFLICT(tg_id) DO UPDATE SET username = excluded.username, last_seen_at = excluded.last_seen_at`,
		tgID, nullStr(username), fmtTime(now), fmtTime(now))
	return err
}

func (s *Store) MarkUserBlocked(ctx context.Context, tgID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET is_blocked = 1 WHERE tg_id = ?`, tgID)
	return err
}

func (s *Store) MarkSubscribedVerified(ctx context.Context, tgID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET subscribed_verified_at = ? WHERE tg_id = ?`, fmtTime(at), tgID)
	return err
}

// UnblockedUserIDs returns every non-blocked user id in ascending order.
func (s *Store) UnblockedUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tg_id FROM users WHERE is_blocked = 0 ORDER BY tg_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *Store) UserByID(ctx context.Context, tgID int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tg_id, username, is_blocked, subscribed_verified_at, first_seen_at, last_seen_at
		 FROM users WHERE tg_id = ?`, tgID)
	var u User
	var username sql.NullString
	var verifiedAt sql.NullString
	var firstSeen, lastSeen string
	err := row.Scan(&u.TgID, &username, &u.IsBlocked, &verifiedAt, &firstSeen, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Username = username.String
	if u.SubscribedVerifiedAt, err = parseNullTime(verifiedAt); err != nil {
		return nil, err
	}
	if u.FirstSeenAt, err = parseTime(firstSeen); err != nil {
		return nil, err
	}
	if u.LastSeenAt, err = parseTime(lastSeen); err != nil {
		return nil, err
	}
	return &u, nil
}

// ---- giveaways / entries / winners ----

func (s *Store) ActiveGiveaway(ctx context.Context) (*Giveaway, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, rules_text, required_channel, draw_at, status, created_at, closed_at
		 FROM giveaways WHERE status = 'active'`)
	return scanGiveaway(row)
}

func (s *Store) CreateGiveaway(ctx context.Context, g *Giveaway) (int64, error) {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	if g.Status == "" {
		g.Status = GiveawayActive
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO giveaways(title, rules_text, required_channel, draw_at, status, created_at)
		 VALUES(?,?,?,?,?,?)`,
		g.Title, g.RulesText, g.RequiredChannel, nullTime(g.DrawAt), string(g.Status), fmtTime(g.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrActiveGiveawayExists
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	g.ID = id
	return id, nil
}

func (s *Store) CloseGiveaway(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE giveaways SET status = 'closed', closed_at = ? WHERE id = ? AND status = 'active'`,
		fmtTime(at), id)
	return err
}

func (s *Store) CreateEntry(ctx context.Context, e *Entry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = EntryPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(giveaway_id, tg_id, status, screenshot_file_id, fio, phone, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		e.GiveawayID, e.UserID, string(e.Status), e.ScreenshotFileID, e.FIO, e.Phone, fmtTime(e.CreatedAt))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

func (s *Store) SetEntryStatus(ctx context.Context, entryID int64, status EntryStatus, reviewedBy int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entries SET status = ?, reviewed_at = ?, reviewed_by = ? WHERE id = ?`,
		string(status), fmtTime(at), reviewedBy, entryID)
	return err
}

// ApprovedEntrantIDs returns non-blocked users with an approved entry in the
// giveaway, ascending, deduplicated.
func (s *Store) ApprovedEntrantIDs(ctx context.Context, giveawayID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT u.tg_id
		 FROM entries e JOIN users u ON u.tg_id = e.tg_id
		 WHERE e.giveaway_id = ? AND e.status = 'approved' AND u.is_blocked = 0
		 ORDER BY u.tg_id`, giveawayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// EligibleEntries is the draw population: approved entries whose user has a
// username and is not blocked.
func (s *Store) EligibleEntries(ctx context.Context, giveawayID int64) ([]EligibleEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, u.tg_id, u.username
		 FROM entries e JOIN users u ON u.tg_id = e.tg_id
		 WHERE e.giveaway_id = ? AND e.status = 'approved'
		   AND u.is_blocked = 0 AND u.username IS NOT NULL AND u.username <> ''
		 ORDER BY e.id`, giveawayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EligibleEntry
	for rows.Next() {
		var e EligibleEntry
		if err := rows.Scan(&e.EntryID, &e.UserID, &e.Username); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateWinner(ctx context.Context, giveawayID, entryID int64, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO winners(giveaway_id, entry_id, chosen_at) VALUES(?,?,?)`,
		giveawayID, entryID, fmtTime(at))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) WinnersByGiveaway(ctx context.Context, giveawayID int64) ([]Winner, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, giveaway_id, entry_id, chosen_at FROM winners WHERE giveaway_id = ? ORDER BY id`, giveawayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Winner
	for rows.Next() {
		var w Winner
		var chosen string
		if err := rows.Scan(&w.ID, &w.GiveawayID, &w.EntryID, &chosen); err != nil {
			return nil, err
		}
		if w.ChosenAt, err = parseTime(chosen); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ---- admins ----

func (s *Store) UpsertAdmin(ctx context.Context, tgID int64, username string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admins(tg_id, username, is_active) VALUES(?,?,?)
		 ON CONFLICT(tg_id) DO UPDATE SET username = excluded.username, is_active = excluded.is_active`,
		tgID, nullStr(username), active)
	return err
}

func (s *Store) ActiveAdminIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tg_id FROM admins WHERE is_active = 1 ORDER BY tg_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ---- helpers ----

func scanIDs(rows *sql.Rows) ([]int64, error) {
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

func scanGiveaway(row *sql.Row) (*Giveaway, error) {
	var g Giveaway
	var status string
	var drawAt, closedAt sql.NullString
	var createdAt string
	err := row.Scan(&g.ID, &g.Title, &g.RulesText, &g.RequiredChannel, &drawAt, &status, &createdAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g.Status = GiveawayStatus(status)
	if g.DrawAt, err = parseNullTime(drawAt); err != nil {
		return nil, err
	}
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if g.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}
