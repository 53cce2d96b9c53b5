package automation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"giveawaybot/internal/store"
)

// Notifier is the direct-send surface used for rollover announcements.
type Notifier interface {
	SendChannelText(ctx context.Context, channel string, text string) error
	SendText(ctx context.Context, chatID int64, text string) error
}

// Broadcasts is the job dispatch surface for store-wide announcements.
type Broadcasts interface {
	EnqueueText(text string)
	EnqueueTextExcluding(text string, exclude []int64)
}

// Store is the persistence surface consumed by the checker.
type Store interface {
	AutomationSettings(ctx context.Context) (*store.AutomationSettings, error)
	ActiveGiveaway(ctx context.Context) (*store.Giveaway, error)
	EligibleEntries(ctx context.Context, giveawayID int64) ([]store.EligibleEntry, error)
	ApplyRollover(ctx context.Context, r store.Rollover) error
	ActiveAdminIDs(ctx context.Context) ([]int64, error)
}

// Checker decides, once per scheduling cycle, when to close the current
// giveaway, draw its winner and open the next one. Each invocation is
// stateless given the settings row; the persisted watermark makes repeats
// within a cycle no-ops.
type Checker struct {
	store      Store
	client     Notifier
	broadcasts Broadcasts
	log        zerolog.Logger

	now  func() time.Time
	pick func(n int) int
}

func NewChecker(st Store, client Notifier, broadcasts Broadcasts, log zerolog.Logger) *Checker {
	return &Checker{
		store:      st,
		client:     client,
		broadcasts: broadcasts,
		log:        log,
		now:        time.Now,
		pick:       rand.IntN,
	}
}

// Check performs at most one rollover. It is safe to invoke repeatedly on
// any cadence; overlapping invocations are serialized by the caller and the
// store's watermark guard catches stragglers.
func (c *Checker) Check(ctx context.Context) error {
	now := c.now().UTC()

	s, err := c.store.AutomationSettings(ctx)
	if err != nil {
		return fmt.Errorf("load automation settings: %w", err)
	}
	if !s.IsEnabled || strings.TrimSpace(s.RequiredChannel) == "" || strings.TrimSpace(s.RulesText) == "" {
		return nil
	}

	if s.StartAt != nil {
		runAt := s.StartAt.UTC()
		if now.Before(runAt) {
			return nil
		}
		if s.LastRunAt != nil && !s.LastRunAt.Before(runAt) {
			return nil
		}
		next := addOneCalendarMonth(runAt)
		wm := store.Rollover{ExactStart: true, PrevStartAt: runAt, NextStartAt: next, RunAt: runAt}
		return c.rollover(ctx, s, runAt, next, wm)
	}

	runAt := dayOfMonthRunAt(now, s.DayOfMonth)
	if now.Before(runAt) {
		return nil
	}
	if s.LastRunMonth == monthKey(runAt) {
		return nil
	}
	next := addOneCalendarMonth(runAt)
	wm := store.Rollover{RunMonth: monthKey(runAt), RunAt: runAt}
	return c.rollover(ctx, s, runAt, next, wm)
}

func (c *Checker) rollover(ctx context.Context, s *store.AutomationSettings, runAt, next time.Time, r store.Rollover) error {
	active, err := c.store.ActiveGiveaway(ctx)
	if err != nil {
		return fmt.Errorf("load active giveaway: %w", err)
	}

	var winner *store.EligibleEntry
	if active != nil {
		eligible, err := c.store.EligibleEntries(ctx, active.ID)
		if err != nil {
			return fmt.Errorf("load eligible entries: %w", err)
		}
		if len(eligible) > 0 {
			w := eligible[c.pick(len(eligible))]
			winner = &w
		}
		r.CloseGiveawayID = active.ID
		if winner != nil {
			r.WinnerEntryID = winner.EntryID
		}
	}

	title := renderTitle(s.TitleTemplate, runAt)
	drawAt := next.AddDate(0, 0, s.DrawOffsetDays)
	r.NewGiveaway = store.Giveaway{
		Title:           title,
		RulesText:       s.RulesText,
		RequiredChannel: s.RequiredChannel,
		DrawAt:          &drawAt,
	}

	if err := c.store.ApplyRollover(ctx, r); err != nil {
		if errors.Is(err, store.ErrRolloverConflict) {
			c.log.Info().Time("run_at", runAt).Msg("rollover already applied for this cycle")
			return nil
		}
		return fmt.Errorf("apply rollover: %w", err)
	}

	c.log.Info().
		Time("run_at", runAt).
		Time("next_run_at", next).
		Str("title", title).
		Bool("drew_winner", winner != nil).
		Msg("giveaway rollover applied")

	// Announcements are best-effort: none of them may block the transition.
	if active != nil && winner != nil {
		c.announceWinner(ctx, s.RequiredChannel, active, winner)
	}
	c.announceStart(ctx, s, title, drawAt)
	return nil
}

func (c *Checker) announceWinner(ctx context.Context, channel string, g *store.Giveaway, w *store.EligibleEntry) {
	text := fmt.Sprintf("🎉 The winner of “%s” is @%s. Congratulations!", g.Title, w.Username)
	if err := c.client.SendChannelText(ctx, channel, text); err != nil {
		c.log.Warn().Err(err).Msg("winner channel announcement failed")
	}
	if err := c.client.SendText(ctx, w.UserID, fmt.Sprintf("🎉 You won “%s”! We will contact you shortly.", g.Title)); err != nil {
		c.log.Warn().Err(err).Int64("user", w.UserID).Msg("winner direct message failed")
	}
	c.broadcasts.EnqueueTextExcluding(
		fmt.Sprintf("The giveaway “%s” has ended, the winner is @%s. Thanks to everyone who joined, a new round starts now!", g.Title, w.Username),
		[]int64{w.UserID},
	)
}

func (c *Checker) announceStart(ctx context.Context, s *store.AutomationSettings, title string, drawAt time.Time) {
	channelText := fmt.Sprintf("🎁 %s has started!\n\n%s\n\nWinner drawn on %s.",
		title, s.RulesText, drawAt.Format("02.01.2006"))
	if err := c.client.SendChannelText(ctx, s.RequiredChannel, channelText); err != nil {
		c.log.Warn().Err(err).Msg("start channel announcement failed")
	}

	c.broadcasts.EnqueueText(fmt.Sprintf("🎁 A new giveaway “%s” has started, send your entry in the bot!", title))

	admins, err := c.store.ActiveAdminIDs(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("loading staff accounts failed; skipping staff notifications")
		return
	}
	for _, id := range admins {
		if err := c.client.SendText(ctx, id, fmt.Sprintf("Automation opened “%s” (draw %s).", title, drawAt.Format("02.01.2006"))); err != nil {
			c.log.Warn().Err(err).Int64("admin", id).Msg("staff notification failed")
		}
	}
}
