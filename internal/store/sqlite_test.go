package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ts(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func TestBroadcastLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	b := &Broadcast{
		CreatedBy: 9,
		Segment:   SegmentAllUsers,
		Payload:   PayloadPhoto,
		FileID:    "file-1",
		Text:      "caption",
	}
	id, err := s.CreateBroadcast(ctx, b)
	if err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}

	got, err := s.BroadcastByID(ctx, id)
	if err != nil {
		t.Fatalf("BroadcastByID: %v", err)
	}
	if got == nil || got.Segment != SegmentAllUsers || got.Payload != PayloadPhoto || got.FileID != "file-1" || got.Text != "caption" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Finished() {
		t.Fatal("fresh broadcast must not be finished")
	}

	start := ts(2026, time.March, 1, 10)
	claimed, err := s.MarkBroadcastStarted(ctx, id, start)
	if err != nil || !claimed {
		t.Fatalf("MarkBroadcastStarted = (%v, %v), want claimed", claimed, err)
	}
	claimed, err = s.MarkBroadcastStarted(ctx, id, start.Add(time.Hour))
	if err != nil || claimed {
		t.Fatalf("second MarkBroadcastStarted = (%v, %v), want not claimed", claimed, err)
	}

	if err := s.CancelBroadcast(ctx, id, start.Add(time.Minute)); err != nil {
		t.Fatalf("CancelBroadcast: %v", err)
	}
	cancelled, err := s.BroadcastCancelled(ctx, id)
	if err != nil || !cancelled {
		t.Fatalf("BroadcastCancelled = (%v, %v), want true", cancelled, err)
	}

	if err := s.FinishBroadcast(ctx, id, 7, 2, start.Add(2*time.Minute)); err != nil {
		t.Fatalf("FinishBroadcast: %v", err)
	}
	got, err = s.BroadcastByID(ctx, id)
	if err != nil {
		t.Fatalf("BroadcastByID after finish: %v", err)
	}
	if !got.Finished() || got.SentOK != 7 || got.SentFail != 2 {
		t.Fatalf("terminal state = %+v, want sent 7/2", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(start) {
		t.Fatalf("StartedAt = %v, want %v", got.StartedAt, start)
	}
}

func TestBroadcastByIDMissing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	got, err := s.BroadcastByID(context.Background(), 12345)
	if err != nil {
		t.Fatalf("BroadcastByID: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil for missing row", got)
	}
}

func TestUsers(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := ts(2026, time.March, 1, 10)

	for _, id := range []int64{3, 1, 2} {
		if err := s.UpsertUser(ctx, id, "", now); err != nil {
			t.Fatalf("UpsertUser(%d): %v", id, err)
		}
	}
	if err := s.UpsertUser(ctx, 2, "bob", now.Add(time.Hour)); err != nil {
		t.Fatalf("UpsertUser update: %v", err)
	}
	if err := s.MarkUserBlocked(ctx, 3); err != nil {
		t.Fatalf("MarkUserBlocked: %v", err)
	}

	ids, err := s.UnblockedUserIDs(ctx)
	if err != nil {
		t.Fatalf("UnblockedUserIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("UnblockedUserIDs = %v, want [1 2]", ids)
	}

	verifiedAt := now.Add(2 * time.Hour)
	if err := s.MarkSubscribedVerified(ctx, 2, verifiedAt); err != nil {
		t.Fatalf("MarkSubscribedVerified: %v", err)
	}
	u, err := s.UserByID(ctx, 2)
	if err != nil {
		t.Fatalf("UserByID: %v", err)
	}
	if u.Username != "bob" || !u.LastSeenAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("user = %+v", u)
	}
	if u.SubscribedVerifiedAt == nil || !u.SubscribedVerifiedAt.Equal(verifiedAt) {
		t.Fatalf("SubscribedVerifiedAt = %v, want %v", u.SubscribedVerifiedAt, verifiedAt)
	}
}

func TestOneActiveGiveaway(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first := &Giveaway{Title: "March"}
	if _, err := s.CreateGiveaway(ctx, first); err != nil {
		t.Fatalf("CreateGiveaway: %v", err)
	}
	if _, err := s.CreateGiveaway(ctx, &Giveaway{Title: "April"}); !errors.Is(err, ErrActiveGiveawayExists) {
		t.Fatalf("second active giveaway err = %v, want ErrActiveGiveawayExists", err)
	}

	if err := s.CloseGiveaway(ctx, first.ID, ts(2026, time.April, 1, 12)); err != nil {
		t.Fatalf("CloseGiveaway: %v", err)
	}
	g, err := s.ActiveGiveaway(ctx)
	if err != nil {
		t.Fatalf("ActiveGiveaway: %v", err)
	}
	if g != nil {
		t.Fatalf("active giveaway = %+v, want nil after close", g)
	}
	if _, err := s.CreateGiveaway(ctx, &Giveaway{Title: "April"}); err != nil {
		t.Fatalf("CreateGiveaway after close: %v", err)
	}
}

func TestEligibleEntries(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := ts(2026, time.March, 1, 10)

	g := &Giveaway{Title: "March"}
	if _, err := s.CreateGiveaway(ctx, g); err != nil {
		t.Fatalf("CreateGiveaway: %v", err)
	}

	seed := []struct {
		id       int64
		username string
		blocked  bool
		status   EntryStatus
	}{
		{1, "alice", false, EntryApproved},  // eligible
		{2, "", false, EntryApproved},       // no username
		{3, "carol", true, EntryApproved},   // blocked
		{4, "dave", false, EntryPending},    // not approved
		{5, "erin", false, EntryApproved},   // eligible
	}
	for _, u := range seed {
		if err := s.UpsertUser(ctx, u.id, u.username, now); err != nil {
			t.Fatalf("UpsertUser(%d): %v", u.id, err)
		}
		if u.blocked {
			if err := s.MarkUserBlocked(ctx, u.id); err != nil {
				t.Fatalf("MarkUserBlocked(%d): %v", u.id, err)
			}
		}
		if _, err := s.CreateEntry(ctx, &Entry{GiveawayID: g.ID, UserID: u.id, Status: u.status}); err != nil {
			t.Fatalf("CreateEntry(%d): %v", u.id, err)
		}
	}

	got, err := s.EligibleEntries(ctx, g.ID)
	if err != nil {
		t.Fatalf("EligibleEntries: %v", err)
	}
	if len(got) != 2 || got[0].Username != "alice" || got[1].Username != "erin" {
		t.Fatalf("eligible = %+v, want alice and erin", got)
	}

	ids, err := s.ApprovedEntrantIDs(ctx, g.ID)
	if err != nil {
		t.Fatalf("ApprovedEntrantIDs: %v", err)
	}
	// Username is not required for broadcast targeting, only for the draw.
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 5 {
		t.Fatalf("approved entrants = %v, want [1 2 5]", ids)
	}
}

func TestAutomationSettingsDefaultsAndClamps(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	as, err := s.AutomationSettings(ctx)
	if err != nil {
		t.Fatalf("AutomationSettings: %v", err)
	}
	if as.IsEnabled || as.DayOfMonth != 1 {
		t.Fatalf("defaults = %+v, want disabled, day 1", as)
	}
	if as.TitleTemplate == "" {
		t.Fatal("default title template must not be empty")
	}
	oldTitle := as.TitleTemplate

	err = s.UpdateAutomationSettings(ctx, AutomationSettings{
		IsEnabled:       true,
		DayOfMonth:      40,
		DrawOffsetDays:  -5,
		RulesText:       "rules",
		RequiredChannel: "@ch",
	})
	if err != nil {
		t.Fatalf("UpdateAutomationSettings: %v", err)
	}

	as, err = s.AutomationSettings(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !as.IsEnabled || as.DayOfMonth != 28 || as.DrawOffsetDays != 0 {
		t.Fatalf("clamped settings = %+v, want day 28, offset 0", as)
	}
	if as.TitleTemplate != oldTitle {
		t.Fatalf("blank template overwrote the old one: %q", as.TitleTemplate)
	}
}

func TestApplyRolloverDayOfMonth(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := ts(2026, time.March, 1, 12)

	if _, err := s.AutomationSettings(ctx); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	g := &Giveaway{Title: "February"}
	if _, err := s.CreateGiveaway(ctx, g); err != nil {
		t.Fatalf("CreateGiveaway: %v", err)
	}
	if err := s.UpsertUser(ctx, 1, "alice", now); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	e := &Entry{GiveawayID: g.ID, UserID: 1, Status: EntryApproved}
	if _, err := s.CreateEntry(ctx, e); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	r := Rollover{
		CloseGiveawayID: g.ID,
		WinnerEntryID:   e.ID,
		NewGiveaway:     Giveaway{Title: "March", RulesText: "rules", RequiredChannel: "@ch"},
		RunMonth:        "2026-03",
		RunAt:           now,
	}
	if err := s.ApplyRollover(ctx, r); err != nil {
		t.Fatalf("ApplyRollover: %v", err)
	}

	as, err := s.AutomationSettings(ctx)
	if err != nil {
		t.Fatalf("AutomationSettings: %v", err)
	}
	if as.LastRunMonth != "2026-03" || as.LastRunAt == nil || !as.LastRunAt.Equal(now) {
		t.Fatalf("watermark = month %q at %v", as.LastRunMonth, as.LastRunAt)
	}

	active, err := s.ActiveGiveaway(ctx)
	if err != nil {
		t.Fatalf("ActiveGiveaway: %v", err)
	}
	if active == nil || active.Title != "March" {
		t.Fatalf("active = %+v, want the March giveaway", active)
	}

	winners, err := s.WinnersByGiveaway(ctx, g.ID)
	if err != nil {
		t.Fatalf("WinnersByGiveaway: %v", err)
	}
	if len(winners) != 1 || winners[0].EntryID != e.ID {
		t.Fatalf("winners = %+v", winners)
	}

	// A straggler from the same cycle loses on the watermark and changes nothing.
	if err := s.ApplyRollover(ctx, r); !errors.Is(err, ErrRolloverConflict) {
		t.Fatalf("repeat ApplyRollover err = %v, want ErrRolloverConflict", err)
	}
	winners, err = s.WinnersByGiveaway(ctx, g.ID)
	if err != nil {
		t.Fatalf("WinnersByGiveaway: %v", err)
	}
	if len(winners) != 1 {
		t.Fatalf("conflict run added winners: %+v", winners)
	}
}

func TestApplyRolloverExactStart(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	start := ts(2026, time.January, 31, 12)

	if _, err := s.AutomationSettings(ctx); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	err := s.UpdateAutomationSettings(ctx, AutomationSettings{
		IsEnabled:       true,
		DayOfMonth:      1,
		RulesText:       "rules",
		RequiredChannel: "@ch",
		StartAt:         &start,
	})
	if err != nil {
		t.Fatalf("UpdateAutomationSettings: %v", err)
	}

	next := ts(2026, time.February, 28, 12)
	r := Rollover{
		NewGiveaway: Giveaway{Title: "February"},
		ExactStart:  true,
		PrevStartAt: start,
		NextStartAt: next,
		RunAt:       start,
	}
	if err := s.ApplyRollover(ctx, r); err != nil {
		t.Fatalf("ApplyRollover: %v", err)
	}

	as, err := s.AutomationSettings(ctx)
	if err != nil {
		t.Fatalf("AutomationSettings: %v", err)
	}
	if as.StartAt == nil || !as.StartAt.Equal(next) {
		t.Fatalf("StartAt = %v, want advanced to %v", as.StartAt, next)
	}

	// The stale PrevStartAt no longer matches the stored instant.
	if err := s.ApplyRollover(ctx, r); !errors.Is(err, ErrRolloverConflict) {
		t.Fatalf("stale ApplyRollover err = %v, want ErrRolloverConflict", err)
	}
}

func TestActiveAdminIDs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertAdmin(ctx, 2, "beta", true); err != nil {
		t.Fatalf("UpsertAdmin: %v", err)
	}
	if err := s.UpsertAdmin(ctx, 1, "alpha", true); err != nil {
		t.Fatalf("UpsertAdmin: %v", err)
	}
	if err := s.UpsertAdmin(ctx, 3, "gone", false); err != nil {
		t.Fatalf("UpsertAdmin: %v", err)
	}

	ids, err := s.ActiveAdminIDs(ctx)
	if err != nil {
		t.Fatalf("ActiveAdminIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("ActiveAdminIDs = %v, want [1 2]", ids)
	}
}
