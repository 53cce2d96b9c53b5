package store

import (
	"errors"
	"time"
)

var (
	// ErrActiveGiveawayExists is returned when creating a giveaway while
	// another one is still active.
	ErrActiveGiveawayExists = errors.New("active giveaway already exists")

	// ErrRolloverConflict is returned when the automation watermark moved
	// underneath a rollover transaction (another invocation won the cycle).
	ErrRolloverConflict = errors.New("rollover already applied for this cycle")
)

// Segment selects which users receive a broadcast.
type Segment string

const (
	SegmentAllUsers           Segment = "all_users"
	SegmentSubscribedVerified Segment = "subscribed_verified"
	SegmentApprovedInActive   Segment = "approved_in_active_giveaway"
)

// PayloadKind is the closed set of broadcast payload kinds.
type PayloadKind string

const (
	PayloadText      PayloadKind = "text"
	PayloadPhoto     PayloadKind = "photo"
	PayloadVideo     PayloadKind = "video"
	PayloadDocument  PayloadKind = "document"
	PayloadVideoNote PayloadKind = "video_note"
)

type GiveawayStatus string

const (
	GiveawayActive GiveawayStatus = "active"
	GiveawayClosed GiveawayStatus = "closed"
)

type EntryStatus string

const (
	EntryPending  EntryStatus = "pending"
	EntryApproved EntryStatus = "approved"
	EntryRejected EntryStatus = "rejected"
)

type Broadcast struct {
	ID          int64
	CreatedBy   int64
	Segment     Segment
	Payload     PayloadKind
	FileID      string
	Text        string
	CreatedAt   time.Time
	StartedAt   *time.Time
	SentAt      *time.Time
	SentOK      int
	SentFail    int
	IsCancelled bool
	CancelledAt *time.Time
}

// Finished reports whether the broadcast reached its terminal state.
func (b *Broadcast) Finished() bool { return b.SentAt != nil }

// AutomationSettings is a singleton row (id = 1).
//
// Scheduling mode is selected by StartAt: when set, the scheduler runs in
// exact-start mode and LastRunAt guards repeats; when nil, DayOfMonth mode
// applies and LastRunMonth ("2006-01") is the watermark.
type AutomationSettings struct {
	IsEnabled       bool
	DayOfMonth      int
	TitleTemplate   string
	RulesText       string
	RequiredChannel string
	DrawOffsetDays  int
	StartAt         *time.Time
	LastRunAt       *time.Time
	LastRunMonth    string
	UpdatedAt       time.Time
}

type Giveaway struct {
	ID              int64
	Title           string
	RulesText       string
	RequiredChannel string
	DrawAt          *time.Time
	Status          GiveawayStatus
	CreatedAt       time.Time
	ClosedAt        *time.Time
}

type Entry struct {
	ID               int64
	GiveawayID       int64
	UserID           int64
	Status           EntryStatus
	ScreenshotFileID string
	FIO              string
	Phone            string
	CreatedAt        time.Time
	ReviewedAt       *time.Time
	ReviewedBy       *int64
}

type User struct {
	TgID                 int64
	Username             string
	IsBlocked            bool
	SubscribedVerifiedAt *time.Time
	FirstSeenAt          time.Time
	LastSeenAt           time.Time
}

type Winner struct {
	ID         int64
	GiveawayID int64
	EntryID    int64
	ChosenAt   time.Time
}

// EligibleEntry is a draw candidate: an approved entry whose user has a
// username and is not blocked.
type EligibleEntry struct {
	EntryID  int64
	UserID   int64
	Username string
}

// Rollover describes one scheduled giveaway transition. The store applies
// it as a single transaction: close + winner + new giveaway + watermark.
type Rollover struct {
	// CloseGiveawayID closes this giveaway, if non-zero.
	CloseGiveawayID int64
	// WinnerEntryID records a winner for the closed giveaway, if non-zero.
	WinnerEntryID int64

	NewGiveaway Giveaway

	// Watermark advance. Exact-start mode swaps PrevStartAt -> NextStartAt;
	// day-of-month mode stamps RunMonth. Both set LastRunAt = RunAt.
	ExactStart  bool
	PrevStartAt time.Time
	NextStartAt time.Time
	RunMonth    string
	RunAt       time.Time
}
