package broadcast

import (
	"context"
	"time"

	"giveawaybot/internal/store"
	"giveawaybot/internal/telegram"
)

type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
	// Channel is the public channel used for subscribed-verified targeting.
	Channel string
}

// Messenger is the outbound surface of the messaging client consumed by the
// fan-out engine.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendPhoto(ctx context.Context, chatID int64, fileID, caption string) error
	SendVideo(ctx context.Context, chatID int64, fileID, caption string) error
	SendDocument(ctx context.Context, chatID int64, fileID, caption string) error
	SendVideoNote(ctx context.Context, chatID int64, fileID string) error
	ChatMemberStatus(ctx context.Context, channel string, userID int64) (telegram.MemberStatus, error)
}

// Store is the persistence surface consumed by the engine and resolver.
type Store interface {
	BroadcastByID(ctx context.Context, id int64) (*store.Broadcast, error)
	CreateBroadcast(ctx context.Context, b *store.Broadcast) (int64, error)
	MarkBroadcastStarted(ctx context.Context, id int64, at time.Time) (bool, error)
	BroadcastCancelled(ctx context.Context, id int64) (bool, error)
	FinishBroadcast(ctx context.Context, id int64, sentOK, sentFail int, at time.Time) error

	UnblockedUserIDs(ctx context.Context) ([]int64, error)
	ActiveGiveaway(ctx context.Context) (*store.Giveaway, error)
	ApprovedEntrantIDs(ctx context.Context, giveawayID int64) ([]int64, error)

	MarkUserBlocked(ctx context.Context, tgID int64) error
	MarkSubscribedVerified(ctx context.Context, tgID int64, at time.Time) error
}

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	// OutcomeOK: delivered.
	OutcomeOK Outcome = iota
	// OutcomeBlocked: permanent forbidden condition; mark the user blocked,
	// never retry.
	OutcomeBlocked
	// OutcomeRateLimited: suspend all sending for RetryAfter, then re-attempt
	// the same recipient.
	OutcomeRateLimited
	// OutcomeFailed: any other delivery failure; counted, not retried.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "failed"
	}
}

// SendResult carries the outcome plus the backoff hint for rate limits.
type SendResult struct {
	Outcome    Outcome
	RetryAfter time.Duration
	Err        error
}
