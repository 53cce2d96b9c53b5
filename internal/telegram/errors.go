package telegram

import (
	"errors"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v4"
)

// ErrRecipientBlocked signals the platform's "forbidden" condition: the
// recipient blocked the bot, was deactivated, or never started the chat.
// Callers must not retry such a send.
var ErrRecipientBlocked = errors.New("recipient blocked the bot")

// RetryAfterError is the platform's rate-limit signal. All sending must be
// suspended for After before resuming.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.After)
}

// RetryAfter extracts the backoff duration from a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.After, true
	}
	return 0, false
}

// translate maps raw telebot errors onto the domain taxonomy. Anything not
// recognized passes through unchanged and counts as an ordinary failure.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		after := time.Duration(flood.RetryAfter) * time.Second
		if after <= 0 {
			after = time.Second
		}
		return &RetryAfterError{After: after}
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code == 403 {
		return fmt.Errorf("%w: %s", ErrRecipientBlocked, apiErr.Description)
	}
	return err
}
