package broadcast

import (
	"context"
	"errors"
	"fmt"

	"giveawaybot/internal/store"
	"giveawaybot/internal/telegram"
)

// Sender delivers one broadcast payload to one recipient and classifies the
// outcome. Classification is pure; the send itself is the only side effect.
type Sender struct {
	client Messenger
}

func NewSender(client Messenger) Sender { return Sender{client: client} }

func (s Sender) Send(ctx context.Context, userID int64, b *store.Broadcast) SendResult {
	var err error
	switch b.Payload {
	case store.PayloadText:
		err = s.client.SendText(ctx, userID, b.Text)
	case store.PayloadPhoto:
		err = s.client.SendPhoto(ctx, userID, b.FileID, b.Text)
	case store.PayloadVideo:
		err = s.client.SendVideo(ctx, userID, b.FileID, b.Text)
	case store.PayloadDocument:
		err = s.client.SendDocument(ctx, userID, b.FileID, b.Text)
	case store.PayloadVideoNote:
		err = s.client.SendVideoNote(ctx, userID, b.FileID)
	default:
		err = fmt.Errorf("unknown payload kind %q", b.Payload)
	}
	return classify(err)
}

func classify(err error) SendResult {
	if err == nil {
		return SendResult{Outcome: OutcomeOK}
	}
	if after, ok := telegram.RetryAfter(err); ok {
		return SendResult{Outcome: OutcomeRateLimited, RetryAfter: after, Err: err}
	}
	if errors.Is(err, telegram.ErrRecipientBlocked) {
		return SendResult{Outcome: OutcomeBlocked, Err: err}
	}
	return SendResult{Outcome: OutcomeFailed, Err: err}
}
