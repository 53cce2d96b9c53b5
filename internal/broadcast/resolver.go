package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"giveawaybot/internal/store"
)

// Resolver turns a broadcast's segment into the current set of recipient
// ids. Ordering is ascending user id throughout, so a re-run over the same
// snapshot walks recipients in the same order.
type Resolver struct {
	store  Store
	client Messenger
	log    zerolog.Logger
	now    func() time.Time
}

func NewResolver(st Store, client Messenger, log zerolog.Logger) *Resolver {
	return &Resolver{store: st, client: client, log: log, now: time.Now}
}

// Resolve is idempotent and side-effect-free except for the verification
// timestamp update in the subscribed-verified path.
func (r *Resolver) Resolve(ctx context.Context, b *store.Broadcast, channel string) ([]int64, error) {
	switch b.Segment {
	case store.SegmentAllUsers:
		return r.store.UnblockedUserIDs(ctx)

	case store.SegmentSubscribedVerified:
		return r.resolveSubscribed(ctx, channel)

	case store.SegmentApprovedInActive:
		g, err := r.store.ActiveGiveaway(ctx)
		if err != nil {
			return nil, err
		}
		if g == nil {
			return nil, nil
		}
		return r.store.ApprovedEntrantIDs(ctx, g.ID)

	default:
		return nil, fmt.Errorf("unknown segment %q", b.Segment)
	}
}

// resolveSubscribed checks live channel membership for every non-blocked
// user. A failed lookup excludes that user without aborting the rest.
func (r *Resolver) resolveSubscribed(ctx context.Context, channel string) ([]int64, error) {
	if channel == "" {
		r.log.Warn().Msg("subscribed_verified segment without a configured channel; empty recipient set")
		return nil, nil
	}
	ids, err := r.store.UnblockedUserIDs(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		status, err := r.client.ChatMemberStatus(ctx, channel, id)
		if err != nil {
			r.log.Debug().Int64("user", id).Err(err).Msg("membership lookup failed; skipping user")
			continue
		}
		if !status.Subscribed() {
			continue
		}
		if err := r.store.MarkSubscribedVerified(ctx, id, r.now().UTC()); err != nil {
			return nil, fmt.Errorf("mark subscribed verified: %w", err)
		}
		out = append(out, id)
	}
	return out, nil
}
