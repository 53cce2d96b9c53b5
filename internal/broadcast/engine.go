package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"giveawaybot/internal/store"
)

// cancelPollEvery bounds cancellation latency: the flag is re-read from the
// store after this many recipients, so at most cancelPollEvery-1 extra sends
// can happen past a cancel request.
const cancelPollEvery = 10

// Engine runs one broadcast job to completion or cancellation.
type Engine struct {
	store    Store
	sender   Sender
	resolver *Resolver
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	rps     int
	channel string
}

func NewEngine(st Store, sender Sender, resolver *Resolver, cfg Config, log zerolog.Logger) *Engine {
	e := &Engine{store: st, sender: sender, resolver: resolver, log: log, now: time.Now}
	e.Reconfigure(cfg)
	return e
}

// Reconfigure updates the tunables picked up by subsequent runs. In-flight
// runs keep the rate they started with.
func (e *Engine) Reconfigure(cfg Config) {
	e.mu.Lock()
	e.rps = cfg.RatePerSec
	e.channel = cfg.Channel
	e.mu.Unlock()
}

func (e *Engine) snapshot() (rps int, channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rps, e.channel
}

// Run executes the broadcast with the given id. A missing row is a silent
// no-op; a finished row is left untouched so sent_at is written exactly once.
func (e *Engine) Run(ctx context.Context, id int64) error {
	b, err := e.store.BroadcastByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load broadcast %d: %w", id, err)
	}
	if b == nil {
		e.log.Debug().Int64("broadcast", id).Msg("broadcast row missing; nothing to do")
		return nil
	}
	if b.Finished() {
		e.log.Debug().Int64("broadcast", id).Msg("broadcast already finished; skipping")
		return nil
	}
	return e.run(ctx, b, nil)
}

// RunText synthesizes an ad hoc all-users text broadcast and runs it. It is
// used for system announcements (winner reveals, new giveaway starts); the
// optional exclusion list drops specific recipients, e.g. fresh winners from
// a consolation message.
func (e *Engine) RunText(ctx context.Context, text string, exclude []int64) error {
	b := &store.Broadcast{
		Segment:   store.SegmentAllUsers,
		Payload:   store.PayloadText,
		Text:      text,
		CreatedAt: e.now().UTC(),
	}
	if _, err := e.store.CreateBroadcast(ctx, b); err != nil {
		return fmt.Errorf("create ad hoc broadcast: %w", err)
	}
	return e.run(ctx, b, exclude)
}

func (e *Engine) run(ctx context.Context, b *store.Broadcast, exclude []int64) error {
	if b.StartedAt == nil {
		if _, err := e.store.MarkBroadcastStarted(ctx, b.ID, e.now().UTC()); err != nil {
			return fmt.Errorf("mark started: %w", err)
		}
	}

	_, channel := e.snapshot()
	recipients, err := e.resolver.Resolve(ctx, b, channel)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	if len(exclude) > 0 {
		recipients = dropIDs(recipients, exclude)
	}

	start := e.now()
	e.log.Info().
		Int64("broadcast", b.ID).
		Str("segment", string(b.Segment)).
		Str("kind", string(b.Payload)).
		Int("recipients", len(recipients)).
		Msg("broadcast started")

	sentOK, sentFail, cancelled, err := e.deliver(ctx, b, recipients)
	if err != nil {
		// Store or context failure: abort this run without the terminal
		// write; a re-dispatched job re-derives state from the store.
		return err
	}

	if err := e.store.FinishBroadcast(ctx, b.ID, sentOK, sentFail, e.now().UTC()); err != nil {
		return fmt.Errorf("finish broadcast: %w", err)
	}

	ev := e.log.Info()
	if sentFail > 0 {
		ev = e.log.Warn()
	}
	ev.Int64("broadcast", b.ID).
		Int("ok", sentOK).
		Int("fail", sentFail).
		Bool("cancelled", cancelled).
		Dur("dur", e.now().Sub(start)).
		Msg("broadcast finished")
	return nil
}

// deliver walks recipients under a uniform per-job throttle. Individual
// failures never abort the loop; only cancellation, exhaustion, or a store
// failure end it.
func (e *Engine) deliver(ctx context.Context, b *store.Broadcast, recipients []int64) (sentOK, sentFail int, cancelled bool, err error) {
	rps, _ := e.snapshot()
	if rps < 1 {
		rps = 1
	}
	// Burst 1 keeps the spacing fixed at 1/rps rather than bursty.
	limiter := rate.NewLimiter(rate.Limit(rps), 1)

	for i, uid := range recipients {
		if i > 0 && i%cancelPollEvery == 0 {
			c, cerr := e.store.BroadcastCancelled(ctx, b.ID)
			if cerr != nil {
				return sentOK, sentFail, false, fmt.Errorf("poll cancellation: %w", cerr)
			}
			if c {
				e.log.Info().Int64("broadcast", b.ID).Int("sent", i).Msg("broadcast cancelled; stopping")
				return sentOK, sentFail, true, nil
			}
		}

		if werr := limiter.Wait(ctx); werr != nil {
			return sentOK, sentFail, false, werr
		}

		for {
			res := e.sender.Send(ctx, uid, b)
			if res.Outcome != OutcomeRateLimited {
				switch res.Outcome {
				case OutcomeOK:
					sentOK++
				case OutcomeBlocked:
					sentFail++
					if berr := e.store.MarkUserBlocked(ctx, uid); berr != nil {
						return sentOK, sentFail, false, fmt.Errorf("mark user blocked: %w", berr)
					}
				case OutcomeFailed:
					sentFail++
					e.log.Debug().Int64("broadcast", b.ID).Int64("user", uid).Err(res.Err).Msg("send failed")
				}
				break
			}
			// Platform rate limit: suspend everything, then re-attempt the
			// same recipient so nobody is silently dropped.
			e.log.Warn().
				Int64("broadcast", b.ID).
				Int64("user", uid).
				Dur("retry_after", res.RetryAfter).
				Msg("platform rate limit; suspending")
			if serr := sleepCtx(ctx, res.RetryAfter); serr != nil {
				return sentOK, sentFail, false, serr
			}
		}
	}
	return sentOK, sentFail, false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

func dropIDs(ids, exclude []int64) []int64 {
	drop := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		drop[id] = struct{}{}
	}
	out := ids[:0]
	for _, id := range ids {
		if _, skip := drop[id]; !skip {
			out = append(out, id)
		}
	}
	return out
}
