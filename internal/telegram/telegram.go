package telegram

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"
)

// MemberStatus mirrors the platform's channel membership states.
type MemberStatus string

const (
	MemberCreator       MemberStatus = "creator"
	MemberAdministrator MemberStatus = "administrator"
	MemberMember        MemberStatus = "member"
	MemberRestricted    MemberStatus = "restricted"
	MemberLeft          MemberStatus = "left"
	MemberKicked        MemberStatus = "kicked"
)

// Subscribed reports whether the status qualifies as channel membership
// for broadcast targeting (member, administrator or owner).
func (s MemberStatus) Subscribed() bool {
	switch s {
	case MemberCreator, MemberAdministrator, MemberMember:
		return true
	}
	return false
}

type Config struct {
	Token     string
	ParseMode string // default HTML
}

// Adapter is a thin outbound-only wrapper over telebot. The giveaway core
// never consumes updates; conversational surfaces live elsewhere.
type Adapter struct {
	bot       *tele.Bot
	log       zerolog.Logger
	parseMode string
}

func New(cfg Config, log zerolog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	mode := cfg.ParseMode
	if mode == "" {
		mode = tele.ModeHTML
	}
	return &Adapter{bot: b, log: log, parseMode: mode}, nil
}

func (a *Adapter) sendOpts() *tele.SendOptions {
	return &tele.SendOptions{ParseMode: a.parseMode}
}

func (a *Adapter) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := a.bot.Send(tele.ChatID(chatID), text, a.sendOpts())
	return translate(err)
}

func (a *Adapter) SendPhoto(ctx context.Context, chatID int64, fileID, caption string) error {
	p := &tele.Photo{File: tele.File{FileID: fileID}, Caption: caption}
	_, err := a.bot.Send(tele.ChatID(chatID), p, a.sendOpts())
	return translate(err)
}

func (a *Adapter) SendVideo(ctx context.Context, chatID int64, fileID, caption string) error {
	v := &tele.Video{File: tele.File{FileID: fileID}, Caption: caption}
	_, err := a.bot.Send(tele.ChatID(chatID), v, a.sendOpts())
	return translate(err)
}

func (a *Adapter) SendDocument(ctx context.Context, chatID int64, fileID, caption string) error {
	d := &tele.Document{File: tele.File{FileID: fileID}, Caption: caption}
	_, err := a.bot.Send(tele.ChatID(chatID), d, a.sendOpts())
	return translate(err)
}

func (a *Adapter) SendVideoNote(ctx context.Context, chatID int64, fileID string) error {
	n := &tele.VideoNote{File: tele.File{FileID: fileID}}
	_, err := a.bot.Send(tele.ChatID(chatID), n, a.sendOpts())
	return translate(err)
}

// SendChannelText posts to a public channel identified by @username or id.
func (a *Adapter) SendChannelText(ctx context.Context, channel string, text string) error {
	_, err := a.bot.Send(channelRecipient(NormalizeChannel(channel)), text, a.sendOpts())
	return translate(err)
}

// ChatMemberStatus looks up a user's membership in a channel.
func (a *Adapter) ChatMemberStatus(ctx context.Context, channel string, userID int64) (MemberStatus, error) {
	m, err := a.bot.ChatMemberOf(channelRecipient(NormalizeChannel(channel)), tele.ChatID(userID))
	if err != nil {
		return "", translate(err)
	}
	return MemberStatus(m.Role), nil
}

// channelRecipient lets a "@username" string act as a telebot Recipient.
type channelRecipient string

func (c channelRecipient) Recipient() string { return string(c) }

var channelRe = regexp.MustCompile(`t\.me/([A-Za-z0-9_]+)`)

// NormalizeChannel accepts "@name", "name", a t.me link or a numeric chat id
// and returns the canonical identifier understood by the Bot API.
func NormalizeChannel(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "@") {
		return raw
	}
	if strings.Contains(raw, "t.me/") {
		if m := channelRe.FindStringSubmatch(raw); m != nil {
			return "@" + m[1]
		}
	}
	if isNumeric(raw) {
		return raw
	}
	return "@" + raw
}

func isNumeric(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
