// Package telegram delivers notifications to Telegram chats.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"sectionwatch/internal/channel"
	"sectionwatch/internal/ratelimit"
	"sectionwatch/internal/store"
	"sectionwatch/pkg/logx"
)

type Config struct {
	Token           string
	GlobalPerSecond float64       // default 20
	PerChatBurst    int           // default 5
	PerChatReset    time.Duration // default 5s

	// Offline skips the getMe handshake; tests use it.
	Offline bool
}

type Adapter struct {
	bot     *tele.Bot
	global  *ratelimit.Limiter
	perChat *ratelimit.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" && !cfg.Offline {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: cfg.Offline})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}

	globalRate := cfg.GlobalPerSecond
	if globalRate <= 0 {
		globalRate = 20
	}
	burst := cfg.PerChatBurst
	if burst <= 0 {
		burst = 5
	}
	reset := cfg.PerChatReset
	if reset <= 0 {
		reset = 5 * time.Second
	}

	return &Adapter{
		bot:    bot,
		global: ratelimit.New(ratelimit.Config{PerSecond: globalRate, Burst: int(globalRate)}),
		perChat: ratelimit.New(ratelimit.Config{
			PerSecond:   float64(burst) / reset.Seconds(),
			Burst:       burst,
			BucketWidth: reset,
		}),
		log: log,
	}, nil
}

func (a *Adapter) Name() string           { return "telegram" }
func (a *Adapter) ContactTypes() []string { return []string{store.ContactTelegramChat} }

func (a *Adapter) Send(ctx context.Context, msg channel.Message) channel.Result {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.ContactValue), 10, 64)
	if err != nil {
		return channel.Result{
			Status:  channel.StatusFailed,
			Code:    channel.CodeInvalidRecipient,
			Message: fmt.Sprintf("bad chat id %q", msg.ContactValue),
		}
	}

	var res channel.Result
	wait, err := a.global.Do(ctx, "global", func() error {
		inner, err := a.perChat.Do(ctx, msg.ContactValue, func() error {
			res = a.send(chatID, msg)
			return nil
		})
		res.Wait += inner
		return err
	})
	if err != nil {
		return channel.Result{Status: channel.StatusRetryable, Code: channel.CodeNetwork, Message: err.Error()}
	}
	res.Wait += wait
	return res
}

func (a *Adapter) send(chatID int64, msg channel.Message) channel.Result {
	sent, err := a.bot.Send(tele.ChatID(chatID), render(msg), tele.ModeHTML, tele.NoPreview)
	if err != nil {
		return classify(err)
	}
	return channel.Result{
		Status:            channel.StatusSent,
		ProviderMessageID: strconv.Itoa(sent.ID),
	}
}

func classify(err error) channel.Result {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return channel.Result{
			Status:     channel.StatusRetryable,
			Code:       channel.CodeRateLimited,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Message:    err.Error(),
		}
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser):
		return channel.Result{Status: channel.StatusFailed, Code: channel.CodeInvalidRecipient, Message: err.Error()}
	case errors.Is(err, tele.ErrChatNotFound):
		return channel.Result{Status: channel.StatusFailed, Code: channel.CodeNotFound, Message: err.Error()}
	case errors.Is(err, tele.ErrUnauthorized):
		return channel.Result{Status: channel.StatusFailed, Code: channel.CodeUnauthorized, Message: err.Error()}
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 400:
			return channel.Result{Status: channel.StatusFailed, Code: channel.CodeValidation, Message: err.Error()}
		case apiErr.Code == 403:
			return channel.Result{Status: channel.StatusFailed, Code: channel.CodeInvalidRecipient, Message: err.Error()}
		case apiErr.Code >= 500:
			return channel.Result{Status: channel.StatusRetryable, Code: channel.CodeUnknown, Message: err.Error()}
		}
		return channel.Result{Status: channel.StatusFailed, Code: channel.CodeUnknown, Message: err.Error()}
	}

	return channel.Result{Status: channel.StatusRetryable, Code: channel.CodeNetwork, Message: err.Error()}
}

func render(msg channel.Message) string {
	var b strings.Builder
	course := msg.CourseTitle
	if course == "" {
		course = msg.CourseString
	}
	fmt.Fprintf(&b, "🟢 <b>%s</b> just opened!\n\n", esc(course))
	if msg.CourseString != "" && msg.CourseString != course {
		fmt.Fprintf(&b, "Code: <code>%s</code>\n", esc(msg.CourseString))
	}
	fmt.Fprintf(&b, "Index: <code>%s</code>", esc(msg.IndexNumber))
	if msg.SectionNumber != "" {
		fmt.Fprintf(&b, " · Section %s", esc(msg.SectionNumber))
	}
	b.WriteByte('\n')
	if msg.Campus != "" {
		fmt.Fprintf(&b, "Campus: %s\n", esc(msg.Campus))
	}
	if msg.MeetingSummary != "" {
		fmt.Fprintf(&b, "Meets: %s\n", esc(msg.MeetingSummary))
	}
	b.WriteString("\nSeats go fast. Register as soon as you can.")
	if msg.ManageURL != "" {
		fmt.Fprintf(&b, "\n\n<a href=\"%s\">Manage alert</a>", msg.ManageURL)
	}
	return b.String()
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func esc(s string) string { return escaper.Replace(s) }
