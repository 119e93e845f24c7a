// Package notify delivers station announcements and requester messages over
// Telegram. Delivery is best-effort: sends are rate-limited and dropped when
// the quota is exhausted, never blocking a scheduler cycle.
package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/waveloop/radiod/internal/config"
)

// TelegramNotifier sends outbound messages through a bot. The bot never
// polls for updates; intake surfaces own inbound traffic.
type TelegramNotifier struct {
	bot          *tele.Bot
	announceChat int64
	limiter      *rate.Limiter
	log          zerolog.Logger
}

// NewTelegramNotifier creates the notifier. MessagesPerMin caps all sends
// combined, announcements and direct messages alike.
func NewTelegramNotifier(cfg *config.TelegramConfig, log zerolog.Logger) (*TelegramNotifier, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram token is empty")
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.BotToken,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}

	perMin := cfg.MessagesPerMin
	if perMin <= 0 {
		perMin = 20
	}

	return &TelegramNotifier{
		bot:          bot,
		announceChat: cfg.AnnounceChatID,
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 5),
		log:          log,
	}, nil
}

// Announce posts to the station channel. Returns nil when rate-limited; the
// message is simply dropped.
func (n *TelegramNotifier) Announce(ctx context.Context, text string) error {
	if n.announceChat == 0 {
		return nil
	}
	return n.send(ctx, n.announceChat, text)
}

// DirectMessage sends to one requester's chat.
func (n *TelegramNotifier) DirectMessage(ctx context.Context, chatID int64, text string) error {
	return n.send(ctx, chatID, text)
}

func (n *TelegramNotifier) send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.limiter.Allow() {
		n.log.Debug().Int64("chat_id", chatID).Msg("message dropped, rate limit exhausted")
		return nil
	}

	_, err := n.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	return err
}

// Disabled is the notifier used when no bot token is configured. All sends
// succeed silently.
type Disabled struct{}

func (Disabled) Announce(ctx context.Context, text string) error { return nil }

func (Disabled) DirectMessage(ctx context.Context, chatID int64, text string) error { return nil }
