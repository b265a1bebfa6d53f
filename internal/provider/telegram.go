package provider

import (
	"context"
	"errors"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"stockwatch/internal/model"
	logx "stockwatch/pkg/logx"
)

// TelegramConfig configures the telegram channel provider.
type TelegramConfig struct {
	Token string
	// BatchLimit caps recipients per emulated bulk call. Telegram has no
	// bulk-send API, so batches stay small to keep call latency bounded.
	BatchLimit int
}

// Telegram emulates the bulk-send contract over per-chat sends. Recipient
// identifiers are telegram chat ids rendered as decimal strings.
//
// Per-chat API errors become per-recipient rejections (403 blocked / chat
// not found map to the unregistered class); flood control aborts the batch
// with a transient error so the dispatcher backs off and retries.
type Telegram struct {
	cfg TelegramConfig
	log logx.Logger
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// Send-only: no poller. Offline keeps NewBot from calling getMe so
	// construction works without network.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Telegram{cfg: cfg, log: log, bot: b}, nil
}

func (p *Telegram) Name() string    { return "telegram" }
func (p *Telegram) BatchLimit() int { return p.cfg.BatchLimit }

func (p *Telegram) Send(ctx context.Context, b Batch) (Result, error) {
	text := b.Title
	if b.Body != "" {
		text += "\n" + b.Body
	}

	res := Result{}
	for _, id := range b.Recipients {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		chatID, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			// Malformed endpoint: never deliverable.
			res.Rejected = append(res.Rejected, Rejection{RecipientID: id, Class: model.FailureUnregistered})
			continue
		}

		_, err = p.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
		if err == nil {
			continue
		}

		var fe *tele.FloodError
		if errors.As(err, &fe) {
			// Abort the batch; the dispatcher's backoff absorbs RetryAfter.
			return res, err
		}

		cls, recipientLevel := telegramRejection(err)
		if !recipientLevel {
			return res, err
		}
		p.log.Debug("telegram recipient rejected", logx.String("recipient", id), logx.Err(err))
		res.Rejected = append(res.Rejected, Rejection{RecipientID: id, Class: cls})
	}
	return res, nil
}

// telegramRejection reports whether err is a per-recipient problem and, if
// so, its failure class. Batch-level errors (network, auth) return false.
func telegramRejection(err error) (model.FailureClass, bool) {
	var te *tele.Error
	if !errors.As(err, &te) {
		return "", false
	}
	switch te.Code {
	case 403:
		// Bot blocked by the user or kicked from the chat.
		return model.FailureUnregistered, true
	case 400:
		if strings.Contains(strings.ToLower(te.Description), "chat not found") {
			return model.FailureUnregistered, true
		}
		return model.FailureRejected, true
	case 401:
		// Bad bot token is a batch-level configuration problem.
		return "", false
	default:
		return model.FailureRejected, true
	}
}
