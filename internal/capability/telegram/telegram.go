// Package telegram delivers notify jobs through the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"payrelay/internal/capability"
	logx "payrelay/pkg/logx"
)

var ErrNoToken = errors.New("telegram: no bot token")

// Sender is the subset of *tele.Bot used for delivery.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Payload is the job payload of a notify job.
type Payload struct {
	ChatID         int64  `json:"chat_id"`
	ThreadID       int    `json:"thread_id,omitempty"`
	Text           string `json:"text"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
}

type Config struct {
	// Token is the operator bot. Merchants without their own credentials
	// send through it; it also carries log alerts.
	Token   string
	Timeout time.Duration
}

// Client sends notify payloads. One bot instance is cached per token.
type Client struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	bots map[string]Sender

	newBot func(token string, timeout time.Duration) (Sender, error)
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:    cfg,
		log:    log.Named("capability.telegram"),
		bots:   map[string]Sender{},
		newBot: newTeleBot,
	}
}

func newTeleBot(token string, timeout time.Duration) (Sender, error) {
	return tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
}

func (c *Client) bot(token string) (Sender, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		token = strings.TrimSpace(c.cfg.Token)
	}
	if token == "" {
		return nil, ErrNoToken
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.bots[token]; ok {
		return b, nil
	}
	b, err := c.newBot(token, c.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	c.bots[token] = b
	return b, nil
}

// Execute implements capability.Capability for jobs.KindNotify.
func (c *Client) Execute(ctx context.Context, req capability.Request) error {
	var p Payload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return capability.WithCode(capability.Permanent(fmt.Errorf("telegram payload: %w", err)), "bad_payload")
	}
	if p.ChatID == 0 || strings.TrimSpace(p.Text) == "" {
		return capability.WithCode(capability.Permanent(errors.New("telegram payload: chat_id and text are required")), "bad_payload")
	}
	b, err := c.bot(req.Credentials.Secret)
	if err != nil {
		return capability.WithCode(capability.Permanent(err), "no_token")
	}
	return c.send(ctx, b, p)
}

// SendAlert delivers an operator alert through the operator bot.
func (c *Client) SendAlert(ctx context.Context, chatID int64, threadID int, text string) error {
	b, err := c.bot("")
	if err != nil {
		return err
	}
	return c.send(ctx, b, Payload{ChatID: chatID, ThreadID: threadID, Text: text, DisablePreview: true})
}

func (c *Client) send(ctx context.Context, b Sender, p Payload) error {
	chunks := splitTelegramText(p.Text, telegramTextLimit, p.ParseMode)
	chat := &tele.Chat{ID: p.ChatID}
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{
			ParseMode:             p.ParseMode,
			DisableWebPagePreview: p.DisablePreview,
			ThreadID:              p.ThreadID,
		}
		if _, err := b.Send(chat, chunk, opt); err != nil {
			return classify(err)
		}
	}
	return nil
}

// classify maps Bot API failures: flood control carries a retry hint,
// other 4xx answers are the caller's fault, everything else is retried.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return capability.WithCode(capability.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second), "flood")
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
		return capability.WithCode(capability.Permanent(err), fmt.Sprintf("tg_%d", apiErr.Code))
	}
	return capability.Transient(err)
}
