package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"clashcaller/internal/callout"
	"clashcaller/internal/retry"
	"clashcaller/internal/transport"
	logx "clashcaller/pkg/logx"
)

const (
	DefaultAPIURL = "https://api.telegram.org"
	// Stream names the ingest cursor row owned by this adapter.
	Stream = "telegram"

	telegramTextLimit = 4096
	maxPageSize       = 100
)

type Config struct {
	Token  string
	APIURL string
	// RequestTimeout bounds every HTTP round trip; callers may pass shorter deadlines.
	RequestTimeout time.Duration
	// LongPoll is the getUpdates server-side wait. Zero polls without waiting.
	LongPoll     time.Duration
	AllowedChats []int64
	// Offline skips the getMe handshake at construction.
	Offline bool
}

// Adapter talks to the Telegram Bot API. It is the inbound stream source,
// the reply poster and the operator log sink.
type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	http    *http.Client
	base    string
	allowed map[int64]bool
	selfID  int64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cfg.LongPoll > 0 && timeout <= cfg.LongPoll {
		timeout = cfg.LongPoll + 5*time.Second
	}
	client := &http.Client{Timeout: timeout}

	b, err := tele.NewBot(tele.Settings{
		URL:     apiURL,
		Token:   cfg.Token,
		Client:  client,
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", redact(err, cfg.Token))
	}

	a := &Adapter{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "telegram")),
		bot:  b,
		http: client,
		base: apiURL + "/bot" + cfg.Token,
	}
	if len(cfg.AllowedChats) > 0 {
		a.allowed = make(map[int64]bool, len(cfg.AllowedChats))
		for _, id := range cfg.AllowedChats {
			a.allowed[id] = true
		}
	}
	if b.Me != nil {
		a.selfID = b.Me.ID
		a.log.Info("bot identity confirmed", logx.String("username", b.Me.Username), logx.Int64("id", b.Me.ID))
	}
	return a, nil
}

// Stream returns the cursor stream name for this adapter.
func (a *Adapter) Stream() string { return Stream }

// ListNewItems returns messages with update_id > cursor, oldest first.
func (a *Adapter) ListNewItems(ctx context.Context, cursor int64, pageSize int) (transport.Page, error) {
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	payload := map[string]any{
		"offset":          cursor + 1,
		"limit":           pageSize,
		"timeout":         int(a.cfg.LongPoll / time.Second),
		"allowed_updates": []string{"message"},
	}
	var updates []tele.Update
	if err := a.call(ctx, "getUpdates", payload, &updates); err != nil {
		return transport.Page{}, err
	}

	page := transport.Page{Next: cursor}
	for _, u := range updates {
		pos := int64(u.ID)
		if pos <= cursor {
			continue
		}
		if pos > page.Next {
			page.Next = pos
		}
		if it, ok := a.toItem(pos, u.Message); ok {
			page.Items = append(page.Items, it)
		}
	}
	return page, nil
}

func (a *Adapter) toItem(pos int64, m *tele.Message) (callout.RawItem, bool) {
	if m == nil || m.Chat == nil {
		return callout.RawItem{}, false
	}
	if a.allowed != nil && !a.allowed[m.Chat.ID] {
		return callout.RawItem{}, false
	}
	if m.Sender != nil && (m.Sender.IsBot || (a.selfID != 0 && m.Sender.ID == a.selfID)) {
		return callout.RawItem{}, false
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if text == "" {
		return callout.RawItem{}, false
	}
	return callout.RawItem{
		Position:  pos,
		SourceRef: transport.MessageRef{ChatID: m.Chat.ID, MessageID: m.ID}.String(),
		ChatID:    m.Chat.ID,
		Author:    author(m.Sender),
		Text:      text,
		PostedAt:  m.Time().UTC(),
	}, true
}

func author(u *tele.User) string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// PostReply posts text as a reply to the message identified by sourceRef.
// A deleted source message surfaces as transport.ErrGone.
func (a *Adapter) PostReply(ctx context.Context, sourceRef, text string) error {
	ref, err := transport.ParseRef(sourceRef)
	if err != nil {
		return retry.NoRetry(fmt.Errorf("%w: %w", transport.ErrRejected, err))
	}
	payload := map[string]any{
		"chat_id": ref.ChatID,
		"text":    clip(text, telegramTextLimit),
		"reply_parameters": map[string]any{
			"message_id":                  ref.MessageID,
			"allow_sending_without_reply": false,
		},
		"link_preview_options": map[string]any{"is_disabled": true},
	}
	return a.call(ctx, "sendMessage", payload, nil)
}

// SendLog implements the logx chat sink.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Send(&tele.Chat{ID: chatID}, clip(text, telegramTextLimit), &tele.SendOptions{
		ThreadID:              threadID,
		DisableWebPagePreview: true,
	})
	return err
}

// APIError is a Bot API error response.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
	MigrateTo   int64
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed: %s (code=%d)", e.Method, e.Description, e.Code)
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter      int   `json:"retry_after"`
		MigrateToChatID int64 `json:"migrate_to_chat_id"`
	} `json:"parameters"`
}

func (a *Adapter) call(ctx context.Context, method string, payload, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return retry.NoRetry(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/"+method, bytes.NewReader(b))
	if err != nil {
		return retry.NoRetry(redact(err, a.cfg.Token))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, redact(err, a.cfg.Token))
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&env); err != nil {
		if resp.StatusCode/100 != 2 {
			return classify(&APIError{Method: method, Code: resp.StatusCode, Description: resp.Status})
		}
		return fmt.Errorf("telegram %s: decode response: %w", method, err)
	}
	if !env.OK {
		e := &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
		if e.Code == 0 {
			e.Code = resp.StatusCode
		}
		if p := env.Parameters; p != nil {
			e.RetryAfter = time.Duration(p.RetryAfter) * time.Second
			e.MigrateTo = p.MigrateToChatID
		}
		return classify(e)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// classify maps a Bot API error onto transport and retry markers.
// Unclassified errors stay transient.
func classify(e *APIError) error {
	desc := strings.ToLower(e.Description)
	switch {
	case e.Code == http.StatusTooManyRequests:
		after := e.RetryAfter
		if after <= 0 {
			after = time.Second
		}
		return retry.RetryAfter(e, after)
	case e.MigrateTo != 0:
		return fmt.Errorf("%w: %w", transport.ErrGone, e)
	case e.Code == http.StatusForbidden:
		return fmt.Errorf("%w: %w", transport.ErrUnreachable, e)
	case e.Code == http.StatusBadRequest && strings.Contains(desc, "not found"):
		return fmt.Errorf("%w: %w", transport.ErrGone, e)
	case e.Code == http.StatusBadRequest && (strings.Contains(desc, "rights") || strings.Contains(desc, "chat_write_forbidden")):
		return fmt.Errorf("%w: %w", transport.ErrUnreachable, e)
	case e.Code == http.StatusBadRequest:
		return fmt.Errorf("%w: %w", transport.ErrRejected, e)
	default:
		return e
	}
}

// redact strips the bot token from errors that embed the request URL.
func redact(err error, token string) error {
	if err == nil || token == "" {
		return err
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s: %w", ue.Op, ue.Err)
	}
	if strings.Contains(err.Error(), token) {
		return errors.New(strings.ReplaceAll(err.Error(), token, "<token>"))
	}
	return err
}

func clip(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	rs := []rune(s)
	return string(rs[:limit-1]) + "…"
}
