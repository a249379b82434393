// Package notify delivers short text notifications to the operator.
// Delivery is best effort: callers log a failed Send and carry on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultTimeout  = 10 * time.Second
	telegramBaseURL = "https://api.telegram.org"
	// Telegram rejects messages longer than this.
	telegramMaxRunes = 4096
)

// Sink sends one notification.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// Telegram posts notifications through the Bot API using HTML parse mode.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewTelegram returns a Telegram sink. A nil client uses http.DefaultClient.
func NewTelegram(token, chatID string, client *http.Client) *Telegram {
	if client == nil {
		client = http.DefaultClient
	}
	return &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: telegramBaseURL,
		client:  client,
		timeout: DefaultTimeout,
	}
}

// WithBaseURL points the sink at another Bot API endpoint.
func (t *Telegram) WithBaseURL(u string) *Telegram {
	t.baseURL = strings.TrimRight(u, "/")
	return t
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	text = TruncateHTML(text, telegramMaxRunes)
	body, err := json.Marshal(sendMessageRequest{ChatID: t.chatID, Text: text, ParseMode: "HTML"})
	if err != nil {
		return fmt.Errorf("encode telegram request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()

	var ar apiResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&ar)
	if resp.StatusCode != http.StatusOK || !ar.OK {
		return fmt.Errorf("telegram send: status %d: %s", resp.StatusCode, ar.Description)
	}
	return nil
}

// TruncateHTML bounds text to limit runes without splitting a tag or an
// entity. Tags left open by the cut are closed within the limit.
func TruncateHTML(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	budget := limit
	for {
		cut := cutHTML(runes, budget)
		closing := closingTags(cut)
		over := utf8.RuneCountInString(cut) + utf8.RuneCountInString(closing) - limit
		if over <= 0 || budget == 0 {
			return cut + closing
		}
		budget = max(budget-over, 0)
	}
}

func cutHTML(runes []rune, n int) string {
	cut := string(runes[:n])
	if i := strings.LastIndexByte(cut, '<'); i > strings.LastIndexByte(cut, '>') {
		cut = cut[:i]
	}
	if i := strings.LastIndexByte(cut, '&'); i > strings.LastIndexByte(cut, ';') {
		cut = cut[:i]
	}
	return cut
}

// closingTags returns the end tags for the elements still open in s.
func closingTags(s string) string {
	var open []string
	for {
		start := strings.IndexByte(s, '<')
		if start < 0 {
			break
		}
		end := strings.IndexByte(s[start:], '>')
		if end < 0 {
			break
		}
		tag := s[start+1 : start+end]
		s = s[start+end+1:]

		if name, ok := strings.CutPrefix(tag, "/"); ok {
			if n := len(open); n > 0 && open[n-1] == strings.TrimSpace(name) {
				open = open[:n-1]
			}
			continue
		}
		if name, _, _ := strings.Cut(tag, " "); name != "" && !strings.HasSuffix(tag, "/") {
			open = append(open, name)
		}
	}

	var b strings.Builder
	for i := len(open) - 1; i >= 0; i-- {
		b.WriteString("</" + open[i] + ">")
	}
	return b.String()
}

// Log writes notifications to a logger. It is used when no chat is configured
// and as the dry-run sink.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Send(_ context.Context, text string) error {
	l.logger.Info("notification", "text", text)
	return nil
}

type multi []Sink

// Multi fans a notification out to every sink. All sinks are tried; the
// returned error joins the individual failures.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Send(ctx context.Context, text string) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
