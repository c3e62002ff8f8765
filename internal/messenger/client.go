// Package messenger is the anti-corruption layer between channelgate domain
// logic and the chat platform's Bot API. All outbound calls go through one
// client that enforces consistent resilience patterns: circuit breaking,
// retries with exponential backoff, and error mapping.
//
// The service uses four capabilities of the platform: direct messages to a
// user, single-use invite links into a gated channel, and the ban/unban pair
// that removes a member while leaving them free to rejoin after a future
// purchase.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"channelgate/internal/config"
	"channelgate/internal/types"
)

// RetryPolicy configures retry behavior for Bot API calls.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns sensible defaults for the Bot API.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// Client is the Bot API client. Safe for concurrent use.
type Client struct {
	http        *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	baseURL     string
	token       types.SecretString
	inviteTTL   time.Duration
	retryPolicy RetryPolicy
	logger      *slog.Logger
	sleepFn     func(time.Duration) // for testability; defaults to time.Sleep
	nowFn       func() time.Time
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithSleepFunc overrides the sleep function used between retries.
// Intended for tests, to avoid real delays.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(c *Client) { c.sleepFn = fn }
}

// WithNowFunc overrides the clock used for invite link expiry.
func WithNowFunc(fn func() time.Time) Option {
	return func(c *Client) { c.nowFn = fn }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retryPolicy = p }
}

// NewClient creates a Bot API client from the messenger configuration.
func NewClient(cfg config.MessengerConfig, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "messenger",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	c := &Client{
		http:        &http.Client{Timeout: cfg.Timeout},
		breaker:     cb,
		baseURL:     cfg.APIBaseURL,
		token:       cfg.BotToken,
		inviteTTL:   cfg.InviteTTL,
		retryPolicy: DefaultRetryPolicy(),
		logger:      logger,
		sleepFn:     time.Sleep,
		nowFn:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiResponse is the common Bot API response envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// SendMessage delivers a text message to a user or chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text, parseMode string) error {
	params := map[string]any{"chat_id": chatID, "text": text}
	if parseMode != "" {
		params["parse_mode"] = parseMode
	}
	_, err := c.call(ctx, "sendMessage", params)
	return err
}

// Deliver sends a broadcast payload to one recipient, choosing the Bot API
// method by media kind. Text rides along as the caption for media sends.
func (c *Client) Deliver(ctx context.Context, chatID int64, p types.BroadcastPayload) error {
	var method, field string
	switch p.MediaKind {
	case types.MediaPhoto:
		method, field = "sendPhoto", "photo"
	case types.MediaVideo:
		method, field = "sendVideo", "video"
	case types.MediaAnimation:
		method, field = "sendAnimation", "animation"
	default:
		return c.SendMessage(ctx, chatID, p.Text, p.ParseMode)
	}

	params := map[string]any{"chat_id": chatID, field: p.MediaURL}
	if p.Text != "" {
		params["caption"] = p.Text
	}
	if p.ParseMode != "" {
		params["parse_mode"] = p.ParseMode
	}
	_, err := c.call(ctx, method, params)
	return err
}

// inviteLinkResult is the subset of the createChatInviteLink result we use.
type inviteLinkResult struct {
	InviteLink string `json:"invite_link"`
}

// CreateInviteLink issues a fresh single-use invite link into a channel,
// bounded by the configured TTL so dormant links cannot be shared.
func (c *Client) CreateInviteLink(ctx context.Context, channelID int64) (string, error) {
	params := map[string]any{
		"chat_id":      channelID,
		"member_limit": 1,
		"expire_date":  c.nowFn().Add(c.inviteTTL).Unix(),
	}
	raw, err := c.call(ctx, "createChatInviteLink", params)
	if err != nil {
		return "", err
	}
	var res inviteLinkResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamMessenger, "malformed invite link response", err)
	}
	return res.InviteLink, nil
}

// BanChannelMember removes a user from a channel.
func (c *Client) BanChannelMember(ctx context.Context, channelID, userID int64) error {
	_, err := c.call(ctx, "banChatMember", map[string]any{
		"chat_id": channelID,
		"user_id": userID,
	})
	return err
}

// UnbanChannelMember lifts a ban so the user may rejoin after a future
// purchase. Always paired with BanChannelMember during expiry processing.
func (c *Client) UnbanChannelMember(ctx context.Context, channelID, userID int64) error {
	_, err := c.call(ctx, "unbanChatMember", map[string]any{
		"chat_id":        channelID,
		"user_id":        userID,
		"only_if_banned": true,
	})
	return err
}

// call executes one Bot API method with circuit breaking and retry on
// 429/5xx. The bot token appears only in the URL path, never in logs.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode request params", err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token.Unmask(), method)

	var lastStatus int
	var lastErr error

	maxAttempts := 1 + c.retryPolicy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.http.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			// 429 and 5xx count as failures for the breaker and retries.
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("bot api returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return c.decode(method, resp)
		}

		lastErr = err
		if resp != nil {
			lastStatus = resp.StatusCode
			resp.Body.Close()
		}

		// An open breaker means the platform is down; retrying here only
		// delays the caller.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if attempt < maxAttempts-1 {
			c.sleepFn(c.backoff(attempt))
		}
	}

	msg := fmt.Sprintf("bot api %s failed", method)
	if lastStatus != 0 {
		msg = fmt.Sprintf("bot api %s failed with status %d", method, lastStatus)
	}
	return nil, types.NewAppError(types.ErrCodeUpstreamMessenger, msg, lastErr)
}

// decode reads the Bot API envelope. A 200 with ok=false (e.g. "user not
// found", "bot is not a member") is a terminal error, not retryable.
func (c *Client) decode(method string, resp *http.Response) (json.RawMessage, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamMessenger, "failed to read bot api response", err)
	}
	var env apiResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamMessenger, "malformed bot api response", err)
	}
	if !env.OK {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamMessenger,
			fmt.Sprintf("bot api %s rejected: %s", method, env.Description),
			nil,
		)
	}
	return env.Result, nil
}

// backoff computes an exponential wait with full jitter, clamped to
// [0, min(MaxWait, MinWait * 2^attempt)].
func (c *Client) backoff(attempt int) time.Duration {
	base := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	if limit := float64(c.retryPolicy.MaxWait); base > limit {
		base = limit
	}
	return time.Duration(rand.Float64() * base)
}
