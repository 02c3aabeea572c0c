// Package botapi implements the chat transport over the Telegram Bot HTTP API.
package botapi

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
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/italolelis/chat_downloader/internal/transport"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	// requestSlack is added to the long-poll timeout for the HTTP deadline.
	requestSlack = 10 * time.Second
)

// BreakerSettings tunes the circuit breaker in front of the API.
type BreakerSettings struct {
	Threshold   uint32
	Timeout     time.Duration
	MaxRequests uint32
}

// Config holds the client settings.
type Config struct {
	BaseURL     string
	Token       string
	PollTimeout time.Duration
	// RateLimit is the number of API calls allowed per second. Zero disables it.
	RateLimit  float64
	Breaker    BreakerSettings
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the Bot API. It implements transport.Client and
// transport.Messenger.
type Client struct {
	baseURL     string
	token       string
	pollTimeout time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
}

var (
	_ transport.Client    = (*Client)(nil)
	_ transport.Messenger = (*Client)(nil)
)

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Breaker.Threshold == 0 {
		cfg.Breaker.Threshold = 5
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	logger := cfg.Logger

	settings := gobreaker.Settings{
		Name:        "botapi",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Timeout,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.Threshold
		},
		// Missing files are an answer, not an outage.
		IsSuccessful: func(err error) bool {
			var nf *transport.NotFoundError

			return err == nil || errors.As(err, &nf)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		pollTimeout: cfg.PollTimeout,
		httpClient:  cfg.HTTPClient,
		limiter:     rate.NewLimiter(limit, 1),
		breaker:     gobreaker.NewCircuitBreaker(settings),
	}
}

// Updates long-polls getUpdates for messages with an update id >= offset.
func (c *Client) Updates(ctx context.Context, offset int64) ([]transport.Message, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(int(c.pollTimeout.Seconds())))
	params.Set("allowed_updates", `["message"]`)

	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout+requestSlack)
	defer cancel()

	var updates []update
	if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}

	messages := make([]transport.Message, 0, len(updates))

	for _, u := range updates {
		if u.Message == nil {
			// Skipped updates still advance the offset.
			messages = append(messages, transport.Message{UpdateID: u.UpdateID})

			continue
		}

		messages = append(messages, u.Message.toTransport(u.UpdateID))
	}

	return messages, nil
}

// Locate resolves a file id into fresh media metadata. Bot file ids stay
// valid across restarts, so the chat and message are only used for errors.
func (c *Client) Locate(ctx context.Context, chatID, messageID int64, fileRef string) (*transport.Media, error) {
	f, err := c.getFile(ctx, fileRef)
	if err != nil {
		var nf *transport.NotFoundError
		if errors.As(err, &nf) {
			nf.Ref = fmt.Sprintf("chat %d message %d file %s", chatID, messageID, fileRef)
		}

		return nil, err
	}

	return f.toMedia("file", ""), nil
}

// Download opens the byte stream of media. The caller closes the body.
func (c *Client) Download(ctx context.Context, media *transport.Media) (io.ReadCloser, error) {
	f, err := c.getFile(ctx, media.FileRef)
	if err != nil {
		return nil, err
	}

	if f.FilePath == "" {
		return nil, &transport.NotFoundError{Operation: "download", Ref: media.FileRef}
	}

	endpoint := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, f.FilePath)

	body, err := c.breaker.Execute(func() (interface{}, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			err = stripURL(err)

			return nil, &transport.NetworkError{Operation: "download", APIMessage: err.Error(), Err: err}
		}

		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()

			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

			return nil, statusError("download", media.FileRef, resp.StatusCode, strings.TrimSpace(string(msg)))
		}

		return resp.Body, nil
	})
	if err != nil {
		return nil, breakerError("download", err)
	}

	return body.(io.ReadCloser), nil
}

// SendMessage posts text to a chat, optionally as a reply, and returns the
// new message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error) {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}

	if replyTo != 0 {
		payload["reply_to_message_id"] = replyTo
		payload["allow_sending_without_reply"] = true
	}

	var sent sentMessage
	if err := c.post(ctx, "sendMessage", payload, &sent); err != nil {
		return 0, err
	}

	return sent.MessageID, nil
}

// EditMessage replaces the text of a message the bot sent.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}

	var ignored json.RawMessage

	return c.post(ctx, "editMessageText", payload, &ignored)
}

func (c *Client) getFile(ctx context.Context, fileID string) (*file, error) {
	params := url.Values{}
	params.Set("file_id", fileID)

	var f file
	if err := c.call(ctx, "getFile", params, &f); err != nil {
		var nf *transport.NotFoundError
		if errors.As(err, &nf) {
			nf.Ref = fileID
		}

		return nil, err
	}

	return &f, nil
}

func (c *Client) call(ctx context.Context, method string, params url.Values, out any) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s?%s", c.baseURL, c.token, method, params.Encode())

	return c.do(ctx, method, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, out)
}

func (c *Client) post(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)

	return c.do(ctx, method, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/json")

		return req, nil
	}, out)
}

// do runs one API call through the rate limiter and the circuit breaker and
// decodes the result envelope into out.
func (c *Client) do(ctx context.Context, method string, newRequest func() (*http.Request, error), out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := newRequest()
		if err != nil {
			return nil, fmt.Errorf("failed to build %s request: %w", method, err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			err = stripURL(err)

			return nil, &transport.NetworkError{Operation: method, APIMessage: err.Error(), Err: err}
		}
		defer resp.Body.Close()

		var envelope response
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			if resp.StatusCode != http.StatusOK {
				return nil, statusError(method, "", resp.StatusCode, resp.Status)
			}

			return nil, &transport.NetworkError{Operation: method, StatusCode: resp.StatusCode, APIMessage: "invalid response", Err: err}
		}

		if !envelope.OK {
			code := envelope.ErrorCode
			if code == 0 {
				code = resp.StatusCode
			}

			return nil, statusError(method, "", code, envelope.Description)
		}

		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return nil, &transport.NetworkError{Operation: method, StatusCode: resp.StatusCode, APIMessage: "invalid result", Err: err}
		}

		return nil, nil
	})

	return breakerError(method, err)
}

// statusError maps an API failure to the transport error types.
func statusError(operation, ref string, code int, description string) error {
	lower := strings.ToLower(description)

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &transport.AuthenticationError{Operation: operation, Err: errors.New(description)}
	case code == http.StatusNotFound,
		code == http.StatusBadRequest && (strings.Contains(lower, "not found") || strings.Contains(lower, "invalid file_id") || strings.Contains(lower, "wrong file_id")):
		return &transport.NotFoundError{Operation: operation, Ref: ref, Err: errors.New(description)}
	}

	return &transport.NetworkError{Operation: operation, StatusCode: code, APIMessage: description}
}

func breakerError(operation string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &transport.NetworkError{Operation: operation, APIMessage: "circuit breaker open", Err: err}
	}

	return err
}

// stripURL drops the request URL from client errors; it carries the token.
func stripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}

	return err
}
