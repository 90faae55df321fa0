// Package poll is the HTTP request/response channel to the chat API,
// used for long polling, sends when push is down, read receipts and
// image uploads.
package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	errs "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// BlockedError is the server's verdict that a conversation is blocked.
type BlockedError struct {
	ConversationID string
	Reason         string
}

func (e *BlockedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("conversation %s is blocked", e.ConversationID)
	}

	return fmt.Sprintf("conversation %s is blocked: %s", e.ConversationID, e.Reason)
}

func (e *BlockedError) Unwrap() error { return errs.ErrConversationBlocked }

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout must exceed PollTimeout so long polls end on
	// their own context rather than the client deadline.
	httpClientTimeout = 60 * time.Second

	// PollTimeout bounds a single long-poll request.
	PollTimeout = 35 * time.Second

	// requestTimeout bounds every non-poll request.
	requestTimeout = 15 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 8 * 1024 * 1024
)

// Client talks to the chat REST API. Every call goes through one
// circuit breaker.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	breaker    *Breaker
	logger     *slog.Logger
}

// Config holds the parameters needed to reach the API.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Breaker    BreakerOptions
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never leaks to
// a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client. If cfg.HTTPClient is nil, a client
// with a 60-second timeout and same-host redirect policy is created.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	logger = logging.Component(logger, "poll")

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		breaker:    NewBreaker("chat-api", cfg.Breaker, logger),
		logger:     logger,
	}
}

// Viable reports whether the breaker lets requests through.
func (c *Client) Viable() bool {
	return c.breaker.Viable()
}

// Breaker exposes the circuit breaker for stats.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// request describes one API call.
type request struct {
	method      string
	endpoint    string
	query       url.Values
	body        io.Reader
	contentType string
	timeout     time.Duration
	// conversationID attributes a 403 blocked verdict.
	conversationID string
}

// do sends req through the breaker and decodes a 2xx JSON body into
// result when result is non-nil.
func (c *Client) do(ctx context.Context, req request, result any) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.send(ctx, req, result)
	})
}

func (c *Client) send(parent context.Context, r request, result any) error {
	timeout := r.timeout
	if timeout == 0 {
		timeout = requestTimeout
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	target := c.baseURL + r.endpoint
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, r.body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	req.Header.Set("Accept", "application/json")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A caller abandoning the request says nothing about the server.
		if parent.Err() != nil {
			return fmt.Errorf("%s %s: %w", r.method, r.endpoint, parent.Err())
		}

		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("%w: %s %s: %w", errs.ErrAPIRequest, r.method, r.endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", r.endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(r, resp.StatusCode, respBody)
	}

	if result == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %w", errs.ErrAPIResponse, r.endpoint, err)
	}

	return nil
}

// statusError maps a non-2xx answer onto the error taxonomy. The body is
// expected as {"error": "...", "code": "...", "reason": "..."} but any
// shape is tolerated.
func (c *Client) statusError(r request, status int, body []byte) error {
	code := gjson.GetBytes(body, "code").String()
	msg := gjson.GetBytes(body, "error").String()

	if msg == "" {
		msg = sanitizeResponseBody(body)
	}

	switch {
	case status == http.StatusForbidden && (code == "blocked" || strings.Contains(strings.ToLower(msg), "blocked")):
		return &BlockedError{
			ConversationID: r.conversationID,
			Reason:         gjson.GetBytes(body, "reason").String(),
		}
	case status == http.StatusNotFound && r.conversationID != "":
		return fmt.Errorf("%s %s: %w", r.method, r.endpoint, errs.ErrConversationNotFound)
	}

	err := fmt.Errorf("%w: %s %s returned status %d: %s", errs.ErrAPIResponse, r.method, r.endpoint, status, msg)
	if isTransientStatus(status) {
		return &TransientError{Err: err}
	}

	return err
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

func jsonBody(v any) (io.Reader, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	return bytes.NewReader(payload), nil
}

type conversationsResponse struct {
	Conversations []models.Conversation `json:"conversations"`
}

type messagesResponse struct {
	Messages []models.Message `json:"messages"`
}

// Conversations returns conversations changed since the given time, or
// all of them when since is zero.
func (c *Client) Conversations(ctx context.Context, since time.Time) ([]models.Conversation, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	var resp conversationsResponse

	err := c.do(ctx, request{method: http.MethodGet, endpoint: "/conversations", query: q, timeout: PollTimeout}, &resp)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	return resp.Conversations, nil
}

// Messages long-polls for messages in a conversation newer than
// lastMessageID. An empty lastMessageID returns the latest page.
func (c *Client) Messages(ctx context.Context, conversationID, lastMessageID string) ([]models.Message, error) {
	q := url.Values{}
	q.Set("conversationId", conversationID)

	if lastMessageID != "" {
		q.Set("lastMessageId", lastMessageID)
	}

	var resp messagesResponse

	err := c.do(ctx, request{
		method:         http.MethodGet,
		endpoint:       "/messages",
		query:          q,
		timeout:        PollTimeout,
		conversationID: conversationID,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("fetching messages for %s: %w", conversationID, err)
	}

	return resp.Messages, nil
}

// SendMessage posts a message and returns the server's copy, carrying
// its ID and authoritative createdAt.
func (c *Client) SendMessage(ctx context.Context, req models.SendRequest) (models.Message, error) {
	body, err := jsonBody(req)
	if err != nil {
		return models.Message{}, err
	}

	var msg models.Message

	err = c.do(ctx, request{
		method:         http.MethodPost,
		endpoint:       "/messages/send",
		body:           body,
		contentType:    "application/json",
		conversationID: req.ConversationID,
	}, &msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("sending message: %w", err)
	}

	if msg.ID == "" {
		return models.Message{}, fmt.Errorf("sending message: %w: missing id", errs.ErrAPIResponse)
	}

	if msg.TempID == "" {
		msg.TempID = req.TempID
	}

	return msg, nil
}

type markReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// MarkRead records read receipts for the given message IDs.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	body, err := jsonBody(markReadRequest{MessageIDs: messageIDs})
	if err != nil {
		return err
	}

	err = c.do(ctx, request{
		method:         http.MethodPut,
		endpoint:       "/conversations/" + url.PathEscape(conversationID) + "/read",
		body:           body,
		contentType:    "application/json",
		conversationID: conversationID,
	}, nil)
	if err != nil {
		return fmt.Errorf("marking %s read: %w", conversationID, err)
	}

	return nil
}

// Upload sends an image as multipart/form-data and returns the stored
// attachment.
func (c *Client) Upload(ctx context.Context, name string, file io.Reader) (models.Attachment, error) {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("creating form file: %w", err)
	}

	size, err := io.Copy(part, file)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("reading upload: %w", err)
	}

	if err := mw.Close(); err != nil {
		return models.Attachment{}, fmt.Errorf("closing multipart body: %w", err)
	}

	var att models.Attachment

	err = c.do(ctx, request{
		method:      http.MethodPost,
		endpoint:    "/uploads",
		body:        &buf,
		contentType: mw.FormDataContentType(),
		timeout:     httpClientTimeout,
	}, &att)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("uploading %s: %w", name, err)
	}

	if att.URL == "" {
		return models.Attachment{}, fmt.Errorf("uploading %s: %w: missing url", name, errs.ErrAPIResponse)
	}

	if att.Name == "" {
		att.Name = name
	}

	if att.Size == 0 {
		att.Size = size
	}

	c.logger.Debug("uploaded attachment", slog.String("name", name), slog.Int64("bytes", size))

	return att, nil
}
