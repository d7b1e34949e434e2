package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/campus-answer-bot-go/internal/models"
)

const (
	DefaultQueryTimeout = 90 * time.Second
	resetTimeout        = 10 * time.Second
	maxBodyBytes        = 1 << 20
)

var (
	// ErrUnavailable covers transport failures, timeouts and non-2xx replies.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrInvalidResponse is a 2xx reply whose body is not the expected JSON.
	ErrInvalidResponse = errors.New("backend returned an invalid response")
)

// Client talks to the query service on behalf of the chat transport.
type Client struct {
	baseURL      string
	http         *http.Client
	queryTimeout time.Duration
}

// NewClient creates a backend client. httpClient may be nil.
func NewClient(baseURL string, queryTimeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         httpClient,
		queryTimeout: queryTimeout,
	}
}

// Query asks the backend for the answer to q in the given chat. An empty
// answer field is returned as "" with no error.
func (c *Client) Query(ctx context.Context, q string, chatID int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	params := url.Values{"q": {q}, "chat_id": {strconv.FormatInt(chatID, 10)}}
	body, err := c.do(ctx, http.MethodGet, "/query", params)
	if err != nil {
		return "", err
	}

	var resp models.QueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return resp.Answer, nil
}

// Reset clears the backend session of a chat.
func (c *Client) Reset(ctx context.Context, chatID int64) error {
	ctx, cancel := context.WithTimeout(ctx, resetTimeout)
	defer cancel()

	_, err := c.do(ctx, http.MethodPost, "/reset_session", url.Values{"chat_id": {strconv.FormatInt(chatID, 10)}})
	return err
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}
	return body, nil
}
