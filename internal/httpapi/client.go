// Package httpapi is the REST client for the chat server: authoritative
// sends, history pages, and the user directory. The socket carries
// pushes; everything that needs a confirmed server response goes through
// here.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/duetchat/duet/internal/config"
	"github.com/duetchat/duet/internal/errs"
	"github.com/duetchat/duet/internal/store"
	"github.com/duetchat/duet/internal/wire"
)

type Client struct {
	base  string
	token string
	http  *http.Client
}

func New(cfg *config.Config) *Client {
	return &Client{
		base:  strings.TrimRight(cfg.Server.APIURL, "/"),
		token: cfg.Server.Token,
		http:  &http.Client{Timeout: cfg.Sync.RequestTimeout()},
	}
}

// SendResult is the server's confirmation of one message.
type SendResult struct {
	ID        string       `json:"id"`
	Status    store.Status `json:"status"`
	Timestamp int64        `json:"timestamp"`
}

// User is one directory entry.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// DisplayName returns the best human-readable name for the user.
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Username
}

// SendMessage posts one message and returns the server-assigned id.
func (c *Client) SendMessage(ctx context.Context, from, to, content string) (*SendResult, error) {
	body := map[string]string{"from": from, "to": to, "content": content}
	var result SendResult
	if err := c.do(ctx, http.MethodPost, "/messages", nil, body, &result, errs.ErrSendFailed); err != nil {
		return nil, err
	}
	if result.Status == "" {
		result.Status = store.StatusSent
	}
	return &result, nil
}

// GetMessages fetches one history page for the conversation with
// counterparty, newest page first.
func (c *Client) GetMessages(ctx context.Context, counterparty string, page, limit int) ([]wire.InboundMessage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var raw []json.RawMessage
	path := "/messages/" + url.PathEscape(counterparty)
	if err := c.do(ctx, http.MethodGet, path, q, nil, &raw, errs.ErrLoadFailed); err != nil {
		return nil, err
	}
	out := make([]wire.InboundMessage, 0, len(raw))
	for _, r := range raw {
		if m := wire.DecodeMessage(r); m.From != "" {
			out = append(out, *m)
		}
	}
	return out, nil
}

// Users fetches the full user directory.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var out []User
	if err := c.do(ctx, http.MethodGet, "/users", nil, nil, &out, errs.ErrLoadFailed); err != nil {
		return nil, err
	}
	return out, nil
}

// OnlineUsers fetches the ids of currently online users. This is the
// presence poll fallback behind the push snapshots.
func (c *Client) OnlineUsers(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, "/users/online", nil, nil, &out, errs.ErrLoadFailed); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, opErr error) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", opErr, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("%w: %v", opErr, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", opErr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return errs.FromHTTPStatus(resp.StatusCode, opErr)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", opErr, err)
	}
	return nil
}
