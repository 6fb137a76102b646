// Package api is a client for the chat backend's REST and streaming endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/chatbot/internal/types"
)

// Config holds connection settings for the backend.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token when set. Authentication normally
	// happens at the reverse proxy in front of the backend.
	Token string
	// Cookie is forwarded verbatim, e.g. a proxy session cookie.
	Cookie    string
	Timeout   time.Duration
	UserAgent string
}

// Client talks to the backend. Reads are retried on transient failures;
// writes and streams are sent once.
type Client struct {
	config     Config
	httpClient *http.Client
	// streamClient has no overall timeout: a response stream stays open for
	// as long as the assistant is answering.
	streamClient *http.Client
	retry        *RetryPolicy
}

// New creates a client with the given configuration.
func New(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "chatbot"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{
		config:       config,
		httpClient:   &http.Client{Timeout: config.Timeout},
		streamClient: &http.Client{},
		retry:        DefaultRetryPolicy(),
	}
}

// WithRetry replaces the retry policy used for reads.
func (c *Client) WithRetry(p *RetryPolicy) *Client {
	c.retry = p
	return c
}

func (c *Client) url(path string, query url.Values) string {
	u := c.config.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	if c.config.Cookie != "" {
		req.Header.Set("Cookie", c.config.Cookie)
	}
}

// do sends one request. body, when non-nil, is JSON-encoded; out, when
// non-nil, receives the decoded JSON response.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromBody(resp.StatusCode, respBody)
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// get is do for idempotent reads, retried per the client's policy.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.retry.Execute(ctx, func() error {
		return c.do(ctx, http.MethodGet, path, query, nil, out)
	})
}

func convPath(id types.ConvID) string {
	return "/api/conversations/" + url.PathEscape(string(id))
}

// ListConversations fetches one page of the conversation list. An empty
// cursor starts from the most recent conversation; size <= 0 lets the server
// choose.
func (c *Client) ListConversations(ctx context.Context, cursor string, size int) (*types.CursorPage[types.Conversation], error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if size > 0 {
		query.Set("size", strconv.Itoa(size))
	}
	var page types.CursorPage[types.Conversation]
	if err := c.get(ctx, "/api/conversations", query, &page); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return &page, nil
}

func (c *Client) GetConversation(ctx context.Context, id types.ConvID) (*types.Conversation, error) {
	var conv types.Conversation
	if err := c.get(ctx, convPath(id), nil, &conv); err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (c *Client) CreateConversation(ctx context.Context, title string) (*types.Conversation, error) {
	var conv types.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", nil, map[string]string{"title": title}, &conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &conv, nil
}

// UpdateConversation sends the title and pinned flag of conv.
func (c *Client) UpdateConversation(ctx context.Context, conv *types.Conversation) error {
	body := map[string]any{"title": conv.Title, "pinned": conv.Pinned}
	if err := c.do(ctx, http.MethodPut, convPath(conv.ID), nil, body, nil); err != nil {
		return fmt.Errorf("update conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (c *Client) DeleteConversation(ctx context.Context, id types.ConvID) error {
	if err := c.do(ctx, http.MethodDelete, convPath(id), nil, nil, nil); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

func (c *Client) Feedback(ctx context.Context, convID types.ConvID, runID types.RunID, fb types.Feedback) error {
	path := convPath(convID) + "/runs/" + url.PathEscape(string(runID)) + "/feedback"
	if err := c.do(ctx, http.MethodPut, path, nil, fb, nil); err != nil {
		return fmt.Errorf("send feedback: %w", err)
	}
	return nil
}

// Interrupt asks the server to stop generating for convID.
func (c *Client) Interrupt(ctx context.Context, convID types.ConvID) error {
	if err := c.do(ctx, http.MethodPost, convPath(convID)+"/chat/interrupt", nil, nil, nil); err != nil {
		return fmt.Errorf("interrupt conversation %s: %w", convID, err)
	}
	return nil
}

// UploadFile posts r as a multipart file attached to convID.
func (c *Client) UploadFile(ctx context.Context, convID types.ConvID, filename string, r io.Reader) (*types.FileMeta, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		err := form.WriteField("conv_id", string(convID))
		if err == nil {
			var part io.Writer
			part, err = form.CreateFormFile("file", filename)
			if err == nil {
				_, err = io.Copy(part, r)
			}
		}
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/files", nil), pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.streamClient.Do(req)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("upload %s: %w", filename, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFromBody(resp.StatusCode, body)
	}

	meta := types.FileMeta{Filename: filename}
	if len(bytes.TrimSpace(body)) > 0 {
		// The response shape varies between deployments; a body that is not
		// file metadata still means success.
		_ = json.Unmarshal(body, &meta)
	}
	meta.Status = types.UploadUploaded
	return &meta, nil
}

// OpenStream posts msg to the assistant endpoint of convID and returns the
// event stream body. The caller must close it. Cancelling ctx aborts the
// request and unblocks pending reads.
func (c *Client) OpenStream(ctx context.Context, convID types.ConvID, msg *types.Message) (io.ReadCloser, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	path := "/api/" + url.PathEscape(string(convID)) + "/assistant"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path, nil), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, errorFromBody(resp.StatusCode, body)
	}
	return resp.Body, nil
}

func (c *Client) ListShares(ctx context.Context, page, size int) (*types.Page[types.Share], error) {
	query := url.Values{}
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}
	if size > 0 {
		query.Set("size", strconv.Itoa(size))
	}
	var out types.Page[types.Share]
	if err := c.get(ctx, "/api/shares", query, &out); err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	return &out, nil
}

func (c *Client) GetShare(ctx context.Context, id types.ShareID) (*types.Share, error) {
	var share types.Share
	if err := c.get(ctx, "/api/shares/"+url.PathEscape(string(id)), nil, &share); err != nil {
		return nil, fmt.Errorf("get share %s: %w", id, err)
	}
	return &share, nil
}

// CreateShare snapshots the conversation sourceID into a public share.
func (c *Client) CreateShare(ctx context.Context, sourceID types.ConvID, title string) (*types.Share, error) {
	body := map[string]string{"source_id": string(sourceID)}
	if title != "" {
		body["title"] = title
	}
	var share types.Share
	if err := c.do(ctx, http.MethodPost, "/api/shares", nil, body, &share); err != nil {
		return nil, fmt.Errorf("create share: %w", err)
	}
	return &share, nil
}

func (c *Client) DeleteShare(ctx context.Context, id types.ShareID) error {
	if err := c.do(ctx, http.MethodDelete, "/api/shares/"+url.PathEscape(string(id)), nil, nil, nil); err != nil {
		return fmt.Errorf("delete share %s: %w", id, err)
	}
	return nil
}

// Me returns the user the proxy authenticated.
func (c *Client) Me(ctx context.Context) (*types.UserInfo, error) {
	var user types.UserInfo
	if err := c.get(ctx, "/api/users/current", nil, &user); err != nil {
		return nil, fmt.Errorf("get current user: %w", err)
	}
	return &user, nil
}

var _ types.Backend = (*Client)(nil)
