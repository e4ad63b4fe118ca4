package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rdv-chat/internal/chat"
)

const (
	DefaultPageSize = 50
	// MaxUploadBytes mirrors the gateway's attachment limit so oversized
	// files are refused before any bytes are sent.
	MaxUploadBytes = 10 * 1024 * 1024
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Client talks to the chat REST endpoints of the gateway.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// GetMessages returns one page of a conversation, newest first.
func (c *Client) GetMessages(ctx context.Context, conversationID, userID, limit, offset int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	q := url.Values{}
	q.Set("user_id", strconv.Itoa(userID))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var msgs []chat.Message
	path := fmt.Sprintf("/chat/conversations/%d/messages", conversationID)
	if err := c.doJSON(ctx, http.MethodGet, path, q, nil, "", &msgs); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return msgs, nil
}

// MarkAsRead flags the counterpart's messages in the conversation as read.
func (c *Client) MarkAsRead(ctx context.Context, conversationID, userID int) error {
	q := url.Values{}
	q.Set("user_id", strconv.Itoa(userID))

	var status struct {
		Status string `json:"status"`
	}
	path := fmt.Sprintf("/chat/conversations/%d/read", conversationID)
	if err := c.doJSON(ctx, http.MethodPost, path, q, nil, "", &status); err != nil {
		return fmt.Errorf("mark as read: %w", err)
	}
	return nil
}

func (c *Client) ListConversations(ctx context.Context, userID int) ([]chat.Conversation, error) {
	q := url.Values{}
	q.Set("user_id", strconv.Itoa(userID))

	var convs []chat.Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/chat/conversations", q, nil, "", &convs); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// CreateOrGetConversation returns the id of the patient/doctor conversation,
// creating it when needed.
func (c *Client) CreateOrGetConversation(ctx context.Context, patientID, doctorID int) (int, error) {
	form := url.Values{}
	form.Set("patient_id", strconv.Itoa(patientID))
	form.Set("medecin_id", strconv.Itoa(doctorID))

	var res struct {
		Success        bool   `json:"success"`
		ConversationID int    `json:"conversation_id"`
		Message        string `json:"message"`
	}
	body := strings.NewReader(form.Encode())
	if err := c.doJSON(ctx, http.MethodPost, "/chat/conversations/create", nil, body, "application/x-www-form-urlencoded", &res); err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}
	return res.ConversationID, nil
}

// UploadFile posts an attachment. The content is buffered so the size limit
// can be enforced locally.
func (c *Client) UploadFile(ctx context.Context, conversationID, senderID int, filename, contentType string, r io.Reader) (*chat.UploadResult, error) {
	content, err := io.ReadAll(io.LimitReader(r, MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(content) > MaxUploadBytes {
		return nil, fmt.Errorf("upload %q: %w", filename, chat.ErrTooLarge)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(content); err != nil {
		return nil, err
	}
	_ = mw.WriteField("conversation_id", strconv.Itoa(conversationID))
	_ = mw.WriteField("sender_id", strconv.Itoa(senderID))
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var res chat.UploadResult
	if err := c.doJSON(ctx, http.MethodPost, "/chat/upload", nil, &buf, mw.FormDataContentType(), &res); err != nil {
		return nil, fmt.Errorf("upload %q: %w", filename, err)
	}
	return &res, nil
}

// DownloadFile streams a stored attachment. The caller closes the reader.
func (c *Client) DownloadFile(ctx context.Context, filename string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, "/chat/download/"+url.PathEscape(filename), nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("download %q: %w", filename, err)
	}
	return resp.Body, nil
}

// DeleteAttachment removes a message with its file. Only the sender may.
func (c *Client) DeleteAttachment(ctx context.Context, messageID, userID int) error {
	q := url.Values{}
	q.Set("user_id", strconv.Itoa(userID))

	var res struct {
		Success bool `json:"success"`
	}
	path := fmt.Sprintf("/chat/messages/%d/attachment", messageID)
	if err := c.doJSON(ctx, http.MethodDelete, path, q, nil, "", &res); err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	resp, err := c.do(ctx, method, path, query, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do sends the request and turns non-2xx answers into *StatusError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return resp, nil
}
