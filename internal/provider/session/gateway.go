package session

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
)

// Gateway states reported for a session.
const (
	StateStopped  = "STOPPED"
	StateStarting = "STARTING"
	StateScanQR   = "SCAN_QR_CODE"
	StateWorking  = "WORKING"
	StateFailed   = "FAILED"
)

// ErrGatewayRejected wraps 4xx answers other than auth and rate limits.
var ErrGatewayRejected = errors.New("gateway rejected request")

// Gateway is an HTTP client for the session gateway that holds the
// authenticated protocol connections.
type Gateway struct {
	base   string
	apiKey string
	http   *http.Client
}

func NewGateway(baseURL, apiKey string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Gateway{
		base:   strings.TrimRight(baseURL, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

type sendText struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

type fileRef struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
}

type sendFile struct {
	Session string  `json:"session"`
	ChatID  string  `json:"chatId"`
	File    fileRef `json:"file"`
	Caption string  `json:"caption,omitempty"`
}

type sendResult struct {
	ID  any `json:"id"`
	Key *struct {
		ID string `json:"id"`
	} `json:"key"`
}

// messageID accepts both string ids and {"_serialized": "..."} objects.
func (r sendResult) messageID() string {
	switch v := r.ID.(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["_serialized"].(string); ok {
			return s
		}
		if s, ok := v["id"].(string); ok {
			return s
		}
	}
	if r.Key != nil {
		return r.Key.ID
	}
	return ""
}

// Info is the gateway's view of one session.
type Info struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Me     *struct {
		ID       string `json:"id"`
		PushName string `json:"pushName"`
	} `json:"me,omitempty"`
}

func (g *Gateway) SendText(ctx context.Context, session, chatID, text string) (string, error) {
	var out sendResult
	err := g.do(ctx, http.MethodPost, "/api/sendText", sendText{Session: session, ChatID: chatID, Text: text}, &out)
	if err != nil {
		return "", err
	}
	return out.messageID(), nil
}

// SendFile posts to one of sendImage, sendVideo, sendFile or sendVoice.
func (g *Gateway) SendFile(ctx context.Context, endpoint, session, chatID string, f fileRef, caption string) (string, error) {
	var out sendResult
	err := g.do(ctx, http.MethodPost, "/api/"+endpoint, sendFile{Session: session, ChatID: chatID, File: f, Caption: caption}, &out)
	if err != nil {
		return "", err
	}
	return out.messageID(), nil
}

func (g *Gateway) Session(ctx context.Context, name string) (Info, error) {
	var out Info
	err := g.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(name), nil, &out)
	return out, err
}

func (g *Gateway) Start(ctx context.Context, name string) error {
	return g.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(name)+"/start", nil, nil)
}

func (g *Gateway) Stop(ctx context.Context, name string) error {
	return g.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(name)+"/stop", nil, nil)
}

// QR returns the raw pairing code while the session waits for a scan.
func (g *Gateway) QR(ctx context.Context, name string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	err := g.do(ctx, http.MethodGet, "/api/"+url.PathEscape(name)+"/auth/qr?format=raw", nil, &out)
	return out.Value, err
}

func (g *Gateway) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		req.Header.Set("X-Api-Key", g.apiKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode/100 != 2 {
		err := fmt.Errorf("%s %s: unexpected status code: %d body=%q", method, path, resp.StatusCode, snippet(raw))
		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %v", ErrGatewayRejected, err)
		}
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode json: %w body=%q", err, snippet(raw))
	}
	return nil
}

func snippet(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}
