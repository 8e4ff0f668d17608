// Package cloudapi sends through the official credentialed messaging API.
//
// The channel addresses individual contacts only.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"dispatchd/internal/model"
	"dispatchd/internal/provider"
	logx "dispatchd/pkg/logx"
)

const Name = "cloudapi"

type Config struct {
	Enabled       bool          `json:"enabled"`
	BaseURL       string        `json:"base_url"`
	PhoneNumberID string        `json:"phone_number_id"`
	Token         string        `json:"token"`
	Timeout       time.Duration `json:"timeout"`
	// ProbeTTL caches the Connected result between probes.
	ProbeTTL time.Duration `json:"probe_ttl"`
	// GroupSuffix marks group ids, which this API cannot address.
	GroupSuffix string `json:"-"`
}

type Client struct {
	cfg    Config
	http   *http.Client
	log    logx.Logger
	nowFn  func() time.Time
	probe  sync.Mutex
	lastAt time.Time
	lastOK bool
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com/v21.0"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ProbeTTL <= 0 {
		cfg.ProbeTTL = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   log.With(logx.String("comp", "cloudapi")),
		nowFn: time.Now,
	}
}

var _ provider.Provider = (*Client)(nil)

func (c *Client) Name() string { return Name }

func (c *Client) Available() bool {
	return c.cfg.Enabled && c.cfg.Token != "" && c.cfg.PhoneNumberID != ""
}

func (c *Client) Supports(class model.Class) bool { return class == model.ClassContact }

// Connected probes the phone number resource. Results are cached for ProbeTTL.
func (c *Client) Connected(ctx context.Context) bool {
	if !c.Available() {
		return false
	}
	c.probe.Lock()
	defer c.probe.Unlock()
	if !c.lastAt.IsZero() && c.nowFn().Sub(c.lastAt) < c.cfg.ProbeTTL {
		return c.lastOK
	}
	ok := c.ping(ctx) == nil
	c.lastAt, c.lastOK = c.nowFn(), ok
	return ok
}

func (c *Client) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/"+c.cfg.PhoneNumberID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("probe failed", logx.Err(err))
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

type mediaRef struct {
	Link     string `json:"link"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type sendRequest struct {
	Product       string    `json:"messaging_product"`
	RecipientType string    `json:"recipient_type"`
	To            string    `json:"to"`
	Type          string    `json:"type"`
	Text          *textBody `json:"text,omitempty"`
	Image         *mediaRef `json:"image,omitempty"`
	Video         *mediaRef `json:"video,omitempty"`
	Document      *mediaRef `json:"document,omitempty"`
	Audio         *mediaRef `json:"audio,omitempty"`
}

type textBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func (e *apiError) Error() string { return fmt.Sprintf("%s (code %d)", e.Message, e.Code) }

func buildRequest(dest string, content model.Content) (sendRequest, error) {
	req := sendRequest{
		Product:       "whatsapp",
		RecipientType: "individual",
		To:            normalize(dest),
		Type:          string(content.Kind),
	}
	var media mediaRef
	if content.Media != nil {
		media = mediaRef{Link: content.Media.URL, Caption: content.Body, Filename: content.Media.Filename}
	}
	switch content.Kind {
	case model.KindText:
		req.Text = &textBody{Body: content.Body, PreviewURL: strings.Contains(content.Body, "http")}
	case model.KindImage:
		media.Filename = ""
		req.Image = &media
	case model.KindVideo:
		media.Filename = ""
		req.Video = &media
	case model.KindDocument:
		req.Document = &media
	case model.KindAudio:
		media.Caption, media.Filename = "", ""
		req.Audio = &media
	}
	if content.Kind != model.KindText && media.Link == "" {
		return req, fmt.Errorf("%s requires media url", content.Kind)
	}
	return req, nil
}

// normalize strips formatting the API rejects.
func normalize(dest string) string {
	d := strings.TrimSpace(dest)
	d = strings.TrimPrefix(d, "+")
	if i := strings.IndexByte(d, '@'); i >= 0 {
		d = d[:i]
	}
	return d
}

func (c *Client) Send(ctx context.Context, dest string, content model.Content) (provider.Result, error) {
	if err := provider.CheckCall(dest, content); err != nil {
		return provider.Result{}, err
	}
	if !c.Available() {
		return provider.Failed(errors.New("cloudapi not configured")), nil
	}
	if !c.Supports(model.Classify(dest, c.cfg.GroupSuffix)) {
		return provider.Rejected(errors.New("cloudapi cannot address group chats")), nil
	}
	payload, err := buildRequest(dest, content)
	if err != nil {
		return provider.Rejected(err), nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return provider.Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/"+c.cfg.PhoneNumberID+"/messages", bytes.NewReader(body))
	if err != nil {
		return provider.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return provider.Failed(err), nil
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var sr sendResponse
	_ = json.Unmarshal(raw, &sr)
	if resp.StatusCode/100 != 2 {
		var cause error = fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, truncate(raw))
		if sr.Error != nil {
			cause = fmt.Errorf("status %d: %w", resp.StatusCode, sr.Error)
		}
		if permanentStatus(resp.StatusCode) {
			return provider.Rejected(cause), nil
		}
		return provider.Failed(cause), nil
	}
	if len(sr.Messages) == 0 || sr.Messages[0].ID == "" {
		return provider.Failed(fmt.Errorf("missing message id in response body=%q", truncate(raw))), nil
	}
	return provider.OK(sr.Messages[0].ID), nil
}

// permanentStatus marks request errors a resend cannot fix. Auth and rate
// limit failures stay transient.
func permanentStatus(code int) bool {
	return code == http.StatusBadRequest || code == http.StatusNotFound || code == http.StatusUnprocessableEntity
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
