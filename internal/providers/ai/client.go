package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("ai: api key is required")

// Options configures the HTTP generation client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client calls a JSON generation endpoint and classifies its failures as
// transient or permanent.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

type generationRequest struct {
	Model     string `json:"model"`
	Kind      string `json:"kind"`
	Prompt    string `json:"prompt"`
	TargetRef string `json:"target_ref,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type generationResponse struct {
	Output struct {
		Image       string `json:"image"`
		ContentType string `json:"content_type"`
		Width       int    `json:"width"`
		Height      int    `json:"height"`
	} `json:"output"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("ai: base url is required")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "default"
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		l := infra.Logger(zerolog.New(io.Discard))
		logger = &l
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Generate performs one generation call. Network failures, timeouts, 429 and
// 5xx responses are transient; other 4xx responses are permanent.
func (c *Client) Generate(ctx context.Context, req Request) (*Artifact, error) {
	if !c.HasCredentials() {
		return nil, domain.Permanent(ErrMissingAPIKey)
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, domain.Permanent(errors.New("ai: prompt is required"))
	}
	body, err := json.Marshal(generationRequest{
		Model:     c.model,
		Kind:      string(req.Kind),
		Prompt:    prompt,
		TargetRef: req.TargetRef,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("ai: encode request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generations", bytes.NewReader(body))
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("ai: build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("ai: http request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("ai: read response: %w", err))
	}
	if resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	var decoded generationResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, domain.Transient(fmt.Errorf("ai: decode response: %w", err))
	}
	if decoded.Code != "" {
		return nil, domain.Permanent(fmt.Errorf("ai: %s (%s)", decoded.Message, decoded.Code))
	}
	data, err := base64.StdEncoding.DecodeString(decoded.Output.Image)
	if err != nil || len(data) == 0 {
		return nil, domain.Transient(errors.New("ai: empty image payload"))
	}
	contentType := decoded.Output.ContentType
	if contentType == "" {
		contentType = "image/png"
	}
	c.logger.Debug().
		Str("model", c.model).
		Str("kind", string(req.Kind)).
		Str("request_id", decoded.RequestID).
		Int("bytes", len(data)).
		Msg("ai: generated artifact")
	return &Artifact{Data: data, ContentType: contentType, Width: decoded.Output.Width, Height: decoded.Output.Height}, nil
}

func classifyStatus(status int, raw []byte) error {
	msg := strings.TrimSpace(string(raw))
	var detail errorResponse
	if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
		msg = fmt.Sprintf("%s (%s)", detail.Message, detail.Code)
	}
	err := fmt.Errorf("ai: status %d: %s", status, msg)
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return domain.Transient(err)
	}
	return domain.Permanent(err)
}

var _ Generator = (*Client)(nil)
