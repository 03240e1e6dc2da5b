package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const (
	pathProcessImage = "/api/images/process-image"
	pathProcessBatch = "/api/images/process-batch-images"
	pathListModels   = "/api/images/available-models"
)

// Config holds extraction service settings.
type Config struct {
	BaseURL string
	Token   string
	Retry   RetryConfig
}

// Client talks to the remote extraction service.
type Client struct {
	cfg        Config
	httpClient *http.Client
	retry      RetryConfig
	log        *slog.Logger
}

func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		// streams are long lived; the request context bounds them instead of Client.Timeout
		httpClient = &http.Client{}
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: httpClient, retry: cfg.Retry, log: logger}
}

func (c *Client) headers(accept string) map[string]string {
	h := map[string]string{"Accept": accept}
	if c.cfg.Token != "" {
		h["Authorization"] = "Bearer " + c.cfg.Token
	}
	return h
}

type singleBody struct {
	Image      string `json:"image"`
	PageNumber int    `json:"pageNumber"`
	Model      string `json:"model"`
	Prompt     string `json:"prompt"`
}

type batchImage struct {
	Image      string `json:"image"`
	PageNumber int    `json:"pageNumber"`
}

type batchBody struct {
	Images []batchImage `json:"images"`
	Model  string       `json:"model"`
	Prompt string       `json:"prompt"`
}

// Submit posts req and returns the open event stream. A single page uses the
// single-image endpoint, anything else the batch endpoint. The submission is
// not retried. Cancelling ctx aborts the transport.
func (c *Client) Submit(ctx context.Context, req Request) (*Stream, error) {
	if len(req.Pages) == 0 {
		return nil, errors.New("submit: no pages")
	}
	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	var (
		path string
		body any
	)
	if len(req.Pages) == 1 {
		path = pathProcessImage
		body = singleBody{Image: req.Pages[0].Image, PageNumber: req.Pages[0].PageNumber, Model: model, Prompt: req.Prompt}
	} else {
		images := make([]batchImage, len(req.Pages))
		for i, p := range req.Pages {
			images[i] = batchImage{Image: p.Image, PageNumber: p.PageNumber}
		}
		path = pathProcessBatch
		body = batchBody{Images: images, Model: model, Prompt: req.Prompt}
	}

	resp, err := SendJSON(ctx, c.httpClient, http.MethodPost, c.cfg.BaseURL+path, body, c.headers("text/event-stream"), c.log)
	if err != nil {
		return nil, &StreamError{Message: "request failed", Cause: err}
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, &StreamError{Status: resp.StatusCode, Message: readErrorMessage(resp)}
	}

	c.log.Info("llm.submit.ok", "pages", len(req.Pages), "model", model, "endpoint", path)
	return newStream(resp.Body, c.log), nil
}

// ListModels fetches the models the service offers, retrying transient errors.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := c.retryWithBackoff(ctx, func() (*http.Response, error) {
		return SendJSON(ctx, c.httpClient, http.MethodGet, c.cfg.BaseURL+pathListModels, nil, c.headers("application/json"), c.log)
	})
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("list models: %s", readErrorMessage(resp))
	}

	var out struct {
		Success bool    `json:"success"`
		Models  []Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("list models: decode: %w", err)
	}
	if !out.Success || len(out.Models) == 0 {
		return nil, errors.New("list models: service returned no models")
	}
	return out.Models, nil
}

// ModelsOrDefault lists models, falling back to DefaultModels on failure.
func (c *Client) ModelsOrDefault(ctx context.Context) []Model {
	models, err := c.ListModels(ctx)
	if err != nil {
		c.log.Warn("llm.models.fallback", "error", err)
		return DefaultModels()
	}
	return models
}

// Stream is an open extraction event stream.
type Stream struct {
	body   io.ReadCloser
	framer *Framer
	log    *slog.Logger
}

func newStream(body io.ReadCloser, logger *slog.Logger) *Stream {
	return &Stream{body: body, framer: NewFramer(body), log: logger}
}

// NewStream wraps an arbitrary event source, e.g. a recorded response.
func NewStream(body io.ReadCloser, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return newStream(body, logger)
}

// Next returns the next decodable event. Payloads that fail to decode are
// logged and skipped. io.EOF marks the end of the stream.
func (s *Stream) Next() (Event, error) {
	for {
		payload, err := s.framer.Next()
		if err != nil {
			return Event{}, err
		}
		ev, err := DecodeEvent(payload)
		if err != nil {
			s.log.Warn("llm.stream.decode_error", "error", err, "bytes", len(payload))
			continue
		}
		return ev, nil
	}
}

// Close releases the underlying transport. It is safe to call more than once.
func (s *Stream) Close() error {
	return s.body.Close()
}
