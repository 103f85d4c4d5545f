// Package httpapi provides a synth.Synthesizer backed by a self-hosted
// model server speaking a plain HTTP synthesis API (Kokoro-style servers,
// or anything matching the contract below).
//
// Synthesis is one POST /synthesize per utterance with a JSON body naming
// the text, voice, and output format; the response body is the encoded
// audio. Servers that cannot be introspected for duration may set an
// X-Duration-Ms response header; for WAV output the duration is read from
// the container itself.
//
// Typical usage:
//
//	c, err := httpapi.New("http://localhost:8880",
//	    httpapi.WithModel("kokoro-v1"),
//	    httpapi.WithTimeout(60*time.Second),
//	)
//	audio, err := c.Synthesize(ctx, req)
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lecternhq/lectern/pkg/synth"
)

// Compile-time interface assertion.
var _ synth.Synthesizer = (*Client)(nil)

const (
	defaultTimeout      = 60 * time.Second
	synthesizeEndpoint  = "/synthesize"
	durationMsHeaderKey = "X-Duration-Ms"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithTimeout sets the per-request HTTP timeout. Defaults to 60 s; synthesis
// of long blocks on CPU-bound servers is slow.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithModel overrides the model name sent to the server. When unset, the
// request's ModelSlug is sent as-is.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithAPIKey sends the key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithPath overrides the synthesis endpoint path. Defaults to "/synthesize".
func WithPath(path string) Option {
	return func(c *Client) {
		c.path = path
	}
}

// Client implements synth.Synthesizer against an HTTP synthesis server.
// It is safe for concurrent use; requests may run in parallel.
type Client struct {
	serverURL  string
	path       string
	model      string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client targeting the server at serverURL
// (e.g., "http://localhost:8880"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		return nil, errors.New("httpapi: serverURL must not be empty")
	}
	c := &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		path:      synthesizeEndpoint,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// synthesizeRequest is the JSON body sent to POST /synthesize.
type synthesizeRequest struct {
	Text       string         `json:"text"`
	Voice      string         `json:"voice"`
	Model      string         `json:"model,omitempty"`
	Codec      string         `json:"codec,omitempty"`
	SampleRate int            `json:"sample_rate,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Synthesize performs one POST to the synthesis endpoint and returns the
// response body as encoded audio.
func (c *Client) Synthesize(ctx context.Context, req synth.Request) (synth.Audio, error) {
	model := c.model
	if model == "" {
		model = req.ModelSlug
	}
	body := synthesizeRequest{
		Text:       req.Text,
		Voice:      req.VoiceSlug,
		Model:      model,
		Codec:      req.Codec,
		SampleRate: req.SampleRate,
		Parameters: req.Parameters,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return synth.Audio{}, fmt.Errorf("httpapi: marshal synthesize request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+c.path, bytes.NewReader(data))
	if err != nil {
		return synth.Audio{}, fmt.Errorf("httpapi: create synthesize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/*")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return synth.Audio{}, fmt.Errorf("httpapi: POST %s: %w", c.path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return synth.Audio{}, fmt.Errorf("httpapi: POST %s returned status %d", c.path, resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return synth.Audio{}, fmt.Errorf("httpapi: read audio response: %w", err)
	}
	if len(audio) == 0 {
		return synth.Audio{}, errors.New("httpapi: server returned empty audio")
	}

	return synth.Audio{Data: audio, DurationMs: c.duration(resp, req, audio)}, nil
}

// duration extracts playback length: the WAV container when the codec allows
// it, the X-Duration-Ms header otherwise, 0 when neither is available.
func (c *Client) duration(resp *http.Response, req synth.Request, audio []byte) int64 {
	if req.Codec == "wav" {
		if ms, err := synth.WAVDurationMs(audio); err == nil {
			return ms
		}
	}
	if h := resp.Header.Get(durationMsHeaderKey); h != "" {
		if ms, err := strconv.ParseInt(h, 10, 64); err == nil && ms >= 0 {
			return ms
		}
	}
	if req.Codec == "pcm" {
		return synth.PCMDurationMs(len(audio), req.SampleRate, req.Channels, req.SampleWidth)
	}
	return 0
}
