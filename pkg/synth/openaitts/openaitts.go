// Package openaitts provides a synth.Synthesizer backed by the OpenAI
// speech API.
package openaitts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/lecternhq/lectern/pkg/synth"
)

// DefaultModel is the default OpenAI speech model.
const DefaultModel = oai.SpeechModelGPT4oMiniTTS

// Ensure Client implements the synth.Synthesizer interface.
var _ synth.Synthesizer = (*Client)(nil)

// Client implements synth.Synthesizer using the OpenAI API.
type Client struct {
	client oai.Client
	model  oai.SpeechModel
}

// config holds optional configuration for the client.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Client.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// OpenAI-compatible speech servers.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI speech Client.
// If model is empty, DefaultModel (gpt-4o-mini-tts) is used.
func New(apiKey string, model string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openaitts: apiKey must not be empty")
	}
	m := oai.SpeechModel(model)
	if m == "" {
		m = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Client{client: client, model: m}, nil
}

// Synthesize implements synth.Synthesizer.
func (c *Client) Synthesize(ctx context.Context, req synth.Request) (synth.Audio, error) {
	params := oai.AudioSpeechNewParams{
		Input: req.Text,
		Model: c.model,
		Voice: oai.AudioSpeechNewParamsVoice(req.VoiceSlug),
	}
	if req.Codec != "" {
		params.ResponseFormat = oai.AudioSpeechNewParamsResponseFormat(req.Codec)
	}
	if speed, ok := req.Parameters["speed"].(float64); ok && speed > 0 {
		params.Speed = param.NewOpt(speed)
	}
	if instructions, ok := req.Parameters["instructions"].(string); ok && instructions != "" {
		params.Instructions = param.NewOpt(instructions)
	}

	resp, err := c.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return synth.Audio{}, fmt.Errorf("openaitts: speech request: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return synth.Audio{}, fmt.Errorf("openaitts: read audio response: %w", err)
	}
	if len(audio) == 0 {
		return synth.Audio{}, fmt.Errorf("openaitts: API returned empty audio")
	}

	return synth.Audio{Data: audio, DurationMs: duration(req, audio)}, nil
}

// duration derives playback length for the codecs that allow it. The OpenAI
// API emits 24 kHz 16-bit mono for "pcm" output.
func duration(req synth.Request, audio []byte) int64 {
	switch req.Codec {
	case "wav":
		if ms, err := synth.WAVDurationMs(audio); err == nil {
			return ms
		}
	case "pcm":
		return synth.PCMDurationMs(len(audio), 24000, 1, 2)
	}
	return 0
}
