// Package synth defines the Synthesizer interface for text-to-speech
// backends.
//
// A synthesizer wraps one speech backend (a self-hosted HTTP model server,
// the OpenAI speech API, or a test double) behind a single batch call: one
// request in, one finished utterance out. Workers pull queued jobs and drive
// whichever backend their model is wired to; nothing above the worker knows
// which vendor produced the bytes.
//
// Implementations must be safe for concurrent use.
package synth

import "context"

// Request describes one utterance to synthesize.
type Request struct {
	// Text is the plain text to speak.
	Text string

	// ModelSlug is the platform's model identifier. Adapters map it (or an
	// adapter-configured override) to the vendor's model name.
	ModelSlug string

	// VoiceSlug selects the voice.
	VoiceSlug string

	// Parameters carries model-specific knobs (speed, style, ...). Adapters
	// pass through what they understand and ignore the rest.
	Parameters map[string]any

	// Codec is the audio format to produce: "wav", "mp3", "opus", ...
	Codec string

	// SampleRate, Channels and SampleWidth describe the PCM layout for
	// codecs that need it stated up front ("wav", "pcm").
	SampleRate  int
	Channels    int
	SampleWidth int
}

// Audio is one finished utterance.
type Audio struct {
	// Data is the encoded audio in the requested codec.
	Data []byte

	// DurationMs is the playback length, or 0 when the adapter cannot
	// determine it.
	DurationMs int64
}

// Synthesizer is the abstraction over any speech backend.
type Synthesizer interface {
	// Synthesize produces audio for one request. Returns an error if the
	// backend cannot be reached, rejects the request, or ctx ends first.
	Synthesize(ctx context.Context, req Request) (Audio, error)
}
