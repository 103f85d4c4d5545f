// Package wire defines the message formats that cross process boundaries:
// synthesis jobs on the Redis queue, worker results on the results list, and
// the WebSocket frames exchanged with reader clients.
//
// These formats are a contract. Workers written in other languages consume
// and produce the same JSON, so field names and semantics here must not
// change without coordinating every consumer of the queue.
package wire

// Synthesis modes requested by clients.
const (
	// ModeBrowser marks synthesis the client could run locally; the
	// pre-flight quota check is skipped for these requests.
	ModeBrowser = "browser"

	// ModeServer marks synthesis on metered server capacity; the dispatcher
	// checks the user's usage waterfall before enqueueing.
	ModeServer = "server"
)

// Terminal and transitional statuses published for a block.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCached     = "cached"
	StatusSkipped    = "skipped"
	StatusError      = "error"
)

// Client → server frame types.
const (
	TypeSynthesize  = "synthesize"
	TypeCursorMoved = "cursor_moved"
)

// Server → client frame types.
const (
	TypeStatus  = "status"
	TypeEvicted = "evicted"
	TypeError   = "error"
)

// Job is one synthesis work item. The dispatcher mints it, the queue stores
// it inside an envelope (see Envelope), and a worker consumes it.
type Job struct {
	// ID is a fresh UUID per enqueue. It stays stable across visibility
	// reclaims so the job-index mapping survives requeues.
	ID string `json:"job_id"`

	// Fingerprint is the content address of the requested audio variant.
	Fingerprint string `json:"fingerprint"`

	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	BlockIndex int    `json:"block_idx"`

	ModelSlug string `json:"model_slug"`
	VoiceSlug string `json:"voice_slug"`

	// Parameters holds model-specific knobs (speed, temperature, ...).
	// Nil means model defaults.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Text is the exact block text to synthesize.
	Text string `json:"text"`

	// Codec names the container/encoding the worker must produce
	// (wav, mp3, opus, ...). Determined by the model, not the client.
	Codec string `json:"codec"`

	// UsageMultiplier is the model's per-character billing weight. The
	// worker echoes it back so the result consumer can charge without a
	// catalog lookup.
	UsageMultiplier float64 `json:"usage_multiplier"`

	// RetryCount is how many times this job has been reclaimed from a
	// stalled worker. Zero on first enqueue.
	RetryCount int `json:"retry_count"`

	// QueuedAt is the enqueue time in Unix seconds (fractional). Workers
	// report queue wait as pull time minus this.
	QueuedAt float64 `json:"queued_at"`
}

// Envelope wraps a Job in the queue's jobs hash. IndexKey, when set, names
// the per-block index entry pointing back at this job; pulls and requeues
// carry it along so eviction bookkeeping survives reclaims.
type Envelope struct {
	Job      Job    `json:"job"`
	IndexKey string `json:"index_key,omitempty"`
}

// ProcessingRecord is a per-job entry in a worker's processing set. The
// visibility scanner reads these to find jobs whose worker died mid-synthesis.
type ProcessingRecord struct {
	// ProcessingStarted is when the worker began, in Unix seconds.
	ProcessingStarted float64 `json:"processing_started"`

	// RetryCount mirrors the job's reclaim count at pull time.
	RetryCount int `json:"retry_count"`

	Job      Job    `json:"job"`
	IndexKey string `json:"index_key,omitempty"`

	// QueueKey and DLQKey name the destinations a reclaimed job returns to,
	// so scanners need no model-to-key mapping of their own.
	QueueKey string `json:"queue_name"`
	DLQKey   string `json:"dlq_key"`
}

// Result is what a worker pushes onto the results list when a job finishes,
// fails, or is skipped. Exactly one of the outcomes holds: AudioBase64
// non-empty (success), Error non-empty (failure), or both empty (skipped
// because the block was no longer wanted).
type Result struct {
	JobID       string `json:"job_id"`
	Fingerprint string `json:"fingerprint"`

	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	BlockIndex int    `json:"block_idx"`

	ModelSlug string `json:"model_slug"`
	VoiceSlug string `json:"voice_slug"`

	// TextLength is the rune count of the synthesized text; billed amount
	// is TextLength × UsageMultiplier.
	TextLength      int     `json:"text_length"`
	UsageMultiplier float64 `json:"usage_multiplier"`

	WorkerID         string `json:"worker_id"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	QueueWaitMs      int64  `json:"queue_wait_ms"`

	// AudioBase64 is the encoded audio payload on success.
	AudioBase64 string `json:"audio_base64,omitempty"`

	// DurationMs is the audio playback length when the worker knows it.
	DurationMs int64 `json:"duration_ms,omitempty"`

	// Error carries a worker-side failure description.
	Error string `json:"error,omitempty"`

	// StoreRetry counts result-consumer attempts to persist the audio.
	// Workers never set it; the consumer re-posts the result with an
	// incremented count when the cache write fails.
	StoreRetry int `json:"store_retry,omitempty"`
}

// Skipped reports whether the result is the deliberate no-op outcome: the
// worker declined to synthesize because the block left the reader's window.
func (r Result) Skipped() bool {
	return r.Error == "" && r.AudioBase64 == ""
}

// ClientMessage is a frame received from a reader client over the WebSocket.
type ClientMessage struct {
	// Type is either "synthesize" or "cursor_moved".
	Type string `json:"type"`

	DocumentID string `json:"document_id"`

	// BlockIndices lists the blocks to synthesize (synthesize only).
	BlockIndices []int `json:"block_indices,omitempty"`

	// Cursor is the reader's current block position.
	Cursor int `json:"cursor"`

	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`

	// SynthesisMode is "browser" or "server". Empty defaults to server.
	SynthesisMode string `json:"synthesis_mode,omitempty"`
}

// Status is the per-block progress frame sent to clients. Cached, skipped,
// and error are terminal for a given block; queued precedes them while the
// job waits on a worker. A client may retry an errored block with a fresh
// synthesize message.
type Status struct {
	Type       string `json:"type"`
	DocumentID string `json:"document_id"`
	BlockIndex int    `json:"block_idx"`

	// Status is one of queued|processing|cached|skipped|error.
	Status string `json:"status"`

	// AudioURL points at the playable audio when Status is "cached".
	AudioURL string `json:"audio_url,omitempty"`

	ModelSlug string `json:"model_slug,omitempty"`
	VoiceSlug string `json:"voice_slug,omitempty"`

	// Error describes the failure when Status is "error".
	Error string `json:"error,omitempty"`
}

// NewStatus builds a status frame with the type discriminator set.
func NewStatus(documentID string, blockIndex int, status string) Status {
	return Status{
		Type:       TypeStatus,
		DocumentID: documentID,
		BlockIndex: blockIndex,
		Status:     status,
	}
}

// Evicted tells a client which queued blocks were dropped after a cursor
// move so it can clear any local loading state.
type Evicted struct {
	Type         string `json:"type"`
	DocumentID   string `json:"document_id"`
	BlockIndices []int  `json:"block_indices"`
}

// NewEvicted builds an evicted frame with the type discriminator set.
func NewEvicted(documentID string, blockIndices []int) Evicted {
	return Evicted{Type: TypeEvicted, DocumentID: documentID, BlockIndices: blockIndices}
}

// ErrorFrame is a request-scoped error sent to a single client, such as a
// rate-limit rejection or a malformed message.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewError builds an error frame with the type discriminator set.
func NewError(msg string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Error: msg}
}

// AudioPath returns the relative URL where a cached variant's audio is
// served. Status frames carry it in audio_url.
func AudioPath(fingerprint string) string {
	return "/v1/audio/" + fingerprint
}
