package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/resilience"
	"github.com/lecternhq/lectern/pkg/synth"
	"github.com/lecternhq/lectern/pkg/synth/mock"
	"github.com/lecternhq/lectern/pkg/wire"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type pulledJob struct {
	job      *wire.Job
	indexKey string
}

type fakeQueue struct {
	mu        sync.Mutex
	jobs      []pulledJob
	posted    []*wire.Result
	tracked   []string
	untracked []string
	postErr   error
}

func (q *fakeQueue) Pull(ctx context.Context, model string, timeout time.Duration) (*wire.Job, string, error) {
	q.mu.Lock()
	if len(q.jobs) > 0 {
		next := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		return next.job, next.indexKey, nil
	}
	q.mu.Unlock()
	<-ctx.Done()
	return nil, "", ctx.Err()
}

func (q *fakeQueue) TrackProcessing(ctx context.Context, workerID string, job *wire.Job, indexKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tracked = append(q.tracked, job.ID)
	return nil
}

func (q *fakeQueue) Untrack(ctx context.Context, workerID, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.untracked = append(q.untracked, jobID)
	return nil
}

func (q *fakeQueue) PostResult(ctx context.Context, res *wire.Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.postErr != nil {
		return q.postErr
	}
	q.posted = append(q.posted, res)
	return nil
}

func (q *fakeQueue) postedResults() []*wire.Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*wire.Result(nil), q.posted...)
}

func (q *fakeQueue) trackedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.tracked...)
}

func (q *fakeQueue) untrackedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.untracked...)
}

type fakePending struct {
	mu     sync.Mutex
	wanted bool
	err    error
	checks int
}

func (p *fakePending) Contains(ctx context.Context, userID, documentID string, block int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks++
	return p.wanted, p.err
}

func (p *fakePending) checkCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checks
}

// ─── Fixture ─────────────────────────────────────────────────────────────────

func testModel() config.ModelConfig {
	return config.ModelConfig{
		Slug:        "kokoro",
		Codec:       config.CodecWAV,
		SampleRate:  24000,
		Channels:    1,
		SampleWidth: 2,
		Voices:      []string{"nova"},
	}
}

func singleBackend(s synth.Synthesizer) *resilience.FallbackGroup[synth.Synthesizer] {
	return resilience.NewFallbackGroup[synth.Synthesizer](s, "test", resilience.FallbackConfig{})
}

func newTestRunner(q *fakeQueue, p *fakePending, group *resilience.FallbackGroup[synth.Synthesizer], track bool) *Runner {
	return NewRunner(Config{
		Queue:           q,
		Pending:         p,
		Backends:        group,
		WorkerID:        "w-test",
		Model:           testModel(),
		Concurrency:     1,
		TrackProcessing: track,
		PullTimeout:     50 * time.Millisecond,
	})
}

// testJob's text is 11 runes; QueuedAt sits two seconds in the past.
func testJob() *wire.Job {
	return &wire.Job{
		ID:              "job-1",
		Fingerprint:     "fp-1",
		UserID:          "alice",
		DocumentID:      "doc-1",
		BlockIndex:      3,
		ModelSlug:       "kokoro",
		VoiceSlug:       "nova",
		Text:            "héllo wörld",
		Codec:           "wav",
		UsageMultiplier: 1.5,
		QueuedAt:        float64(time.Now().UnixNano())/1e9 - 2,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestProcessPostsSuccessResult(t *testing.T) {
	q := &fakeQueue{}
	p := &fakePending{wanted: true}
	s := &mock.Synthesizer{Audio: synth.Audio{Data: []byte("pcm-bytes"), DurationMs: 1234}}
	r := newTestRunner(q, p, singleBackend(s), true)

	job := testJob()
	r.process(context.Background(), job, "idx-key")

	posted := q.postedResults()
	if len(posted) != 1 {
		t.Fatalf("posted %d results, want 1", len(posted))
	}
	res := posted[0]
	if res.JobID != "job-1" || res.Fingerprint != "fp-1" || res.UserID != "alice" {
		t.Errorf("result identity = %q/%q/%q", res.JobID, res.Fingerprint, res.UserID)
	}
	if res.DocumentID != "doc-1" || res.BlockIndex != 3 {
		t.Errorf("result position = %q/%d", res.DocumentID, res.BlockIndex)
	}
	if res.ModelSlug != "kokoro" || res.VoiceSlug != "nova" {
		t.Errorf("result variant = %q/%q", res.ModelSlug, res.VoiceSlug)
	}
	if res.TextLength != 11 {
		t.Errorf("TextLength = %d, want 11 runes", res.TextLength)
	}
	if res.UsageMultiplier != 1.5 {
		t.Errorf("UsageMultiplier = %v, want 1.5", res.UsageMultiplier)
	}
	if res.WorkerID != "w-test" {
		t.Errorf("WorkerID = %q", res.WorkerID)
	}
	if res.Error != "" {
		t.Errorf("Error = %q, want empty", res.Error)
	}
	data, err := base64.StdEncoding.DecodeString(res.AudioBase64)
	if err != nil {
		t.Fatalf("AudioBase64 does not decode: %v", err)
	}
	if string(data) != "pcm-bytes" {
		t.Errorf("decoded audio = %q", data)
	}
	if res.DurationMs != 1234 {
		t.Errorf("DurationMs = %d, want 1234", res.DurationMs)
	}
	if res.QueueWaitMs < 1900 || res.QueueWaitMs > 10_000 {
		t.Errorf("QueueWaitMs = %d, want roughly 2000", res.QueueWaitMs)
	}

	if got := q.trackedIDs(); len(got) != 1 || got[0] != "job-1" {
		t.Errorf("tracked = %v, want [job-1]", got)
	}
	if got := q.untrackedIDs(); len(got) != 1 || got[0] != "job-1" {
		t.Errorf("untracked = %v, want [job-1]", got)
	}

	if s.CallCount() != 1 {
		t.Fatalf("synthesizer called %d times, want 1", s.CallCount())
	}
	req := s.SynthesizeCalls[0].Req
	if req.Text != job.Text || req.VoiceSlug != "nova" || req.Codec != "wav" {
		t.Errorf("synth request = %+v", req)
	}
	if req.SampleRate != 24000 || req.Channels != 1 || req.SampleWidth != 2 {
		t.Errorf("synth audio params = %d/%d/%d", req.SampleRate, req.Channels, req.SampleWidth)
	}
}

func TestProcessSkipsUnwantedBlock(t *testing.T) {
	q := &fakeQueue{}
	p := &fakePending{wanted: false}
	s := &mock.Synthesizer{}
	r := newTestRunner(q, p, singleBackend(s), true)

	r.process(context.Background(), testJob(), "idx-key")

	posted := q.postedResults()
	if len(posted) != 1 {
		t.Fatalf("posted %d results, want 1", len(posted))
	}
	if !posted[0].Skipped() {
		t.Errorf("result = %+v, want skipped", posted[0])
	}
	if s.CallCount() != 0 {
		t.Errorf("synthesizer called %d times, want 0", s.CallCount())
	}
	if got := q.trackedIDs(); len(got) != 0 {
		t.Errorf("tracked = %v, want none before the skip decision", got)
	}
	if got := q.untrackedIDs(); len(got) != 0 {
		t.Errorf("untracked = %v, want none", got)
	}
}

func TestProcessUntrackedJobIgnoresPending(t *testing.T) {
	q := &fakeQueue{}
	p := &fakePending{wanted: false}
	s := &mock.Synthesizer{Audio: synth.Audio{Data: []byte("x")}}
	r := newTestRunner(q, p, singleBackend(s), false)

	r.process(context.Background(), testJob(), "")

	if p.checkCount() != 0 {
		t.Errorf("pending checked %d times for an untracked job, want 0", p.checkCount())
	}
	if s.CallCount() != 1 {
		t.Errorf("synthesizer called %d times, want 1", s.CallCount())
	}
	if got := q.trackedIDs(); len(got) != 0 {
		t.Errorf("tracked = %v, want none with tracking disabled", got)
	}
}

func TestProcessReportsSynthesisFailure(t *testing.T) {
	q := &fakeQueue{}
	p := &fakePending{wanted: true}
	s := &mock.Synthesizer{Err: errors.New("gpu on fire")}
	r := newTestRunner(q, p, singleBackend(s), true)

	r.process(context.Background(), testJob(), "idx-key")

	posted := q.postedResults()
	if len(posted) != 1 {
		t.Fatalf("posted %d results, want 1", len(posted))
	}
	res := posted[0]
	if res.AudioBase64 != "" {
		t.Errorf("AudioBase64 = %q, want empty on failure", res.AudioBase64)
	}
	if !strings.Contains(res.Error, "gpu on fire") {
		t.Errorf("Error = %q, want the backend failure text", res.Error)
	}
	// A terminal failure still clears the processing record.
	if got := q.untrackedIDs(); len(got) != 1 || got[0] != "job-1" {
		t.Errorf("untracked = %v, want [job-1]", got)
	}
}

func TestProcessFallsBackToSecondary(t *testing.T) {
	q := &fakeQueue{}
	p := &fakePending{wanted: true}
	primary := &mock.Synthesizer{Err: errors.New("primary down")}
	backup := &mock.Synthesizer{Audio: synth.Audio{Data: []byte("from-backup"), DurationMs: 500}}

	group := singleBackend(primary)
	group.AddFallback("backup", backup)
	r := newTestRunner(q, p, group, false)

	r.process(context.Background(), testJob(), "")

	posted := q.postedResults()
	if len(posted) != 1 {
		t.Fatalf("posted %d results, want 1", len(posted))
	}
	if posted[0].Error != "" {
		t.Fatalf("Error = %q, want success via fallback", posted[0].Error)
	}
	data, _ := base64.StdEncoding.DecodeString(posted[0].AudioBase64)
	if string(data) != "from-backup" {
		t.Errorf("audio = %q, want from-backup", data)
	}
	if primary.CallCount() != 1 || backup.CallCount() != 1 {
		t.Errorf("calls = primary %d, backup %d, want 1 each", primary.CallCount(), backup.CallCount())
	}
}

func TestProcessPostFailureKeepsProcessingRecord(t *testing.T) {
	q := &fakeQueue{postErr: errors.New("redis down")}
	p := &fakePending{wanted: true}
	s := &mock.Synthesizer{Audio: synth.Audio{Data: []byte("x")}}
	r := newTestRunner(q, p, singleBackend(s), true)

	r.process(context.Background(), testJob(), "idx-key")

	if got := q.untrackedIDs(); len(got) != 0 {
		t.Errorf("untracked = %v, want none when the post failed", got)
	}
}

func TestProcessShutdownAbandonsJobToScanner(t *testing.T) {
	q := &fakeQueue{}
	p := &fakePending{wanted: true}
	s := &mock.Synthesizer{Err: errors.New("interrupted")}
	r := newTestRunner(q, p, singleBackend(s), true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.process(ctx, testJob(), "idx-key")

	if posted := q.postedResults(); len(posted) != 0 {
		t.Errorf("posted %d results during shutdown, want 0", len(posted))
	}
	if got := q.trackedIDs(); len(got) != 1 {
		t.Errorf("tracked = %v, want the record left for the scanner", got)
	}
	if got := q.untrackedIDs(); len(got) != 0 {
		t.Errorf("untracked = %v, want none", got)
	}
}

func TestNewResultClampsFutureQueuedAt(t *testing.T) {
	r := newTestRunner(&fakeQueue{}, &fakePending{}, singleBackend(&mock.Synthesizer{}), false)
	job := testJob()
	job.QueuedAt = float64(time.Now().UnixNano())/1e9 + 60

	if got := r.newResult(job).QueueWaitMs; got != 0 {
		t.Errorf("QueueWaitMs = %d for a future QueuedAt, want 0", got)
	}
}

func TestRunProcessesJobsUntilCancelled(t *testing.T) {
	q := &fakeQueue{}
	for i := 0; i < 3; i++ {
		job := testJob()
		job.ID = "job-" + string(rune('a'+i))
		q.jobs = append(q.jobs, pulledJob{job: job})
	}
	s := &mock.Synthesizer{Audio: synth.Audio{Data: []byte("x")}}
	r := NewRunner(Config{
		Queue:       q,
		Pending:     &fakePending{wanted: true},
		Backends:    singleBackend(s),
		WorkerID:    "w-test",
		Model:       testModel(),
		Concurrency: 2,
		PullTimeout: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, "all jobs processed", func() bool { return len(q.postedResults()) == 3 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
