package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/coder/websocket"

	"github.com/lecternhq/lectern/internal/dispatch"
	"github.com/lecternhq/lectern/internal/usage"
	"github.com/lecternhq/lectern/pkg/wire"
)

// rateLimitMessage is the error frame body for rejected messages. Clients
// match on it, so the text is part of the wire contract.
const rateLimitMessage = "Rate limit exceeded. Please slow down."

// session is one reader's WebSocket connection. The read loop is the only
// goroutine parsing frames, so handlers run serialized; event forwarders run
// concurrently and share the write mutex with them.
type session struct {
	srv    *Server
	conn   *websocket.Conn
	userID string

	// writeMu serializes frames onto the socket. coder/websocket allows
	// one concurrent writer.
	writeMu sync.Mutex

	// mu guards streams and models.
	mu      sync.Mutex
	streams map[string]EventStream // document → event stream
	models  map[string]string      // document → model of the last dispatch

	forwarders sync.WaitGroup
}

func newSession(srv *Server, conn *websocket.Conn, userID string) *session {
	return &session{
		srv:     srv,
		conn:    conn,
		userID:  userID,
		streams: map[string]EventStream{},
		models:  map[string]string{},
	}
}

// run reads frames until the socket or ctx dies, then tears down the
// document forwarders. Queued jobs survive the session; they complete into
// the cache or are evicted by a later cursor move.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStreams()

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus != websocket.StatusNormalClosure &&
				closeStatus != websocket.StatusGoingAway &&
				!errors.Is(err, context.Canceled) {
				s.srv.logger.Debug("session read ended", "user", s.userID, "err", err)
			}
			return
		}
		s.handle(ctx, data)
	}
}

func (s *session) handle(ctx context.Context, data []byte) {
	var msg wire.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.send(ctx, wire.NewError("malformed message"))
		return
	}
	switch msg.Type {
	case wire.TypeSynthesize:
		s.handleSynthesize(ctx, msg)
	case wire.TypeCursorMoved:
		s.handleCursorMoved(ctx, msg)
	default:
		s.send(ctx, wire.NewError("unknown message type: "+msg.Type))
	}
}

func (s *session) handleSynthesize(ctx context.Context, msg wire.ClientMessage) {
	allowed, err := s.srv.limiter.Allow(ctx, s.userID)
	if err != nil {
		// Fail open: with Redis down the dispatch below fails loudly anyway.
		s.srv.logger.Warn("rate limit check failed", "user", s.userID, "err", err)
	} else if !allowed {
		s.srv.metrics.RateLimitRejections.Add(ctx, 1)
		s.srv.logger.Info("rate limited", "user", s.userID)
		s.send(ctx, wire.NewError(rateLimitMessage))
		return
	}

	if msg.DocumentID == "" || len(msg.BlockIndices) == 0 {
		s.send(ctx, wire.NewError("synthesize needs document_id and block_indices"))
		return
	}

	// Subscribe before dispatching so the queued/cached statuses the
	// dispatcher publishes cannot race past us.
	firstForDoc, err := s.ensureForwarder(ctx, msg.DocumentID)
	if err != nil {
		s.srv.logger.Error("subscribe document events", "user", s.userID, "doc", msg.DocumentID, "err", err)
		s.send(ctx, wire.NewError("subscription failed, retry"))
		return
	}

	texts, err := s.srv.blocks.BlockTexts(ctx, msg.DocumentID, msg.BlockIndices)
	if err != nil {
		s.srv.logger.Error("resolve block text", "user", s.userID, "doc", msg.DocumentID, "err", err)
		s.send(ctx, wire.NewError("document lookup failed"))
		return
	}

	mode := msg.SynthesisMode
	if mode == "" {
		mode = wire.ModeServer
	}

	var fingerprints []string
	dispatched := false
	for _, idx := range msg.BlockIndices {
		text, ok := texts[idx]
		if !ok {
			st := wire.NewStatus(msg.DocumentID, idx, wire.StatusError)
			st.Error = "unknown block"
			s.send(ctx, st)
			continue
		}

		res := s.srv.dispatcher.Request(ctx, dispatch.Request{
			UserID:     s.userID,
			DocumentID: msg.DocumentID,
			BlockIndex: idx,
			Text:       text,
			ModelSlug:  msg.Model,
			VoiceSlug:  msg.Voice,
			Mode:       mode,
			Track:      true,
		})
		if res.Outcome == dispatch.OutcomeError {
			st := wire.NewStatus(msg.DocumentID, idx, wire.StatusError)
			st.Error = userFacing(res.Err)
			s.send(ctx, st)
			continue
		}
		// Queued, duplicate, and cached statuses reach the client through
		// the document forwarder.
		dispatched = true
		fingerprints = append(fingerprints, res.Fingerprint)
	}

	if dispatched {
		s.mu.Lock()
		s.models[msg.DocumentID] = msg.Model
		s.mu.Unlock()
	}
	if firstForDoc {
		s.pinWarm(ctx, fingerprints)
	}
}

// pinWarm pins already-cached variants of a freshly opened document so the
// reader's working set survives LRU pressure from other writers.
func (s *session) pinWarm(ctx context.Context, fingerprints []string) {
	if len(fingerprints) == 0 {
		return
	}
	present, err := s.srv.cache.ExistsBatch(ctx, fingerprints)
	if err != nil {
		s.srv.logger.Warn("warm-up probe failed", "user", s.userID, "err", err)
		return
	}
	if len(present) == 0 {
		return
	}
	if err := s.srv.cache.Pin(ctx, present...); err != nil {
		s.srv.logger.Warn("warm-up pin failed", "user", s.userID, "err", err)
		return
	}
	s.srv.logger.Debug("pinned warm blocks", "user", s.userID, "count", len(present))
}

func (s *session) handleCursorMoved(ctx context.Context, msg wire.ClientMessage) {
	if msg.DocumentID == "" {
		s.send(ctx, wire.NewError("cursor_moved needs document_id"))
		return
	}

	s.mu.Lock()
	model := s.models[msg.DocumentID]
	s.mu.Unlock()
	if model == "" {
		// Nothing dispatched for this document in this session, so nothing
		// of ours is queued.
		return
	}

	evicted, err := s.srv.evictor.CursorMoved(ctx, s.userID, msg.DocumentID, model, msg.Cursor)
	if err != nil {
		s.srv.logger.Error("cursor eviction failed", "user", s.userID, "doc", msg.DocumentID, "err", err)
		s.send(ctx, wire.NewError("eviction failed"))
		return
	}
	if len(evicted) > 0 {
		s.send(ctx, wire.NewEvicted(msg.DocumentID, evicted))
	}
}

// ensureForwarder lazily opens the (user, document) event stream and starts
// the goroutine that forwards its payloads to the socket. Reports whether
// this call opened the stream.
func (s *session) ensureForwarder(ctx context.Context, documentID string) (bool, error) {
	s.mu.Lock()
	_, exists := s.streams[documentID]
	s.mu.Unlock()
	if exists {
		return false, nil
	}

	stream, err := s.srv.events.Subscribe(ctx, s.userID, documentID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.streams[documentID] = stream
	s.mu.Unlock()

	s.forwarders.Add(1)
	go func() {
		defer s.forwarders.Done()
		for payload := range stream.Events() {
			s.write(ctx, payload)
		}
	}()
	return true, nil
}

// closeStreams ends every document stream and waits for the forwarders to
// drain.
func (s *session) closeStreams() {
	s.mu.Lock()
	streams := s.streams
	s.streams = map[string]EventStream{}
	s.mu.Unlock()

	for doc, stream := range streams {
		if err := stream.Close(); err != nil {
			s.srv.logger.Debug("close event stream", "user", s.userID, "doc", doc, "err", err)
		}
	}
	s.forwarders.Wait()
}

func (s *session) send(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.srv.logger.Error("marshal frame", "user", s.userID, "err", err)
		return
	}
	s.write(ctx, data)
}

func (s *session) write(ctx context.Context, data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.srv.logger.Debug("session write failed", "user", s.userID, "err", err)
	}
}

// userFacing maps a dispatch error to the string clients see.
func userFacing(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, usage.ErrUsageLimitExceeded) {
		return "Usage limit exceeded"
	}
	return err.Error()
}
