package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/lecternhq/lectern/internal/cache"
)

// handleAudio serves a cached variant's bytes. Clients land here from the
// audio_url in a cached status frame, or by recomputing the fingerprint
// themselves.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fingerprint")

	variant, found, err := s.registry.Lookup(r.Context(), fp)
	if err != nil {
		s.logger.Error("audio variant lookup", "fingerprint", fp, "err", err)
		http.Error(w, "variant lookup failed", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "unknown audio variant", http.StatusNotFound)
		return
	}
	if variant.CacheRef == "" {
		http.Error(w, "audio not cached", http.StatusNotFound)
		return
	}

	data, err := s.cache.Get(r.Context(), variant.CacheRef)
	if errors.Is(err, cache.ErrNotFound) {
		// The registry promised bytes the cache evicted. Repair the row so
		// the next dispatch re-synthesizes.
		if clearErr := s.registry.ClearCacheRef(r.Context(), fp); clearErr != nil {
			s.logger.Error("clear stale cache ref", "fingerprint", fp, "err", clearErr)
		} else {
			s.logger.Warn("cleared stale cache ref", "fingerprint", fp)
		}
		http.Error(w, "audio not cached", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("audio cache read", "fingerprint", fp, "err", err)
		http.Error(w, "cache read failed", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	if model, ok := s.catalog().Model(variant.ModelSlug); ok {
		h.Set("Content-Type", "audio/"+string(model.Codec))
		h.Set("X-Audio-Codec", string(model.Codec))
		h.Set("X-Sample-Rate", strconv.Itoa(model.SampleRate))
		h.Set("X-Channels", strconv.Itoa(model.Channels))
		h.Set("X-Sample-Width", strconv.Itoa(model.SampleWidth))
	} else {
		// The model left the catalog after synthesis; the bytes outlive it.
		h.Set("Content-Type", "application/octet-stream")
	}
	h.Set("X-Duration-Ms", strconv.FormatInt(variant.DurationMs, 10))
	h.Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}
