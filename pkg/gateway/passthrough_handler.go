package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/antigravity-proxy/gateway/pkg/dispatch"
	"github.com/antigravity-proxy/gateway/pkg/upstream"
)

// handleGenerateContent serves the non-streaming Gemini pass-through
// POST /v1beta/models/{model}:generateContent (SPEC_FULL.md §5.9): no
// protocol conversion, but the same dispatcher/retry/account pool.
func (g *Gateway) handleGenerateContent(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req, err := dispatch.DecodeRawRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	resp, err := g.Dispatcher.NonStream(r.Context(), model, req)
	if err != nil {
		status := statusForError(err)
		writeJSON(w, status, map[string]string{"error": errorMessage(err, status)})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStreamGenerateContent serves the streaming Gemini pass-through
// POST /v1beta/models/{model}:streamGenerateContent. Each decoded
// upstream event is re-encoded as its inner response object (without
// the {"response": ...} wrapper) and written as one JSON object per
// line.
func (g *Gateway) handleStreamGenerateContent(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req, err := dispatch.DecodeRawRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	w.Header().Set("Content-Type", "application/jsonl")
	flusher, canFlush := w.(http.Flusher)
	bw := bufio.NewWriter(w)
	wroteAny := false

	streamErr := g.Dispatcher.Stream(r.Context(), model, req, func(resp upstream.Response) error {
		b, merr := json.Marshal(resp)
		if merr != nil {
			return merr
		}
		if _, werr := bw.Write(b); werr != nil {
			return werr
		}
		if _, werr := bw.WriteString("\n"); werr != nil {
			return werr
		}
		wroteAny = true
		if ferr := bw.Flush(); ferr != nil {
			return ferr
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	})

	if aborted := errors.Is(streamErr, context.Canceled) || errors.Is(streamErr, context.DeadlineExceeded); aborted {
		return
	}
	if streamErr != nil && !wroteAny {
		status := statusForError(streamErr)
		writeJSON(w, status, map[string]string{"error": errorMessage(streamErr, status)})
	}
}
