package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	anthropicconv "github.com/antigravity-proxy/gateway/pkg/convert/anthropic"
	"github.com/antigravity-proxy/gateway/pkg/toollimit"
	"github.com/antigravity-proxy/gateway/pkg/upstream"
)

// handleMessages serves POST /v1/messages (spec §6.1).
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req anthropicconv.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAnthropicError(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	userID := r.Header.Get("X-User-Id")
	result, err := anthropicconv.ToUpstream(req, anthropicconv.InboundOptions{
		UserID:     userID,
		Signatures: g.Signatures,
		Catalog:    g.Catalog,
		Logger:     g.Logger,
		ToolLimit: toollimit.Config{
			PerToolCap: g.Config.ToolResultMaxChars,
			TailChars:  g.Config.ToolResultTailChars,
			ProxyLabel: "antigravity",
		},
		ToolTotalMaxChars: g.Config.ToolResultTotalMaxChars,
	})
	if err != nil {
		writeAnthropicError(w, err)
		return
	}

	id := "msg_" + uuid.NewString()
	model := result.ModelInfo.UpstreamModel

	if !req.Stream {
		resp, err := g.Dispatcher.NonStream(r.Context(), model, result.Request)
		if err != nil {
			writeAnthropicError(w, err)
			return
		}
		out, err := anthropicconv.FromUpstreamNonStream(resp, result.ThinkingOn, req.Model, id, anthropicconv.OutboundOptions{
			UserID:     userID,
			Signatures: g.Signatures,
		})
		if err != nil {
			writeAnthropicError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	g.streamMessages(w, r, req, result, id, model, userID)
}

func (g *Gateway) streamMessages(w http.ResponseWriter, r *http.Request, req anthropicconv.MessagesRequest, result anthropicconv.Result, id, model, userID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)

	lastThinkingSig, _ := g.Signatures.GetCachedClaudeLastThinkingSignature(userID)
	state := anthropicconv.NewStreamState(result.ThinkingOn, lastThinkingSig, g.Signatures, userID)
	wroteAny := false

	err := g.Dispatcher.Stream(r.Context(), model, result.Request, func(resp upstream.Response) error {
		for _, event := range state.ProcessChunk(resp) {
			if werr := writeSSEEvent(w, event); werr != nil {
				return werr
			}
			wroteAny = true
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	})

	if aborted := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded); aborted {
		return
	}
	if err != nil && !wroteAny {
		writeAnthropicError(w, err)
		return
	}
}

func writeSSEEvent(w http.ResponseWriter, event anthropicconv.SSEEvent) error {
	b, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, b)
	return err
}
