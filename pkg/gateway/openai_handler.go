package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	openaiconv "github.com/antigravity-proxy/gateway/pkg/convert/openai"
	"github.com/antigravity-proxy/gateway/pkg/toollimit"
	"github.com/antigravity-proxy/gateway/pkg/upstream"
)

// handleChatCompletions serves POST /v1/chat/completions (spec §6.1).
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openaiconv.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	userID := r.Header.Get("X-User-Id")
	result, err := openaiconv.ToUpstream(req, openaiconv.InboundOptions{
		UserID:                   userID,
		Signatures:               g.Signatures,
		Catalog:                  g.Catalog,
		MaxOutputTokensWithTools: g.Config.MaxOutputTokensWithTools,
		Logger:                   g.Logger,
		ToolLimit: toollimit.Config{
			PerToolCap: g.Config.ToolResultMaxChars,
			TailChars:  g.Config.ToolResultTailChars,
			ProxyLabel: "antigravity",
		},
		ToolTotalMaxChars: g.Config.ToolResultTotalMaxChars,
	})
	if err != nil {
		writeOpenAIError(w, err)
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	model := result.ModelInfo.UpstreamModel

	if !req.Stream {
		resp, err := g.Dispatcher.NonStream(r.Context(), model, result.Request)
		if err != nil {
			writeOpenAIError(w, err)
			return
		}
		out, err := openaiconv.FromUpstreamNonStream(resp, req.Model, g.Config.OpenAIThinkingOutput, id)
		if err != nil {
			writeOpenAIError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	g.streamChatCompletions(w, r, req, result, id, model)
}

func (g *Gateway) streamChatCompletions(w http.ResponseWriter, r *http.Request, req openaiconv.ChatCompletionRequest, result openaiconv.Result, id, model string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)

	state := openaiconv.NewStreamState(id, req.Model, g.Config.OpenAIThinkingOutput, g.Signatures, r.Header.Get("X-User-Id"))
	wroteAny := false

	err := g.Dispatcher.Stream(r.Context(), model, result.Request, func(resp upstream.Response) error {
		for _, chunk := range state.ProcessChunk(resp) {
			if werr := writeSSEData(w, chunk); werr != nil {
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
		writeOpenAIError(w, err)
		return
	}

	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	if canFlush {
		flusher.Flush()
	}
}

func writeSSEData(w http.ResponseWriter, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
