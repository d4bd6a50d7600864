package openai

import (
	"encoding/json"
	"fmt"

	"github.com/antigravity-proxy/gateway/internal/config"
	"github.com/antigravity-proxy/gateway/pkg/sigcache"
	"github.com/antigravity-proxy/gateway/pkg/upstream"
)

// pendingToolCall is a tool call whose signature has not yet been
// observed; it is flushed into the cache once one arrives or the
// stream terminates.
type pendingToolCall struct {
	id string
}

// StreamState is the per-connection state machine for upstream SSE ->
// OpenAI SSE re-framing (spec §4.4.4). It must not be shared across
// requests.
type StreamState struct {
	id    string
	model string
	mode  config.ThinkingOutputMode

	signatures *sigcache.Cache
	userID     string

	thinkingTagOpen bool
	pendingSig      string
	accumThought    string
	pendingCalls    []pendingToolCall
	toolCallIndex   int
	roleSent        bool
}

// NewStreamState constructs a fresh stream state for one connection.
func NewStreamState(id, model string, mode config.ThinkingOutputMode, signatures *sigcache.Cache, userID string) *StreamState {
	return &StreamState{id: id, model: model, mode: mode, signatures: signatures, userID: userID}
}

// ProcessChunk converts one upstream response chunk into zero or more
// outbound OpenAI SSE chunks, per spec §4.4.4 steps 1-6.
func (s *StreamState) ProcessChunk(resp upstream.Response) []StreamChunk {
	var out []StreamChunk
	if len(resp.Candidates) == 0 {
		return out
	}
	cand := resp.Candidates[0]

	// Step 1: scan the chunk for a thought signature at any level.
	for _, part := range cand.Content.Parts {
		if part.ThoughtSignature != "" {
			s.pendingSig = part.ThoughtSignature
			s.flushPendingSignatures()
		}
	}

	for _, part := range cand.Content.Parts {
		switch {
		case part.IsThought():
			s.accumThought += part.Text
			delta := Delta{}
			if !s.roleSent {
				delta.Role = "assistant"
				s.roleSent = true
			}
			wrote := false
			if s.mode == config.ThinkingOutputReasoningContent || s.mode == config.ThinkingOutputBoth {
				delta.ReasoningContent = part.Text
				wrote = true
			}
			if s.mode == config.ThinkingOutputTags || s.mode == config.ThinkingOutputBoth {
				if !s.thinkingTagOpen {
					delta.Content = "<think>" + part.Text
					s.thinkingTagOpen = true
				} else {
					delta.Content = part.Text
				}
				wrote = true
			}
			if wrote {
				out = append(out, s.chunk(delta, nil))
			}
		case part.IsFunctionCall():
			out = append(out, s.closeThinkIfOpen()...)
			out = append(out, s.emitToolCall(part.FunctionCall))
		case part.IsInlineData():
			out = append(out, s.closeThinkIfOpen()...)
			out = append(out, s.chunk(Delta{Content: fmt.Sprintf("![image](data:%s;base64,%s)", part.InlineData.MimeType, part.InlineData.Data)}, nil))
		case part.Text != "":
			out = append(out, s.closeThinkIfOpen()...)
			delta := Delta{Content: part.Text}
			if !s.roleSent {
				delta.Role = "assistant"
				s.roleSent = true
			}
			out = append(out, s.chunk(delta, nil))
		}
	}

	if cand.FinishReason == upstream.FinishStop || cand.FinishReason == upstream.FinishMaxTokens {
		out = append(out, s.finalize(cand.FinishReason)...)
	}
	return out
}

func (s *StreamState) emitToolCall(fc *upstream.FunctionCall) StreamChunk {
	index := s.toolCallIndex
	s.toolCallIndex++
	args := StripRequiredPlaceholder(fc.Args)
	argsJSON, _ := json.Marshal(args)
	dtc := DeltaToolCall{
		Index: index,
		ID:    callID(fc.ID, index),
		Type:  "function",
		Function: &ToolCallFunc{Name: fc.Name, Arguments: string(argsJSON)},
	}
	if s.pendingSig != "" {
		// signature already known: cache it against this call id now.
		if s.signatures != nil {
			s.signatures.CacheClaudeThinkingSignature(fc.ID, s.pendingSig)
		}
	} else {
		s.pendingCalls = append(s.pendingCalls, pendingToolCall{id: fc.ID})
	}
	return s.chunk(Delta{ToolCalls: []DeltaToolCall{dtc}}, nil)
}

// flushPendingSignatures caches the current pendingSig against every
// tool-call id seen before a signature arrived (spec §4.4.4 step: "a
// signature arrives later (any chunk level), flush all pending ids").
func (s *StreamState) flushPendingSignatures() {
	if s.pendingSig == "" || len(s.pendingCalls) == 0 || s.signatures == nil {
		return
	}
	for _, p := range s.pendingCalls {
		s.signatures.CacheClaudeThinkingSignature(p.id, s.pendingSig)
	}
	s.pendingCalls = nil
}

func (s *StreamState) closeThinkIfOpen() []StreamChunk {
	if !s.thinkingTagOpen {
		return nil
	}
	s.thinkingTagOpen = false
	return []StreamChunk{s.chunk(Delta{Content: "</think>"}, nil)}
}

// finalize flushes any pending tool-call signatures, closes an open
// <think>, caches the final thought signature, and emits the terminal
// finish_reason chunk (spec §4.4.4 step 7).
func (s *StreamState) finalize(finishReason string) []StreamChunk {
	var out []StreamChunk
	out = append(out, s.closeThinkIfOpen()...)
	s.flushPendingSignatures()
	if s.pendingSig != "" && s.userID != "" && s.signatures != nil {
		s.signatures.CacheClaudeLastThinkingSignature(s.userID, s.pendingSig)
	}

	finish := "stop"
	if finishReason == upstream.FinishMaxTokens {
		finish = "length"
	}
	if s.toolCallIndex > 0 {
		finish = "tool_calls"
	}
	out = append(out, s.chunk(Delta{}, &finish))
	return out
}

func (s *StreamState) chunk(delta Delta, finishReason *string) StreamChunk {
	return StreamChunk{
		ID:     s.id,
		Object: "chat.completion.chunk",
		Model:  s.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
}
