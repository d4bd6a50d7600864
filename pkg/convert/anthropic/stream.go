package anthropic

import (
	"encoding/json"

	"github.com/antigravity-proxy/gateway/pkg/sigcache"
	"github.com/antigravity-proxy/gateway/pkg/upstream"
)

// StreamState is the per-connection SSE state machine for upstream ->
// Anthropic Messages re-framing (spec §4.5.4). It must not be shared
// across requests. message_start is emitted by the caller before the
// first ProcessChunk call; StreamState only emits content_block_*,
// message_delta, and message_stop events.
type StreamState struct {
	signatures *sigcache.Cache
	userID     string

	hasThinking      bool
	thinkingOpened   bool
	thinkingStopped  bool
	lastThinkingSig  string
	lastUserThinkSig string

	nextIndex int

	textOpened  bool
	textStopped bool
	textIndex   int

	hasToolUse      bool
	pendingToolUses []string

	completed bool
}

// NewStreamState constructs fresh stream state. lastUserThinkingSig is
// the per-user fallback signature known at request time, used when no
// signature has yet been observed on this turn.
func NewStreamState(thinkingOn bool, lastUserThinkingSig string, signatures *sigcache.Cache, userID string) *StreamState {
	nextIndex := 0
	if thinkingOn {
		nextIndex = 1
	}
	return &StreamState{
		hasThinking:      thinkingOn,
		nextIndex:        nextIndex,
		lastUserThinkSig: lastUserThinkingSig,
		signatures:       signatures,
		userID:           userID,
	}
}

// ProcessChunk converts one upstream response chunk into zero or more
// outbound Anthropic SSE events.
func (s *StreamState) ProcessChunk(resp upstream.Response) []SSEEvent {
	var out []SSEEvent
	if len(resp.Candidates) == 0 {
		return out
	}
	cand := resp.Candidates[0]

	for _, part := range cand.Content.Parts {
		switch {
		case part.IsThought():
			if part.Text == "" && part.ThoughtSignature == "" {
				continue
			}
			if part.ThoughtSignature != "" {
				s.lastThinkingSig = part.ThoughtSignature
				out = append(out, s.flushPendingToolUses()...)
			}
			if !s.thinkingOpened && s.hasThinking {
				s.thinkingOpened = true
				out = append(out, contentBlockStart(0, ContentBlock{Type: "thinking", Signature: s.lastThinkingSig}))
			}
			if part.Text != "" {
				out = append(out, contentBlockDelta(0, BlockDelta{Type: "thinking_delta", Thinking: part.Text}))
			}
			if part.ThoughtSignature != "" {
				out = append(out, contentBlockDelta(0, BlockDelta{Type: "signature_delta", Signature: part.ThoughtSignature}))
			}
		case part.IsFunctionCall():
			out = append(out, s.closeThinkIfOpen()...)
			out = append(out, s.closeTextIfOpen()...)
			out = append(out, s.ensureSyntheticThinking()...)
			s.hasToolUse = true
			out = append(out, s.emitToolUse(part.FunctionCall, part.ThoughtSignature)...)
		case part.IsInlineData():
			out = append(out, s.closeThinkIfOpen()...)
			out = append(out, s.ensureSyntheticThinking()...)
			out = append(out, s.openImageBlock(part.InlineData)...)
		case part.Text != "":
			out = append(out, s.closeThinkIfOpen()...)
			out = append(out, s.ensureSyntheticThinking()...)
			if !s.textOpened {
				s.textOpened = true
				s.textIndex = s.nextIndex
				s.nextIndex++
				out = append(out, contentBlockStart(s.textIndex, ContentBlock{Type: "text", Text: ""}))
			}
			out = append(out, contentBlockDelta(s.textIndex, BlockDelta{Type: "text_delta", Text: part.Text}))
		}
	}

	switch cand.FinishReason {
	case upstream.FinishStop, upstream.FinishMaxTokens, upstream.FinishStopSequence, upstream.FinishSafety, upstream.FinishOther:
		out = append(out, s.finalize(cand.FinishReason)...)
	}
	return out
}

// ensureSyntheticThinking synthesises a leading thinking block the
// moment the first non-thinking content arrives, if thinking is
// enabled and no thinking block has opened yet (spec §4.5.4).
func (s *StreamState) ensureSyntheticThinking() []SSEEvent {
	if !s.hasThinking || s.thinkingOpened {
		return nil
	}
	s.thinkingOpened = true
	return []SSEEvent{contentBlockStart(0, ContentBlock{Type: "thinking", Signature: s.lastThinkingSig})}
}

func (s *StreamState) closeThinkIfOpen() []SSEEvent {
	if !s.thinkingOpened || s.thinkingStopped {
		return nil
	}
	s.thinkingStopped = true
	return []SSEEvent{contentBlockStop(0)}
}

func (s *StreamState) closeTextIfOpen() []SSEEvent {
	if !s.textOpened || s.textStopped {
		return nil
	}
	s.textStopped = true
	return []SSEEvent{contentBlockStop(s.textIndex)}
}

func (s *StreamState) emitToolUse(fc *upstream.FunctionCall, partSig string) []SSEEvent {
	index := s.nextIndex
	s.nextIndex++

	sig := partSig
	if sig == "" {
		sig = s.lastThinkingSig
	}
	if sig == "" {
		sig = s.lastUserThinkSig
	}

	args := StripRequiredPlaceholder(fc.Args)
	argsJSON, _ := json.Marshal(args)

	out := []SSEEvent{
		contentBlockStart(index, ContentBlock{Type: "tool_use", ID: fc.ID, Name: fc.Name, Input: map[string]any{}}),
		contentBlockDelta(index, BlockDelta{Type: "input_json_delta", PartialJSON: string(argsJSON)}),
		contentBlockStop(index),
	}

	if sig != "" {
		if s.signatures != nil {
			s.signatures.CacheClaudeThinkingSignature(fc.ID, sig)
		}
	} else {
		s.pendingToolUses = append(s.pendingToolUses, fc.ID)
	}
	return out
}

func (s *StreamState) openImageBlock(data *upstream.InlineData) []SSEEvent {
	index := s.nextIndex
	s.nextIndex++
	return []SSEEvent{
		contentBlockStart(index, ContentBlock{Type: "image", Source: &ImageSource{Type: "base64", MediaType: data.MimeType, Data: data.Data}}),
		contentBlockStop(index),
	}
}

// flushPendingToolUses caches the current signature against every
// tool-use id seen before a signature arrived.
func (s *StreamState) flushPendingToolUses() []SSEEvent {
	if s.lastThinkingSig == "" || len(s.pendingToolUses) == 0 || s.signatures == nil {
		return nil
	}
	for _, id := range s.pendingToolUses {
		s.signatures.CacheClaudeThinkingSignature(id, s.lastThinkingSig)
	}
	s.pendingToolUses = nil
	return nil
}

// finalize closes any open blocks, flushes pending signatures, and
// emits the terminal message_delta/message_stop pair (spec §4.5.4).
func (s *StreamState) finalize(finishReason string) []SSEEvent {
	var out []SSEEvent
	out = append(out, s.closeThinkIfOpen()...)
	out = append(out, s.closeTextIfOpen()...)

	sig := s.lastThinkingSig
	if sig == "" {
		sig = s.lastUserThinkSig
	}
	if sig != "" && s.signatures != nil {
		for _, id := range s.pendingToolUses {
			s.signatures.CacheClaudeThinkingSignature(id, sig)
		}
		s.pendingToolUses = nil
		s.signatures.CacheClaudeLastThinkingSignature(s.userID, sig)
	}

	stopReason := "end_turn"
	switch {
	case s.hasToolUse:
		stopReason = "tool_use"
	case finishReason == upstream.FinishMaxTokens:
		stopReason = "max_tokens"
	case finishReason == upstream.FinishStopSequence:
		stopReason = "stop_sequence"
	}

	out = append(out,
		SSEEvent{Type: "message_delta", Data: MessageDeltaData{Type: "message_delta", Delta: MessageDeltaInner{StopReason: stopReason}}},
		SSEEvent{Type: "message_stop", Data: MessageStopData{Type: "message_stop"}},
	)
	s.completed = true
	return out
}

func contentBlockStart(index int, block ContentBlock) SSEEvent {
	return SSEEvent{Type: "content_block_start", Data: ContentBlockStartData{Type: "content_block_start", Index: index, ContentBlock: block}}
}

func contentBlockDelta(index int, delta BlockDelta) SSEEvent {
	return SSEEvent{Type: "content_block_delta", Data: ContentBlockDeltaData{Type: "content_block_delta", Index: index, Delta: delta}}
}

func contentBlockStop(index int) SSEEvent {
	return SSEEvent{Type: "content_block_stop", Data: ContentBlockStopData{Type: "content_block_stop", Index: index}}
}
