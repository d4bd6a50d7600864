package dispatch

import (
	"encoding/json"

	"github.com/antigravity-proxy/gateway/pkg/upstream"
)

// DecodeRawRequest decodes an inbound Gemini-shaped JSON body straight
// into an upstream.Request, with no protocol conversion
// (SPEC_FULL.md §5.9): the client is assumed to already be speaking
// the upstream's own generateContent shape, since upstream.Request's
// JSON tags are exactly the Gemini generateContent wire shape.
func DecodeRawRequest(body []byte) (upstream.Request, error) {
	var req upstream.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return upstream.Request{}, err
	}
	return req, nil
}
