package llmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/petalgate/core"
)

// upstreamError classifies a failure reported by a provider SDK. status is
// the upstream HTTP status, or 0 when the request never got a response.
func upstreamError(provider string, status int, err error) error {
	var classified *core.Error
	if errors.As(err, &classified) {
		return err
	}
	var out *core.Error
	if status > 0 {
		out = core.StatusError(status, fmt.Sprintf("%s: %v", provider, err), err)
	} else {
		out = core.NewError(core.CodeUpstreamError, fmt.Sprintf("%s: %v", provider, err), err)
		if errors.Is(err, context.DeadlineExceeded) {
			out.WithDetail("timeout", true)
		}
	}
	return out.WithDetail("provider", provider)
}

// parseArguments decodes tool-call arguments. Malformed JSON is kept under
// "_raw" so the tool sees what the model produced.
func parseArguments(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

// parseStructured decodes a JSON object from model text, allowing a
// markdown code fence around it. It returns nil when the text is not an
// object.
func parseStructured(text string) map[string]any {
	text = strings.TrimSpace(text)
	if rest, ok := strings.CutPrefix(text, "```"); ok {
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), "```"))
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil
	}
	return out
}
