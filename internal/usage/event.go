// Package usage carries diagnostic events emitted by gateway processes and fans them out
// to registered plugins. Only model usage events are of interest to the persistence layer;
// every other kind passes through untouched.
package usage

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// EventTypeModelUsage is the diagnostic event kind that carries per-call token usage.
const EventTypeModelUsage = "model.usage"

// ErrInvalidEvent is returned when a payload is not a JSON object with a "type" field.
var ErrInvalidEvent = errors.New("invalid diagnostic event")

// Event is a single diagnostic notification. Numeric fields are pointers so that a field
// missing from the payload stays distinguishable from an explicit zero.
type Event struct {
	Type      string
	Timestamp time.Time
	Seq       int64

	SessionKey string
	SessionID  string
	Channel    string
	Provider   string
	Model      string

	Usage   TokenUsage
	Context ContextWindow

	CostUSD    *float64
	DurationMs *int64
}

// TokenUsage holds the token counters reported for one model call.
type TokenUsage struct {
	Input        *int64
	Output       *int64
	CacheRead    *int64
	CacheWrite   *int64
	PromptTokens *int64
	Total        *int64
}

// ContextWindow describes the model context window at the time of the call.
type ContextWindow struct {
	Limit *int64
	Used  *int64
}

// IsModelUsage reports whether the event is a model usage event.
func (e Event) IsModelUsage() bool {
	return e.Type == EventTypeModelUsage
}

// DecodeEvent parses a JSON diagnostic event.
//
// The "ts" field is accepted either as epoch milliseconds or as an RFC 3339 string.
func DecodeEvent(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return Event{}, fmt.Errorf("%w: malformed json", ErrInvalidEvent)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Event{}, fmt.Errorf("%w: not an object", ErrInvalidEvent)
	}
	kind := root.Get("type")
	if kind.Type != gjson.String || kind.String() == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}

	evt := Event{
		Type:       kind.String(),
		Timestamp:  parseTimestamp(root.Get("ts")),
		Seq:        root.Get("seq").Int(),
		SessionKey: root.Get("sessionKey").String(),
		SessionID:  root.Get("sessionId").String(),
		Channel:    root.Get("channel").String(),
		Provider:   root.Get("provider").String(),
		Model:      root.Get("model").String(),
		Usage: TokenUsage{
			Input:        optionalInt(root.Get("usage.input")),
			Output:       optionalInt(root.Get("usage.output")),
			CacheRead:    optionalInt(root.Get("usage.cacheRead")),
			CacheWrite:   optionalInt(root.Get("usage.cacheWrite")),
			PromptTokens: optionalInt(root.Get("usage.promptTokens")),
			Total:        optionalInt(root.Get("usage.total")),
		},
		Context: ContextWindow{
			Limit: optionalInt(root.Get("context.limit")),
			Used:  optionalInt(root.Get("context.used")),
		},
		CostUSD:    optionalFloat(root.Get("costUsd")),
		DurationMs: optionalInt(root.Get("durationMs")),
	}
	return evt, nil
}

func parseTimestamp(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		return time.UnixMilli(v.Int()).UTC()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, v.String()); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func optionalInt(v gjson.Result) *int64 {
	if v.Type != gjson.Number {
		return nil
	}
	n := v.Int()
	return &n
}

func optionalFloat(v gjson.Result) *float64 {
	if v.Type != gjson.Number {
		return nil
	}
	f := v.Float()
	return &f
}
