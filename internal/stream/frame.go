// Package stream decodes upstream AI server-sent events and settles their usage against the ledger.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Kind is the closed set of frame variants a session reacts to.
type Kind int

const (
	KindUnknown Kind = iota
	KindContent
	KindMetadata
	KindTerminal
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindMetadata:
		return "metadata"
	case KindTerminal:
		return "terminal"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrMalformedFrame    = errors.New("malformed_upstream_frame")
	ErrStreamTruncated   = errors.New("stream_truncated")
	ErrUpstreamError     = errors.New("upstream_error")
	ErrStreamCancelled   = errors.New("stream_cancelled")
	ErrInvalidTransition = errors.New("invalid_state_transition")
)

var frameKinds = map[string]Kind{
	"message":             KindContent,
	"agent_message":       KindContent,
	"text_chunk":          KindContent,
	"workflow_started":    KindMetadata,
	"node_started":        KindMetadata,
	"node_finished":       KindMetadata,
	"iteration_started":   KindMetadata,
	"iteration_next":      KindMetadata,
	"iteration_completed": KindMetadata,
	"agent_thought":       KindMetadata,
	"message_file":        KindMetadata,
	"message_replace":     KindMetadata,
	"tts_message":         KindMetadata,
	"tts_message_end":     KindMetadata,
	"ping":                KindMetadata,
	"message_end":         KindTerminal,
	"workflow_finished":   KindTerminal,
	"error":               KindError,
}

// Classify maps an upstream event name onto a frame kind.
func Classify(event string) Kind {
	if kind, ok := frameKinds[strings.TrimSpace(event)]; ok {
		return kind
	}
	return KindUnknown
}

// Frame is one decoded event.
type Frame struct {
	Event          string
	Kind           Kind
	Content        string
	ConversationID string
	MessageID      string
	TaskID         string
	WorkflowRunID  string
	Usage          int64
	HasUsage       bool
	ErrorCode      string
	ErrorMessage   string
}

type framePayload struct {
	Event          string `json:"event"`
	Answer         string `json:"answer"`
	ID             string `json:"id"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	TaskID         string `json:"task_id"`
	WorkflowRunID  string `json:"workflow_run_id"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	Metadata       struct {
		Usage *struct {
			TotalTokens json.Number `json:"total_tokens"`
		} `json:"usage"`
	} `json:"metadata"`
	Data struct {
		Text        string      `json:"text"`
		TotalTokens json.Number `json:"total_tokens"`
	} `json:"data"`
}

// ParseFrame decodes the JSON carried by a frame's data lines.
// fallbackEvent is the SSE "event:" field, used when the JSON carries no event name.
func ParseFrame(data []byte, fallbackEvent string) (Frame, error) {
	var p framePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	event := strings.TrimSpace(p.Event)
	if event == "" {
		event = strings.TrimSpace(fallbackEvent)
	}

	frame := Frame{
		Event:          event,
		Kind:           Classify(event),
		ConversationID: p.ConversationID,
		MessageID:      firstNonEmpty(p.MessageID, p.ID),
		TaskID:         p.TaskID,
		WorkflowRunID:  p.WorkflowRunID,
	}

	switch frame.Kind {
	case KindContent:
		frame.Content = p.Answer
		if event == "text_chunk" {
			frame.Content = p.Data.Text
		}
	case KindTerminal:
		raw := p.Data.TotalTokens
		if p.Metadata.Usage != nil && p.Metadata.Usage.TotalTokens != "" {
			raw = p.Metadata.Usage.TotalTokens
		}
		if raw != "" {
			usage, err := parseTokens(raw)
			if err != nil {
				return Frame{}, fmt.Errorf("%w: total_tokens %q", ErrMalformedFrame, raw)
			}
			frame.Usage = usage
			frame.HasUsage = true
		}
	case KindError:
		frame.ErrorCode = p.Code
		frame.ErrorMessage = p.Message
	}
	return frame, nil
}

func parseTokens(raw json.Number) (int64, error) {
	if n, err := raw.Int64(); err == nil {
		if n < 0 {
			return 0, ErrMalformedFrame
		}
		return n, nil
	}
	f, err := raw.Float64()
	if err != nil || f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, ErrMalformedFrame
	}
	return int64(math.Ceil(f)), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
