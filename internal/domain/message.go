package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks an inbound frame that is not a valid Request.
var ErrMalformed = errors.New("malformed request")

// Request is the single inbound frame shape: {"message": "..."}.
type Request struct {
	Message string `json:"message"`
}

// DecodeRequest parses one inbound text frame. The message field is required;
// an empty string is accepted. Unknown fields are ignored.
func DecodeRequest(data []byte) (Request, error) {
	var raw struct {
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Message == nil {
		return Request{}, fmt.Errorf("%w: missing \"message\" field", ErrMalformed)
	}
	return Request{Message: *raw.Message}, nil
}

// EventKind tags the outbound event variants.
type EventKind string

const (
	EventStreamStart EventKind = "stream-start"
	EventContent     EventKind = "content"
	EventStreamEnd   EventKind = "stream-end"
	EventError       EventKind = "error"
)

// Event is one outbound frame. Content is only meaningful for EventContent
// and EventError.
type Event struct {
	Kind    EventKind
	Content string
}

func StreamStart() Event              { return Event{Kind: EventStreamStart} }
func StreamEnd() Event                { return Event{Kind: EventStreamEnd} }
func ContentChunk(chunk string) Event { return Event{Kind: EventContent, Content: chunk} }
func ErrorEvent(reason string) Event  { return Event{Kind: EventError, Content: reason} }

// wireEvent is the JSON layout shared by all variants.
// A content chunk carries no "type" key.
type wireEvent struct {
	Type    string  `json:"type,omitempty"`
	Content *string `json:"content,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case EventStreamStart, EventStreamEnd:
		return json.Marshal(wireEvent{Type: string(e.Kind)})
	case EventContent:
		content := e.Content
		return json.Marshal(wireEvent{Content: &content})
	case EventError:
		content := e.Content
		return json.Marshal(wireEvent{Type: string(e.Kind), Content: &content})
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.Type == "" && w.Content != nil:
		*e = ContentChunk(*w.Content)
	case w.Type == string(EventStreamStart):
		*e = StreamStart()
	case w.Type == string(EventStreamEnd):
		*e = StreamEnd()
	case w.Type == string(EventError):
		reason := ""
		if w.Content != nil {
			reason = *w.Content
		}
		*e = ErrorEvent(reason)
	default:
		return fmt.Errorf("unrecognized event: %s", data)
	}
	return nil
}
