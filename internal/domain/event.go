package domain

import "encoding/json"

// Event types published on the event stream.
const (
	EventNewArticle         = "NEW_ARTICLE"
	EventArticleInteraction = "ARTICLE_INTERACTION"
)

// Event is the envelope carried by the event_stream exchange. A nil Targets
// means broadcast; otherwise the event is delivered only to the named
// recsystems that are currently connected.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Targets []string        `json:"targets,omitempty"`
}

// NewEvent marshals payload into an Event of the given type.
func NewEvent(eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Payload: raw}, nil
}
