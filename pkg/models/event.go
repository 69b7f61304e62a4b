package models

// EventType names a streamed progress event.
type EventType string

const (
	EventStatus      EventType = "status"
	EventModel       EventType = "model"
	EventThought     EventType = "thought"
	EventSQL         EventType = "sql"
	EventTable       EventType = "table"
	EventSuggestions EventType = "suggestions"
	EventSummary     EventType = "summary"
	EventError       EventType = "error"
	EventDone        EventType = "done"
)

// Event is one unit of streamed progress. Data is a string for the text
// events, *TablePayload for table, []string for suggestions and
// DonePayload for done.
type Event struct {
	Type EventType
	Data any
}

// TablePayload carries a result set with every cell stringified.
type TablePayload struct {
	Columns []string   `json:"columns"`
	Results [][]string `json:"results"`
}

// DonePayload terminates every stream.
type DonePayload struct {
	Status Status `json:"status"`
	Cached bool   `json:"cached"`
}
