package models

import "time"

// HistoryEntry records one resolved request.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	Question   string    `json:"question"`
	Status     Status    `json:"status"`
	Model      Tier      `json:"model"`
	Attempts   int       `json:"attempts"`
	FinalQuery string    `json:"final_query"`
	Error      string    `json:"error,omitempty"`
	RowCount   int       `json:"row_count"`
	Cached     bool      `json:"cached"`
	LatencyMs  int64     `json:"latency_ms"`
	StepsJSON  string    `json:"steps_json,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryQueryOpts filters history lookups.
type HistoryQueryOpts struct {
	Status    Status
	Since     time.Time
	Question  string
	RequestID string
	Limit     int
}

// HistoryStats counts requests per status per day.
type HistoryStats struct {
	Day    string `json:"day"`
	Status Status `json:"status"`
	Count  int64  `json:"count"`
	AvgMs  int64  `json:"avg_ms"`
	Cached int64  `json:"cached"`
}
