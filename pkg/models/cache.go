package models

import "time"

// CacheStats reports cache occupancy and effectiveness.
type CacheStats struct {
	Entries int64         `json:"entries"`
	Hits    int64         `json:"hits"`
	Misses  int64         `json:"misses"`
	MaxSize int           `json:"max_size"`
	TTL     time.Duration `json:"ttl"`
}
