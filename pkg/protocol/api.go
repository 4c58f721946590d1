// Package protocol defines the API request/response types.
package protocol

import (
	"time"

	"github.com/fruitsalade/bundleproxy/pkg/models"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error          string `json:"error"`
	Code           int    `json:"code"`
	Details        string `json:"details,omitempty"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string   `json:"status"`
	Backends   []string `json:"backends"`
	Store      string   `json:"store"`
	Generation int      `json:"generation"`
}

// CacheRequest is the body for POST /api/v1/cache/{backend}.
type CacheRequest struct {
	Pointer string `json:"pointer"`
	Entry   string `json:"entry,omitempty"`
}

// CacheStatusResponse describes the cache state of one bundle.
type CacheStatusResponse struct {
	Backend    string    `json:"backend"`
	Root       string    `json:"root"`
	Entry      string    `json:"entry,omitempty"`
	Status     string    `json:"status"`
	Generation int64     `json:"generation"`
	Members    int       `json:"members"`
	Streamed   int       `json:"streamed,omitempty"`
	Error      string    `json:"error,omitempty"`
	EntryURL   string    `json:"entry_url,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// CacheStatsResponse is returned by GET /api/v1/cache/stats.
type CacheStatsResponse struct {
	Store      string         `json:"store"`
	Generation int            `json:"generation"`
	Entries    int            `json:"entries"`
	Bytes      int64          `json:"bytes"`
	States     map[string]int `json:"states"`
	Builds     int            `json:"builds"`
	Waiting    int            `json:"waiting"`
}

// PruneResponse is returned by POST /api/v1/cache/prune.
type PruneResponse struct {
	Removed    int `json:"removed"`
	Generation int `json:"generation"`
}

// MembersResponse is returned by GET /api/v1/members/{backend}.
type MembersResponse struct {
	Backend string           `json:"backend"`
	Root    string           `json:"root"`
	Entry   string           `json:"entry"`
	Count   int              `json:"count"`
	Tree    *models.FileNode `json:"tree"`
}

// SSEEvent is a server-sent cache or catalog event.
type SSEEvent struct {
	ID         uint64 `json:"id"`
	Type       string `json:"type"`
	Backend    string `json:"backend,omitempty"`
	Root       string `json:"root,omitempty"`
	Generation int64  `json:"generation,omitempty"`
	Members    int    `json:"members,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}
