// Package answers keeps the lifecycle record of every submitted question in
// Redis, with recency indexes for listing and pub/sub for live updates.
package answers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrNotFound      = errors.New("answer not found")
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrInvalidStatus = errors.New("invalid status")
)

type Status string

const (
	StatusQueued  Status = "QUEUED"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusQueued, StatusRunning, StatusDone, StatusFailed}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Answer is the stored record. Timestamps are unix milliseconds.
type Answer struct {
	ID        string          `json:"id"`
	Question  string          `json:"question"`
	Status    Status          `json:"status"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
	JobID     string          `json:"jobId,omitempty"`
	RunID     string          `json:"runId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Meta      map[string]any  `json:"meta,omitempty"`
}

// Update carries optional fields set alongside a status change.
type Update struct {
	JobID string
	RunID string
}

// Event is published on every mutation.
type Event struct {
	Type string `json:"type"`
	Data Answer `json:"data"`
}

const (
	EventNew    = "new"
	EventUpdate = "update"
)

// Filter selects a page of answers.
type Filter struct {
	Status Status
	Query  string
	Limit  int
	Cursor string
}

// Page is one List result. NextCursor is empty on the last page.
type Page struct {
	Items      []Answer `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

const (
	DefaultLimit = 20
	MaxLimit     = 200
)

func encodeCursor(score int64, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(score, 10) + ":" + id))
}

func decodeCursor(c string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return 0, "", ErrInvalidCursor
	}
	scoreStr, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return 0, "", ErrInvalidCursor
	}
	score, err := strconv.ParseInt(scoreStr, 10, 64)
	if err != nil {
		return 0, "", ErrInvalidCursor
	}
	return score, id, nil
}
