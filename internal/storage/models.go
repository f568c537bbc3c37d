package storage

import (
	"errors"
	"time"

	"github.com/fieldpoll/fieldpoll/internal/types"
)

var ErrNotFound = errors.New("not found")

// Snapshot is the latest persisted poll of a device.
type Snapshot struct {
	DeviceID  string          `json:"deviceId"`
	Readings  []types.Reading `json:"readings"`
	Timestamp time.Time       `json:"timestamp"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// HistoryPoint is one parameter value in the historical series.
type HistoryPoint struct {
	ParameterName string    `json:"parameterName"`
	Value         float64   `json:"value"`
	Unit          string    `json:"unit,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type HistoryQuery struct {
	From      time.Time
	To        time.Time
	Parameter string
	Limit     int
}

const (
	defaultHistoryLimit = 1000
	maxHistoryLimit     = 10000
)

func (q HistoryQuery) limit() int {
	switch {
	case q.Limit <= 0:
		return defaultHistoryLimit
	case q.Limit > maxHistoryLimit:
		return maxHistoryLimit
	default:
		return q.Limit
	}
}
