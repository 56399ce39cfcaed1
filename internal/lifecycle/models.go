package lifecycle

import (
	"time"

	"gorm.io/gorm"
)

// Worker statuses. CRASHED is only ever written by the stale sweep; a worker
// never marks itself crashed.
const (
	StatusIdle     = "IDLE"
	StatusScanning = "SCANNING"
	StatusHolding  = "HOLDING"
	StatusExiting  = "EXITING"
	StatusCrashed  = "CRASHED"
)

// allowedEdges is the worker lifecycle state machine. EXITING is reachable
// from anywhere; CRASHED is imposed by the sweep, not requested.
var allowedEdges = map[string][]string{
	StatusIdle:     {StatusScanning, StatusExiting},
	StatusScanning: {StatusIdle, StatusHolding, StatusExiting},
	StatusHolding:  {StatusScanning, StatusExiting},
	StatusExiting:  {},
	StatusCrashed:  {},
}

// CanTransition reports whether a worker may move between the two statuses.
func CanTransition(from, to string) bool {
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkerRecord tracks one worker process. HeldSymbol is non-empty only while
// HOLDING, and then a matching live lock owned by this worker must exist.
type WorkerRecord struct {
	gorm.Model      `json:"-"`
	WorkerID        string    `gorm:"uniqueIndex" json:"worker_id"`
	Status          string    `json:"status"`
	HeldSymbol      string    `json:"held_symbol"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeatAt time.Time `gorm:"index" json:"last_heartbeat_at"`
}

func (WorkerRecord) TableName() string { return "workers" }
