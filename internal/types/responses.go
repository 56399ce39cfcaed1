package types

import "time"

// LockResponse is the operator API view of a lease row.
type LockResponse struct {
	ResourceKey     string    `json:"resource_key"`
	HolderID        string    `json:"holder_id"`
	AcquiredAt      time.Time `json:"acquired_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	LeaseVersion    int64     `json:"lease_version"`
	Expired         bool      `json:"expired"`
}

// WorkerResponse is the operator API view of a worker record.
type WorkerResponse struct {
	WorkerID        string    `json:"worker_id"`
	Status          string    `json:"status"`
	HeldSymbol      string    `json:"held_symbol,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// RecoveryResponse is the operator API view of a reconciliation finding.
type RecoveryResponse struct {
	Kind      string    `json:"kind"`
	OrderID   string    `json:"order_id,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
