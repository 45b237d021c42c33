package stores

import (
	"context"
	"errors"
	"time"

	"github.com/fortifleet/fortifleet/pkg/engine"
)

// DefaultAuditRetention is the number of audit entries kept by default.
const DefaultAuditRetention = 1000

var (
	// ErrTargetNotFound is returned when a target ID is not registered.
	ErrTargetNotFound = errors.New("target not found")

	// ErrTargetExists is returned when a target name is already registered.
	ErrTargetExists = errors.New("target already exists")
)

// AuditAction is the action recorded on an audit entry.
type AuditAction string

const (
	AuditActionCreate AuditAction = "create"
	AuditActionUpdate AuditAction = "update"
	AuditActionDelete AuditAction = "delete"
	AuditActionSync   AuditAction = "sync"
)

// AuditLogEntry is one persisted fan-out summary.
type AuditLogEntry struct {
	ID           string              `json:"id"`
	Timestamp    time.Time           `json:"timestamp"`
	Action       AuditAction         `json:"action"`
	ResourceKind engine.ResourceKind `json:"resource_type"`
	ResourceName string              `json:"resource_name"`
	Targets      []string            `json:"targets"`
	Status       engine.FanOutStatus `json:"status"`
	Details      string              `json:"details"`
	User         string              `json:"user,omitempty"`
}

// TargetPatch holds the fields to change on a target. Nil fields are kept.
type TargetPatch struct {
	Name    *string `json:"name,omitempty"`
	Host    *string `json:"host,omitempty"`
	APIKey  *string `json:"api_key,omitempty"`
	VDOM    *string `json:"vdom,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
}

// Apply copies the set fields onto t.
func (p TargetPatch) Apply(t *engine.Target) {
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Host != nil {
		t.Host = *p.Host
	}
	if p.APIKey != nil {
		t.APIKey = *p.APIKey
	}
	if p.VDOM != nil {
		t.VDOM = *p.VDOM
	}
	if p.Enabled != nil {
		t.Enabled = *p.Enabled
	}
}

// TargetStore persists registered targets.
type TargetStore interface {
	ListTargets(ctx context.Context) ([]engine.Target, error)
	GetTarget(ctx context.Context, id string) (*engine.Target, error)
	AddTarget(ctx context.Context, target *engine.Target) error
	UpdateTarget(ctx context.Context, id string, patch TargetPatch) (*engine.Target, error)
	DeleteTarget(ctx context.Context, id string) error
}

// AuditLog persists audit entries, keeping only the newest ones.
type AuditLog interface {
	AppendAuditLog(ctx context.Context, entry *AuditLogEntry) error
	ListAuditLogs(ctx context.Context, limit int) ([]AuditLogEntry, error)
	ClearAuditLogs(ctx context.Context) (int64, error)
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	TargetStore
	AuditLog

	// Utility
	HealthCheck(ctx context.Context) error
}
