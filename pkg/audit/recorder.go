// Package audit turns fan-out results into audit log entries.
package audit

import (
	"context"
	"strings"
	"sync"

	"github.com/fortifleet/fortifleet/pkg/engine"
	"github.com/fortifleet/fortifleet/pkg/stores"
	"github.com/fortifleet/fortifleet/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Recorder appends one audit entry per completed fan-out.
type Recorder struct {
	log     stores.AuditLog
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	logger  zerolog.Logger

	// mu keeps entry order equal to completion order
	mu sync.Mutex
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithMetrics counts audit writes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Recorder) {
		r.metrics = m
	}
}

// WithEvents publishes audit failures as progress events.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(r *Recorder) {
		r.events = ep
	}
}

// WithLogger sets the recorder logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// NewRecorder creates a recorder writing to log.
func NewRecorder(log stores.AuditLog, opts ...Option) *Recorder {
	r := &Recorder{log: log, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "audit").Logger()
	return r
}

// Record persists the summary of result attributed to user. It returns the
// stored entry, or nil when persisting failed. Failures are logged and never
// propagated: the fan-out has already happened.
func (r *Recorder) Record(ctx context.Context, result *engine.FanOutResult, user string) *stores.AuditLogEntry {
	if result == nil {
		return nil
	}
	entry := Entry(result, user)

	r.mu.Lock()
	err := r.log.AppendAuditLog(ctx, entry)
	r.mu.Unlock()

	r.metrics.RecordAuditWrite(err)
	if err != nil {
		r.logger.Error().
			Err(err).
			Str("fanout_id", result.ID).
			Str("operation", result.Operation.String()).
			Msg("Failed to record audit log")
		if perr := r.events.PublishAuditFailed(result.ID, err.Error()); perr != nil {
			r.logger.Debug().Err(perr).Msg("Dropped audit failure event")
		}
		return nil
	}

	r.logger.Debug().
		Str("fanout_id", result.ID).
		Str("audit_id", entry.ID).
		Str("status", string(entry.Status)).
		Msg("Audit log recorded")
	return entry
}

// Entry builds the audit entry for result without persisting it.
func Entry(result *engine.FanOutResult, user string) *stores.AuditLogEntry {
	op := &result.Operation
	return &stores.AuditLogEntry{
		Timestamp:    result.CompletedAt.UTC(),
		Action:       Action(op.Kind),
		ResourceKind: op.AuditResource(),
		ResourceName: op.ResourceName(),
		Targets:      result.TargetNames(),
		Status:       result.Status,
		Details:      Details(result.Outcomes),
		User:         user,
	}
}

// Action maps an operation kind to the recorded audit action.
func Action(kind engine.OperationKind) stores.AuditAction {
	switch kind {
	case engine.OperationCreate:
		return stores.AuditActionCreate
	case engine.OperationUpdate, engine.OperationMove:
		return stores.AuditActionUpdate
	case engine.OperationDelete:
		return stores.AuditActionDelete
	default:
		return stores.AuditActionSync
	}
}

// Details renders one line per outcome, in selection order.
func Details(outcomes []engine.TargetOutcome) string {
	lines := make([]string, len(outcomes))
	for i, o := range outcomes {
		switch {
		case o.Success:
			lines[i] = o.DisplayName() + ": success"
		case o.Error != nil:
			lines[i] = o.DisplayName() + ": " + o.Error.Message
		default:
			lines[i] = o.DisplayName() + ": failed"
		}
	}
	return strings.Join(lines, "\n")
}
