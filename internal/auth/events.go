package auth

import (
	"context"

	"docsmith.io/internal/audit"
)

// EventSink receives structured security events. Implementations must not
// block the auth flow; emission is fire-and-forget from the engine's view.
type EventSink interface {
	Emit(ctx context.Context, ev SecurityEvent)
}

// AuditEventSink writes security events to the audit log.
type AuditEventSink struct{}

func (AuditEventSink) Emit(ctx context.Context, ev SecurityEvent) {
	fields := map[string]any{
		"user_id":   ev.UserID,
		"tenant_id": ev.TenantID,
		"timestamp": ev.Timestamp,
	}
	if ev.FamilyID != "" {
		fields["family_id"] = ev.FamilyID
	}
	if len(ev.Indicators) > 0 {
		fields["indicators"] = ev.Indicators
	}
	if ev.Type == EventReuseDetected {
		fields["severity"] = "critical"
	}
	_ = audit.LogEvent(ctx, ev.Type, fields)
}

// nopSink drops events; used when no sink is configured.
type nopSink struct{}

func (nopSink) Emit(context.Context, SecurityEvent) {}
