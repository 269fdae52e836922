package auth

import (
	"context"

	"github.com/orbitmarkets/authcore/internal/audit"
)

// AssignRole implements spec.md §4.10 Admin: assignRole. Invalidates the
// PDP's per-subject decision cache so the grant is visible without waiting
// out decision_ttl for the stale-Deny path (spec.md §5 ordering guarantees
// still allow up to decision_ttl staleness on the Allow side).
func (o *Orchestrator) AssignRole(ctx context.Context, actorID, userID, role string) error {
	if err := o.users.AssignRole(ctx, userID, role, actorID); err != nil {
		return err
	}
	o.policy.InvalidateSubject(userID)

	o.audit.Append(ctx, audit.Event{
		Type: "role.assigned", Subject: subjectFor(userID), Actor: subjectFor(actorID),
		Severity: audit.SeverityCritical, Payload: map[string]any{"role": role},
	})
	o.bus.Publish(ctx, eventSource, "role.assigned", subjectFor(userID), subjectFor(actorID), map[string]any{"role": role})
	return nil
}

// RevokeRole implements spec.md §4.10 Admin: revokeRole. Store.RevokeRole is
// responsible for rejecting the revocation of a user's last role (spec.md
// §3 UserRole invariant); this orchestrator only records the outcome.
func (o *Orchestrator) RevokeRole(ctx context.Context, actorID, userID, role string) error {
	if err := o.users.RevokeRole(ctx, userID, role); err != nil {
		return err
	}
	o.policy.InvalidateSubject(userID)

	o.audit.Append(ctx, audit.Event{
		Type: "role.revoked", Subject: subjectFor(userID), Actor: subjectFor(actorID),
		Severity: audit.SeverityCritical, Payload: map[string]any{"role": role},
	})
	o.bus.Publish(ctx, eventSource, "role.revoked", subjectFor(userID), subjectFor(actorID), map[string]any{"role": role})
	return nil
}

// Deactivate implements spec.md §4.10 Admin: deactivate. Deactivation is
// terminal (spec.md §3 User status lifecycle) — every session is revoked so
// existing access tokens stop validating against a live session.
func (o *Orchestrator) Deactivate(ctx context.Context, actorID, userID string) error {
	if err := o.users.UpdateStatus(ctx, userID, StatusDeactivated); err != nil {
		return err
	}
	if err := o.sessions.RevokeAllForUser(ctx, userID); err != nil {
		return err
	}
	o.policy.InvalidateSubject(userID)

	o.audit.Append(ctx, audit.Event{
		Type: "user.deactivated", Subject: subjectFor(userID), Actor: subjectFor(actorID), Severity: audit.SeverityCritical,
	})
	o.bus.Publish(ctx, eventSource, "user.deactivated", subjectFor(userID), subjectFor(actorID), nil)
	return nil
}
