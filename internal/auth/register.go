package auth

import (
	"context"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/orbitmarkets/authcore/internal/apperr"
	"github.com/orbitmarkets/authcore/internal/audit"
	"github.com/orbitmarkets/authcore/internal/password"
)

const defaultRole = "user"

// RegisterInput is the public registration request (spec.md §4.10 Register).
type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
	IP          string
}

// Register validates and creates a new Principal, minus the tenant
// membership step spec.md's data model has no concept of.
func (o *Orchestrator) Register(ctx context.Context, in RegisterInput) (*User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperr.New(apperr.KindValidation, "invalid email address")
	}

	if existing, err := o.users.GetByEmail(ctx, email); err == nil && existing != nil {
		return nil, apperr.ErrConflict
	} else if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}

	if err := o.hasher.StrengthCheck(in.Password, password.Context{Email: email, DisplayName: in.DisplayName}); err != nil {
		return nil, err
	}
	hash, err := o.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  in.DisplayName,
		Status:       StatusPendingVerification,
		PasswordHash: hash,
	}
	if err := o.users.Create(ctx, user); err != nil {
		return nil, err
	}
	if err := o.users.AssignRole(ctx, user.ID, defaultRole, "system"); err != nil {
		return nil, err
	}

	o.audit.Append(ctx, audit.Event{
		Type:     "user.registered",
		Subject:  subjectFor(user.ID),
		IP:       in.IP,
		Severity: audit.SeverityLow,
		Payload:  map[string]any{"email": email},
	})
	o.bus.Publish(ctx, eventSource, "user.registered", subjectFor(user.ID), "", map[string]any{"email": email})

	return user, nil
}
