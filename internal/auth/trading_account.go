package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/orbitmarkets/authcore/internal/apperr"
	"github.com/orbitmarkets/authcore/internal/audit"
)

// TradingAccountStatus is a TradingAccount's lifecycle stage (spec.md §3).
type TradingAccountStatus string

const (
	TradingAccountActive      TradingAccountStatus = "active"
	TradingAccountNeedsReauth TradingAccountStatus = "needs_reauth"
	TradingAccountRevoked     TradingAccountStatus = "revoked"
)

// TradingAccount is a broker account a user has linked credentials for,
// optionally shared with other users via membership (spec.md §3, §6, §8).
type TradingAccount struct {
	ID           string
	OwnerID      string
	Broker       string
	BrokerHandle string
	Status       TradingAccountStatus
	VaultRef     string
	Profile      map[string]any
	CreatedAt    time.Time
}

// TradingAccountStore is the persistence contract for trading accounts and
// their memberships. Production backs this with the relational store
// (SPEC_FULL.md §5); tests use an in-memory fake.
type TradingAccountStore interface {
	Create(ctx context.Context, a *TradingAccount) error
	GetByID(ctx context.Context, id string) (*TradingAccount, error)
	UpdateStatus(ctx context.Context, id string, status TradingAccountStatus) error
	UpdateVaultRef(ctx context.Context, id, vaultRef string) error

	// ListAccountIDsForUser returns every account id the user owns or holds a
	// membership on — fed into token.MintInput.AcctIDs at session issuance.
	ListAccountIDsForUser(ctx context.Context, userID string) ([]string, error)

	AddMembership(ctx context.Context, accountID, userID, grantedBy string) error
	RemoveMembership(ctx context.Context, accountID, userID string) error
	IsMember(ctx context.Context, accountID, userID string) (bool, error)
}

// LinkAccountInput is the request to attach a broker credential to a user.
type LinkAccountInput struct {
	UserID       string
	Broker       string
	BrokerHandle string
	Credentials  []byte // broker API key/secret, stored only via CredentialVault
	Profile      map[string]any
}

// LinkAccount implements spec.md §6/§8 linkAccount: stores the broker
// credential in CredentialVault and creates the TradingAccount row, owned by
// the caller. Refuses to link for any user not in Active status, matching
// the same PendingVerification/Suspended/Deactivated gating Login enforces.
func (o *Orchestrator) LinkAccount(ctx context.Context, in LinkAccountInput) (*TradingAccount, error) {
	user, err := o.users.GetByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if user.Status != StatusActive {
		return nil, apperr.ErrAccountDisabled
	}

	vaultRef, err := o.vault.Store(ctx, in.UserID, "trading_account_credentials", in.Credentials)
	if err != nil {
		return nil, err
	}

	acct := &TradingAccount{
		ID:           uuid.NewString(),
		OwnerID:      in.UserID,
		Broker:       in.Broker,
		BrokerHandle: in.BrokerHandle,
		Status:       TradingAccountActive,
		VaultRef:     vaultRef,
		Profile:      in.Profile,
		CreatedAt:    time.Now(),
	}
	if err := o.accounts.Create(ctx, acct); err != nil {
		return nil, err
	}

	o.audit.Append(ctx, audit.Event{
		Type: "trading_account.linked", Subject: "acct:" + acct.ID, Actor: subjectFor(in.UserID),
		Severity: audit.SeverityCritical, Payload: map[string]any{"broker": in.Broker},
	})
	o.bus.Publish(ctx, eventSource, "trading_account.linked", "acct:"+acct.ID, subjectFor(in.UserID), map[string]any{"broker": in.Broker})
	return acct, nil
}

// UnlinkAccount implements spec.md §6/§8 unlinkAccount: tombstones the vault
// credential and marks the account Revoked. Only the owner may unlink.
func (o *Orchestrator) UnlinkAccount(ctx context.Context, actorID, accountID string) error {
	acct, err := o.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.OwnerID != actorID {
		return apperr.New(apperr.KindAuthZ, "auth: only the owner may unlink a trading account")
	}

	if acct.VaultRef != "" {
		if err := o.vault.Revoke(ctx, acct.VaultRef); err != nil {
			return err
		}
	}
	if err := o.accounts.UpdateStatus(ctx, accountID, TradingAccountRevoked); err != nil {
		return err
	}

	o.audit.Append(ctx, audit.Event{
		Type: "trading_account.unlinked", Subject: "acct:" + accountID, Actor: subjectFor(actorID), Severity: audit.SeverityCritical,
	})
	o.bus.Publish(ctx, eventSource, "trading_account.unlinked", "acct:"+accountID, subjectFor(actorID), nil)
	return nil
}

// RotateCredentials implements spec.md §6/§8 rotateCredentials: rewraps the
// broker credential under a fresh vault_ref and clears a NeedsReauth status
// once the new credential is stored and the account points at its vault_ref.
func (o *Orchestrator) RotateCredentials(ctx context.Context, actorID, accountID string, newCredentials []byte) error {
	acct, err := o.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.OwnerID != actorID {
		return apperr.New(apperr.KindAuthZ, "auth: only the owner may rotate a trading account's credentials")
	}

	newRef, err := o.vault.Rotate(ctx, acct.VaultRef, acct.OwnerID, "trading_account_credentials", newCredentials)
	if err != nil {
		return err
	}
	if err := o.accounts.UpdateVaultRef(ctx, accountID, newRef); err != nil {
		return err
	}
	if acct.Status == TradingAccountNeedsReauth {
		if err := o.accounts.UpdateStatus(ctx, accountID, TradingAccountActive); err != nil {
			return err
		}
	}

	o.audit.Append(ctx, audit.Event{
		Type: "trading_account.credentials_rotated", Subject: "acct:" + accountID, Actor: subjectFor(actorID), Severity: audit.SeverityCritical,
	})
	o.bus.Publish(ctx, eventSource, "trading_account.credentials_rotated", "acct:"+accountID, subjectFor(actorID), nil)
	return nil
}

// ShareAccount implements spec.md §6/§8 share: grants another user membership
// on the account, owner-only (structural invariant of the entity itself, not
// a role-based decision the PolicyEngine delegates).
func (o *Orchestrator) ShareAccount(ctx context.Context, actorID, accountID, granteeUserID string) error {
	acct, err := o.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.OwnerID != actorID {
		return apperr.New(apperr.KindAuthZ, "auth: only the owner may share a trading account")
	}

	if err := o.accounts.AddMembership(ctx, accountID, granteeUserID, actorID); err != nil {
		return err
	}

	o.audit.Append(ctx, audit.Event{
		Type: "membership.granted", Subject: "acct:" + accountID, Actor: subjectFor(actorID),
		Severity: audit.SeverityLow, Payload: map[string]any{"grantee": granteeUserID},
	})
	o.bus.Publish(ctx, eventSource, "membership.granted", "acct:"+accountID, subjectFor(actorID), map[string]any{"grantee": granteeUserID})
	return nil
}

// RevokeMembership implements spec.md §6/§8 revokeMembership, owner-only.
func (o *Orchestrator) RevokeMembership(ctx context.Context, actorID, accountID, memberUserID string) error {
	acct, err := o.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.OwnerID != actorID {
		return apperr.New(apperr.KindAuthZ, "auth: only the owner may revoke a trading account membership")
	}

	if err := o.accounts.RemoveMembership(ctx, accountID, memberUserID); err != nil {
		return err
	}

	o.audit.Append(ctx, audit.Event{
		Type: "membership.revoked", Subject: "acct:" + accountID, Actor: subjectFor(actorID),
		Severity: audit.SeverityLow, Payload: map[string]any{"member": memberUserID},
	})
	o.bus.Publish(ctx, eventSource, "membership.revoked", "acct:"+accountID, subjectFor(actorID), map[string]any{"member": memberUserID})
	return nil
}

// GetCredentials fetches the broker credential for use by a peer service
// acting on the account's behalf. Callers must be the owner or a member.
func (o *Orchestrator) GetCredentials(ctx context.Context, actorID, accountID string) ([]byte, error) {
	acct, err := o.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.OwnerID != actorID {
		member, err := o.accounts.IsMember(ctx, accountID, actorID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, apperr.New(apperr.KindAuthZ, "auth: not authorized to read this trading account's credentials")
		}
	}

	return o.vault.Fetch(ctx, acct.VaultRef)
}
