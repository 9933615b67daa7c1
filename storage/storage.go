// Package storage persists campaigns, sessions and contacts, and
// provides the per-session exclusive claim used by the dispatcher.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/campaign-engine/types"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrContactNotFound  = errors.New("contact not found")
)

// Storage defines the interface for persisting and retrieving campaigns,
// sessions and contacts.
type Storage interface {
	// SaveCampaign saves a campaign definition.
	SaveCampaign(ctx context.Context, c types.Campaign) error

	// GetCampaign retrieves a campaign by ID.
	GetCampaign(ctx context.Context, id string) (types.Campaign, error)

	// ListCampaignsByStatus retrieves all campaigns in any of the given states.
	ListCampaignsByStatus(ctx context.Context, statuses ...types.CampaignStatus) ([]types.Campaign, error)

	// SaveSession saves a session.
	SaveSession(ctx context.Context, s types.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id uint64) (types.Session, error)

	// ListSessionsByCampaign retrieves every session of a campaign.
	ListSessionsByCampaign(ctx context.Context, campaignID string) ([]types.Session, error)

	// ListReadySessions returns ids of sessions of the campaign that are
	// active, not awaiting a reply, and whose wake time has passed.
	ListReadySessions(ctx context.Context, campaignID string, now int64) ([]uint64, error)

	// ListExpiredSessions returns ids of active sessions whose expiry time
	// has passed.
	ListExpiredSessions(ctx context.Context, now int64) ([]uint64, error)

	// ClaimSession takes the exclusive processing claim for a session.
	// It returns false if another worker currently holds the claim. The
	// claim expires after ttl so a crashed worker's session becomes
	// schedulable again.
	ClaimSession(ctx context.Context, id uint64, ttl time.Duration) (bool, error)

	// ReleaseSession releases the processing claim.
	ReleaseSession(ctx context.Context, id uint64) error

	// SaveContact saves a contact record.
	SaveContact(ctx context.Context, c types.Contact) error

	// GetContact retrieves a contact by ID.
	GetContact(ctx context.Context, id string) (types.Contact, error)

	// ListContacts retrieves all contacts.
	ListContacts(ctx context.Context) ([]types.Contact, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
