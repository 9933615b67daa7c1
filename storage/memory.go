package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/campaign-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	campaigns map[string]types.Campaign
	sessions  map[uint64]types.Session
	contacts  map[string]types.Contact
	claims    map[uint64]time.Time // claim expiry per session
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		campaigns: make(map[string]types.Campaign),
		sessions:  make(map[uint64]types.Session),
		contacts:  make(map[string]types.Contact),
		claims:    make(map[uint64]time.Time),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, m map[K]T, id K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", errNotFound, id)
		}
		return item, nil
	})
}

// SaveCampaign saves a campaign to memory.
func (s *MemoryStorage) SaveCampaign(ctx context.Context, c types.Campaign) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.campaigns[c.ID] = c
		return nil
	})
}

// GetCampaign retrieves a campaign from memory.
func (s *MemoryStorage) GetCampaign(ctx context.Context, id string) (types.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.campaigns, id, ErrCampaignNotFound)
}

// ListCampaignsByStatus retrieves all campaigns in any of the given states.
func (s *MemoryStorage) ListCampaignsByStatus(ctx context.Context, statuses ...types.CampaignStatus) ([]types.Campaign, error) {
	return withContext(ctx, func() ([]types.Campaign, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Campaign
		for _, c := range s.campaigns {
			for _, status := range statuses {
				if c.Status == status {
					out = append(out, c)
					break
				}
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SaveSession saves a session to memory. Maps inside the session are
// copied so the caller's session can keep being mutated safely.
func (s *MemoryStorage) SaveSession(ctx context.Context, sess types.Session) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.sessions[sess.ID] = copySession(sess)
		return nil
	})
}

// GetSession retrieves a session from memory.
func (s *MemoryStorage) GetSession(ctx context.Context, id uint64) (types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, err := getItem(ctx, s.sessions, id, ErrSessionNotFound)
	if err != nil {
		return types.Session{}, err
	}
	return copySession(sess), nil
}

// ListSessionsByCampaign retrieves every session of a campaign.
func (s *MemoryStorage) ListSessionsByCampaign(ctx context.Context, campaignID string) ([]types.Session, error) {
	return withContext(ctx, func() ([]types.Session, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Session
		for _, sess := range s.sessions {
			if sess.CampaignID == campaignID {
				out = append(out, copySession(sess))
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// ListReadySessions returns ids of dispatchable sessions for a campaign.
func (s *MemoryStorage) ListReadySessions(ctx context.Context, campaignID string, now int64) ([]uint64, error) {
	return withContext(ctx, func() ([]uint64, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []uint64
		for id, sess := range s.sessions {
			if sess.CampaignID == campaignID &&
				sess.Status == types.SessionActive &&
				!sess.AwaitingReply &&
				sess.WakeAt <= now {
				out = append(out, id)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out, nil
	})
}

// ListExpiredSessions returns ids of active sessions past their expiry.
func (s *MemoryStorage) ListExpiredSessions(ctx context.Context, now int64) ([]uint64, error) {
	return withContext(ctx, func() ([]uint64, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []uint64
		for id, sess := range s.sessions {
			if sess.Status == types.SessionActive && sess.ExpiresAt > 0 && sess.ExpiresAt <= now {
				out = append(out, id)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out, nil
	})
}

// ClaimSession takes the exclusive processing claim for a session using
// compare-and-swap under the store lock.
func (s *MemoryStorage) ClaimSession(ctx context.Context, id uint64, ttl time.Duration) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		now := time.Now()
		if expiry, held := s.claims[id]; held && expiry.After(now) {
			return false, nil
		}
		s.claims[id] = now.Add(ttl)
		return true, nil
	})
}

// ReleaseSession releases the processing claim.
func (s *MemoryStorage) ReleaseSession(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.claims, id)
		return nil
	})
}

// SaveContact saves a contact to memory.
func (s *MemoryStorage) SaveContact(ctx context.Context, c types.Contact) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.contacts[c.ID] = c
		return nil
	})
}

// GetContact retrieves a contact from memory.
func (s *MemoryStorage) GetContact(ctx context.Context, id string) (types.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.contacts, id, ErrContactNotFound)
}

// ListContacts retrieves all contacts.
func (s *MemoryStorage) ListContacts(ctx context.Context) ([]types.Contact, error) {
	return withContext(ctx, func() ([]types.Contact, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Contact, 0, len(s.contacts))
		for _, c := range s.contacts {
			out = append(out, c)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// copySession deep-copies the session's maps.
func copySession(sess types.Session) types.Session {
	out := sess
	out.Variables = make(map[string]string, len(sess.Variables))
	for k, v := range sess.Variables {
		out.Variables[k] = v
	}
	out.VisitedNodes = make(map[string]types.VisitRecord, len(sess.VisitedNodes))
	for k, v := range sess.VisitedNodes {
		out.VisitedNodes[k] = v
	}
	return out
}
