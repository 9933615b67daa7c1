package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/campaign-engine/types"
)

const (
	campaignPrefix    = "campaign:"
	sessionPrefix     = "session:"
	contactPrefix     = "contact:"
	claimPrefix       = "claim:"
	campaignSetPrefix = "campaign_sessions:"
	contactSetKey     = "contacts"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Records are stored as JSON blobs; the per-session claim is a SET NX
// key with a TTL, so a crashed worker's claim expires on its own.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

// saveJSON saves a value to Redis under the given key.
func (s *RedisStorage) saveJSON(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %v", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getJSON retrieves and unmarshals a value from Redis.
func getJSON[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveCampaign saves a campaign to Redis.
func (s *RedisStorage) SaveCampaign(ctx context.Context, c types.Campaign) error {
	return s.saveJSON(ctx, campaignPrefix+c.ID, c)
}

// GetCampaign retrieves a campaign from Redis.
func (s *RedisStorage) GetCampaign(ctx context.Context, id string) (types.Campaign, error) {
	return getJSON[types.Campaign](ctx, s.client, campaignPrefix+id, ErrCampaignNotFound)
}

// ListCampaignsByStatus scans campaign keys and filters by status.
func (s *RedisStorage) ListCampaignsByStatus(ctx context.Context, statuses ...types.CampaignStatus) ([]types.Campaign, error) {
	return withContext(ctx, func() ([]types.Campaign, error) {
		keys, err := s.client.Keys(ctx, campaignPrefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign keys: %v", err)
		}

		var out []types.Campaign
		for _, key := range keys {
			c, err := getJSON[types.Campaign](ctx, s.client, key, ErrCampaignNotFound)
			if errors.Is(err, ErrCampaignNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			for _, status := range statuses {
				if c.Status == status {
					out = append(out, c)
					break
				}
			}
		}
		return out, nil
	})
}

// SaveSession saves a session and indexes it under its campaign.
func (s *RedisStorage) SaveSession(ctx context.Context, sess types.Session) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session %d: %v", sess.ID, err)
		}
		pipe := s.client.Pipeline()
		pipe.Set(ctx, sessionKey(sess.ID), data, 0)
		pipe.SAdd(ctx, campaignSetPrefix+sess.CampaignID, sess.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save session %d: %v", sess.ID, err)
		}
		return nil
	})
}

// GetSession retrieves a session from Redis.
func (s *RedisStorage) GetSession(ctx context.Context, id uint64) (types.Session, error) {
	return getJSON[types.Session](ctx, s.client, sessionKey(id), ErrSessionNotFound)
}

// ListSessionsByCampaign retrieves every session of a campaign.
func (s *RedisStorage) ListSessionsByCampaign(ctx context.Context, campaignID string) ([]types.Session, error) {
	return withContext(ctx, func() ([]types.Session, error) {
		sessions, err := s.sessionsOfCampaign(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		return sessions, nil
	})
}

// ListReadySessions returns ids of dispatchable sessions for a campaign.
func (s *RedisStorage) ListReadySessions(ctx context.Context, campaignID string, now int64) ([]uint64, error) {
	return withContext(ctx, func() ([]uint64, error) {
		sessions, err := s.sessionsOfCampaign(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		var out []uint64
		for _, sess := range sessions {
			if sess.Status == types.SessionActive && !sess.AwaitingReply && sess.WakeAt <= now {
				out = append(out, sess.ID)
			}
		}
		return out, nil
	})
}

// ListExpiredSessions scans session keys for active sessions past expiry.
func (s *RedisStorage) ListExpiredSessions(ctx context.Context, now int64) ([]uint64, error) {
	return withContext(ctx, func() ([]uint64, error) {
		keys, err := s.client.Keys(ctx, sessionPrefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan session keys: %v", err)
		}
		var out []uint64
		for _, key := range keys {
			sess, err := getJSON[types.Session](ctx, s.client, key, ErrSessionNotFound)
			if errors.Is(err, ErrSessionNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			if sess.Status == types.SessionActive && sess.ExpiresAt > 0 && sess.ExpiresAt <= now {
				out = append(out, sess.ID)
			}
		}
		return out, nil
	})
}

// ClaimSession takes the processing claim via SET NX with a TTL.
func (s *RedisStorage) ClaimSession(ctx context.Context, id uint64, ttl time.Duration) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		ok, err := s.client.SetNX(ctx, claimPrefix+strconv.FormatUint(id, 10), 1, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("failed to claim session %d: %v", id, err)
		}
		return ok, nil
	})
}

// ReleaseSession releases the processing claim.
func (s *RedisStorage) ReleaseSession(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		if err := s.client.Del(ctx, claimPrefix+strconv.FormatUint(id, 10)).Err(); err != nil {
			return fmt.Errorf("failed to release session %d: %v", id, err)
		}
		return nil
	})
}

// SaveContact saves a contact to Redis.
func (s *RedisStorage) SaveContact(ctx context.Context, c types.Contact) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal contact %s: %v", c.ID, err)
		}
		pipe := s.client.Pipeline()
		pipe.Set(ctx, contactPrefix+c.ID, data, 0)
		pipe.SAdd(ctx, contactSetKey, c.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save contact %s: %v", c.ID, err)
		}
		return nil
	})
}

// GetContact retrieves a contact from Redis.
func (s *RedisStorage) GetContact(ctx context.Context, id string) (types.Contact, error) {
	return getJSON[types.Contact](ctx, s.client, contactPrefix+id, ErrContactNotFound)
}

// ListContacts retrieves all contacts.
func (s *RedisStorage) ListContacts(ctx context.Context) ([]types.Contact, error) {
	return withContext(ctx, func() ([]types.Contact, error) {
		ids, err := s.client.SMembers(ctx, contactSetKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list contacts: %v", err)
		}
		var out []types.Contact
		for _, id := range ids {
			c, err := getJSON[types.Contact](ctx, s.client, contactPrefix+id, ErrContactNotFound)
			if errors.Is(err, ErrContactNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	})
}

// sessionsOfCampaign loads all sessions indexed under a campaign.
func (s *RedisStorage) sessionsOfCampaign(ctx context.Context, campaignID string) ([]types.Session, error) {
	ids, err := s.client.SMembers(ctx, campaignSetPrefix+campaignID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions of campaign %s: %v", campaignID, err)
	}
	var out []types.Session
	for _, raw := range ids {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		sess, err := getJSON[types.Session](ctx, s.client, sessionKey(id), ErrSessionNotFound)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func sessionKey(id uint64) string {
	return sessionPrefix + strconv.FormatUint(id, 10)
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
