package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/unified-auth-sync/internal/domain"
	"github.com/sandeepkv93/unified-auth-sync/internal/observability"
)

// Sessions live in one hash per id. The mutable fields are separate hash
// fields so the compare-and-increment script never has to decode JSON.
const (
	fieldData          = "data"
	fieldVersion       = "ver"
	fieldLastActivity  = "last_activity_at"
	fieldLastRotated   = "last_rotated_at"
	fieldRefreshHash   = "refresh_hash"
	fieldRevokedAt     = "revoked_at"
	fieldRevokedReason = "revoked_reason"
)

var compareAndIncrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 or redis.call('HEXISTS', KEYS[1], 'revoked_at') == 1 then
	return -2
end
local current = tonumber(redis.call('HGET', KEYS[1], 'ver'))
if current ~= tonumber(ARGV[1]) then
	return -1
end
redis.call('HSET', KEYS[1], 'last_rotated_at', ARGV[2], 'last_activity_at', ARGV[2])
return redis.call('HINCRBY', KEYS[1], 'ver', 1)
`)

// rotateRefreshScript is compareAndIncrementScript gated on the refresh hash
// as well. ARGV: expected version, now, old hash, new hash.
var rotateRefreshScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 or redis.call('HEXISTS', KEYS[1], 'revoked_at') == 1 then
	return -2
end
local current = tonumber(redis.call('HGET', KEYS[1], 'ver'))
local hash = redis.call('HGET', KEYS[1], 'refresh_hash')
if current ~= tonumber(ARGV[1]) or hash ~= ARGV[3] then
	return -1
end
redis.call('HSET', KEYS[1], 'last_rotated_at', ARGV[2], 'last_activity_at', ARGV[2], 'refresh_hash', ARGV[4])
return redis.call('HINCRBY', KEYS[1], 'ver', 1)
`)

var setIfActiveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 or redis.call('HEXISTS', KEYS[1], 'revoked_at') == 1 then
	return 0
end
for i = 1, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
	// revokedRetention keeps terminal markers around briefly so late
	// operations report not-found instead of recreating state.
	revokedRetention time.Duration
	now              func() time.Time
}

func NewRedisSessionStore(client redis.UniversalClient, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = "auth_session"
	}
	return &RedisSessionStore{
		client:           client,
		prefix:           prefix,
		revokedRetention: time.Hour,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisSessionStore) Create(ctx context.Context, session *domain.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}
	key := s.key(session.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		fieldData, payload,
		fieldVersion, session.TokenVersion,
		fieldLastActivity, formatTime(session.LastActivityAt),
		fieldRefreshHash, session.RefreshTokenHash,
	)
	pipe.PExpireAt(ctx, key, session.ExpiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "create", "error")
		return unavailable(err)
	}
	observability.RecordRepositoryOperation(ctx, "session", "create", "success")
	return nil
}

func (s *RedisSessionStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "get", "error")
		return nil, unavailable(err)
	}
	raw, ok := fields[fieldData]
	if !ok {
		observability.RecordRepositoryOperation(ctx, "session", "get", "not_found")
		return nil, ErrSessionNotFound
	}
	if _, revoked := fields[fieldRevokedAt]; revoked {
		observability.RecordRepositoryOperation(ctx, "session", "get", "not_found")
		return nil, ErrSessionNotFound
	}
	session, err := decodeSession(raw, fields)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "get", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "get", "success")
	return session, nil
}

func (s *RedisSessionStore) UpdateVersion(ctx context.Context, sessionID string, expected int64) (int64, error) {
	return s.compareAndIncrement(ctx, "update_version", compareAndIncrementScript, sessionID, expected, formatTime(s.now()))
}

func (s *RedisSessionStore) RotateRefreshToken(ctx context.Context, sessionID string, expected int64, oldHash, newHash string) (int64, error) {
	return s.compareAndIncrement(ctx, "rotate_refresh_token", rotateRefreshScript, sessionID, expected, formatTime(s.now()), oldHash, newHash)
}

func (s *RedisSessionStore) compareAndIncrement(ctx context.Context, op string, script *redis.Script, sessionID string, args ...any) (int64, error) {
	res, err := script.Run(ctx, s.client, []string{s.key(sessionID)}, args...).Int64()
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", op, "error")
		return 0, unavailable(err)
	}
	switch res {
	case -2:
		observability.RecordRepositoryOperation(ctx, "session", op, "not_found")
		return 0, ErrSessionNotFound
	case -1:
		observability.RecordRepositoryOperation(ctx, "session", op, "conflict")
		return 0, ErrVersionConflict
	}
	observability.RecordRepositoryOperation(ctx, "session", op, "success")
	return res, nil
}

func (s *RedisSessionStore) Touch(ctx context.Context, sessionID string) error {
	return s.setIfActive(ctx, "touch", sessionID, fieldLastActivity, formatTime(s.now()))
}

func (s *RedisSessionStore) Revoke(ctx context.Context, sessionID, reason string) error {
	if err := s.setIfActive(ctx, "revoke", sessionID, fieldRevokedAt, formatTime(s.now()), fieldRevokedReason, reason); err != nil {
		return err
	}
	if err := s.client.Expire(ctx, s.key(sessionID), s.revokedRetention).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// CleanupExpired is a no-op: keys expire with the session.
func (s *RedisSessionStore) CleanupExpired(context.Context) (int64, error) {
	return 0, nil
}

func (s *RedisSessionStore) setIfActive(ctx context.Context, op, sessionID string, kv ...any) error {
	ok, err := setIfActiveScript.Run(ctx, s.client, []string{s.key(sessionID)}, kv...).Int()
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", op, "error")
		return unavailable(err)
	}
	if ok == 0 {
		observability.RecordRepositoryOperation(ctx, "session", op, "not_found")
		return ErrSessionNotFound
	}
	observability.RecordRepositoryOperation(ctx, "session", op, "success")
	return nil
}

func (s *RedisSessionStore) key(sessionID string) string {
	return s.prefix + ":session:" + sessionID
}

func decodeSession(raw string, fields map[string]string) (*domain.Session, error) {
	var session domain.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, err
	}
	if v, ok := fields[fieldVersion]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		session.TokenVersion = n
	}
	if v, ok := fields[fieldLastActivity]; ok {
		t, err := parseTime(v)
		if err != nil {
			return nil, err
		}
		session.LastActivityAt = t
	}
	if v, ok := fields[fieldLastRotated]; ok {
		t, err := parseTime(v)
		if err != nil {
			return nil, err
		}
		session.LastRotatedAt = &t
	}
	session.RefreshTokenHash = fields[fieldRefreshHash]
	return &session, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, errors.New("session store: malformed timestamp")
	}
	return t, nil
}
