package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTTL bounds how long an abandoned session lingers in Redis. The
// inactivity timeout is enforced by the Guard, not by the key expiry.
const DefaultTTL = 24 * time.Hour

// RedisStore keeps sessions in Redis so several service instances can share
// them. Each session is a JSON value under {prefix}session:{token}; the
// member index {prefix}member:{id} points at the member's current token.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps client. An empty prefix defaults to "library:".
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "library:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (r *RedisStore) sessionKey(token string) string { return r.prefix + "session:" + token }

func (r *RedisStore) memberKey(memberID int64) string {
	return r.prefix + "member:" + strconv.FormatInt(memberID, 10)
}

func (r *RedisStore) Get(ctx context.Context, token string) (*State, error) {
	raw, err := r.client.Get(ctx, r.sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) Save(ctx context.Context, s *State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(s.Token), raw, r.ttl)
		pipe.Set(ctx, r.memberKey(s.MemberID), s.Token, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Touch only overwrites the session key if it still exists (SET XX). The
// member index keeps its value; only its expiry is extended.
func (r *RedisStore) Touch(ctx context.Context, s *State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := r.client.SetXX(ctx, r.sessionKey(s.Token), raw, r.ttl).Result()
	if errors.Is(err, redis.Nil) || (err == nil && !ok) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err := r.client.Expire(ctx, r.memberKey(s.MemberID), r.ttl).Err(); err != nil {
		return fmt.Errorf("touch member session: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, token string) error {
	s, err := r.Get(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	keys := []string{r.sessionKey(token)}
	current, err := r.client.Get(ctx, r.memberKey(s.MemberID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("get member session: %w", err)
	}
	if current == token {
		keys = append(keys, r.memberKey(s.MemberID))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *RedisStore) DeleteByMember(ctx context.Context, memberID int64) error {
	token, err := r.client.Get(ctx, r.memberKey(memberID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get member session: %w", err)
	}
	if err := r.client.Del(ctx, r.sessionKey(token), r.memberKey(memberID)).Err(); err != nil {
		return fmt.Errorf("delete member session: %w", err)
	}
	return nil
}
