package otp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript deletes the ticket when the stored hash matches, so a code
// can be used at most once even under concurrent verification. A mismatch
// decrements the remaining attempts and deletes the ticket at zero.
var consumeScript = redis.NewScript(`
local code = redis.call("HGET", KEYS[1], "code")
if not code then
	return 0
end
if code == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
if redis.call("HINCRBY", KEYS[1], "left", -1) <= 0 then
	redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps tickets as expiring keys. Expiry is enforced by Redis.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Connect accepts either a redis:// URL or a host:port address.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// Tickets are hashes {code, left} that expire with the ticket.
func ticketKey(userID string) string { return "otp:challenge:" + userID }

func (s *RedisStore) Put(ctx context.Context, t Ticket) error {
	key := ticketKey(t.UserID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, "code", t.CodeHash, "left", t.AttemptsLeft)
		p.PExpire(ctx, key, t.TTL())
		return nil
	})
	return err
}

func (s *RedisStore) Consume(ctx context.Context, userID, codeHash string, _ time.Time) (bool, error) {
	n, err := consumeScript.Run(ctx, s.client, []string{ticketKey(userID)}, codeHash).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
