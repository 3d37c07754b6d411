package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// appendScript assigns the next sequence, adds the message and trims the
// sorted set to the newest ARGV[2] members in one atomic step. If the result
// breaks ordering or the cap, every change is undone before the error reply.
var appendScript = redis.NewScript(`
local prev = tonumber(redis.call('GET', KEYS[2]) or '0')
local seq = prev + 1
local top = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if top[2] and tonumber(top[2]) >= seq then
  return redis.error_reply('` + invariantReplyPrefix + ` sequence ' .. seq .. ' does not follow ' .. top[2])
end
local max = tonumber(ARGV[2])
local member = seq .. ':' .. ARGV[1]
redis.call('ZADD', KEYS[1], seq, member)
local evicted = redis.call('ZRANGE', KEYS[1], 0, -(max + 1), 'WITHSCORES')
redis.call('ZREMRANGEBYRANK', KEYS[1], 0, -(max + 1))
local n = redis.call('ZCARD', KEYS[1])
if n > max then
  for i = 1, #evicted, 2 do
    redis.call('ZADD', KEYS[1], evicted[i + 1], evicted[i])
  end
  redis.call('ZREM', KEYS[1], member)
  return redis.error_reply('` + invariantReplyPrefix + ` ' .. n .. ' messages retained, cap is ' .. max)
end
redis.call('SET', KEYS[2], seq)
return {seq, n}
`)

// invariantReplyPrefix marks script errors that signal a broken invariant
// rather than an unreachable server.
const invariantReplyPrefix = "RELAYBOT_INVARIANT"

// RedisStore keeps each user's conversation in a sorted set scored by sequence.
type RedisStore struct {
	client    *redis.Client
	maxMemory int
}

type redisPayload struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"created_at"`
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string, maxMemory int) (*RedisStore, error) {
	if maxMemory <= 0 {
		maxMemory = DefaultMaxMemory
	}
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client, maxMemory: maxMemory}, nil
}

func messagesKey(userID string) string {
	return fmt.Sprintf("relaybot:conv:{%s}:messages", userID)
}

func sequenceKey(userID string) string {
	return fmt.Sprintf("relaybot:conv:{%s}:seq", userID)
}

func (s *RedisStore) Append(ctx context.Context, userID string, role Role, text string) (int64, error) {
	if err := validateAppend(userID, role, text); err != nil {
		return 0, err
	}

	data, err := json.Marshal(redisPayload{
		ID:        ulid.Make().String(),
		Role:      role,
		Text:      text,
		CreatedAt: time.Now().UTC().UnixMilli(),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: encode message: %v", ErrInvalidMessage, err)
	}

	out, err := appendScript.Run(ctx, s.client,
		[]string{messagesKey(userID), sequenceKey(userID)},
		string(data), s.maxMemory,
	).Int64Slice()
	if err != nil {
		if detail, ok := strings.CutPrefix(err.Error(), invariantReplyPrefix+" "); ok {
			return 0, &InvariantError{UserID: userID, Detail: detail}
		}
		return 0, unavailable(s.Backend(), "append", err)
	}
	if len(out) != 2 {
		return 0, unavailable(s.Backend(), "append", fmt.Errorf("unexpected script reply %v", out))
	}
	return out[0], nil
}

func (s *RedisStore) Recent(ctx context.Context, userID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}

	// Newest first.
	results, err := s.client.ZRevRangeWithScores(ctx, messagesKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, unavailable(s.Backend(), "recent", err)
	}

	messages := make([]Message, 0, len(results))
	for _, z := range results {
		member, _ := z.Member.(string)
		msg, err := decodeMember(userID, member)
		if err != nil {
			return nil, unavailable(s.Backend(), "recent", err)
		}
		messages = append(messages, msg)
	}

	reverse(messages)
	return messages, nil
}

func decodeMember(userID, member string) (Message, error) {
	seqPart, body, ok := strings.Cut(member, ":")
	if !ok {
		return Message{}, fmt.Errorf("malformed member %q", member)
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("malformed sequence %q: %w", seqPart, err)
	}
	var p redisPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return Message{}, fmt.Errorf("decode message %d: %w", seq, err)
	}
	return Message{
		ID:        p.ID,
		UserID:    userID,
		Role:      p.Role,
		Text:      p.Text,
		Sequence:  seq,
		CreatedAt: time.UnixMilli(p.CreatedAt).UTC(),
	}, nil
}

func (s *RedisStore) Count(ctx context.Context, userID string) (int, error) {
	n, err := s.client.ZCard(ctx, messagesKey(userID)).Result()
	if err != nil {
		return 0, unavailable(s.Backend(), "count", err)
	}
	return int(n), nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return unavailable(s.Backend(), "ping", s.client.Ping(ctx).Err())
}

func (s *RedisStore) Backend() string { return BackendRedis }

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
