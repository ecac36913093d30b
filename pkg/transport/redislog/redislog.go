// Package redislog implements the identity resolver and log service on Redis.
// Each conversation log is a stream whose entry ids are 0-<position>; a Lua
// script assigns positions so appends are atomic and totally ordered.
// Keys for inbox memberships and notify channels are built inside the script,
// so a single Redis node (or one hash slot) is assumed.
package redislog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"groupsync/pkg/errs"
	"groupsync/pkg/identity"
	"groupsync/pkg/logger"
	"groupsync/pkg/models"
	"groupsync/pkg/transport"
)

var (
	_ transport.IdentityResolver = (*Log)(nil)
	_ transport.LogService       = (*Log)(nil)
)

const rejectedPrefix = "REJECTED"

// KEYS: stream, head hash, members set.
// ARGV: kind, expected, ts (zero padded), commit json, maxlen, prefix,
// conversation id, recipient count, recipients..., removed...
var appendScript = redis.NewScript(`
local head = tonumber(redis.call('HGET', KEYS[2], 'pos') or '0')
if ARGV[1] == 'create' then
  if head ~= 0 then return redis.error_reply('REJECTED log already exists') end
elseif head == 0 then
  return redis.error_reply('REJECTED no such conversation')
end
local expected = tonumber(ARGV[2])
if expected ~= 0 and expected ~= head then
  return redis.error_reply('REJECTED expected ' .. expected .. ' head ' .. head)
end
local ts = ARGV[3]
local last = redis.call('HGET', KEYS[2], 'ts')
if last and last > ts then ts = last end
local pos = head + 1
redis.call('HSET', KEYS[2], 'pos', pos, 'ts', ts)
local maxlen = tonumber(ARGV[5])
if maxlen > 0 then
  redis.call('XADD', KEYS[1], 'MAXLEN', '~', maxlen, '0-' .. pos, 'ts', ts, 'commit', ARGV[4])
else
  redis.call('XADD', KEYS[1], '0-' .. pos, 'ts', ts, 'commit', ARGV[4])
end
local prefix = ARGV[6]
local convo = ARGV[7]
local nrec = tonumber(ARGV[8])
local welcomed = {}
for i = 1, nrec do
  local r = ARGV[8 + i]
  if redis.call('SADD', KEYS[3], r) == 1 then
    welcomed[r] = true
    redis.call('PUBLISH', prefix .. ':notify:' .. r, cjson.encode({kind = 'welcome', conversation_id = convo, position = pos}))
  end
  redis.call('SADD', prefix .. ':inbox:' .. r .. ':convos', convo)
end
local removed = {}
for i = 9 + nrec, #ARGV do
  redis.call('SREM', KEYS[3], ARGV[i])
  removed[#removed + 1] = ARGV[i]
end
local entry = cjson.encode({kind = 'entry', conversation_id = convo, position = pos})
for _, m in ipairs(redis.call('SMEMBERS', KEYS[3])) do
  if not welcomed[m] then
    redis.call('PUBLISH', prefix .. ':notify:' .. m, entry)
  end
end
for _, m in ipairs(removed) do
  redis.call('PUBLISH', prefix .. ':notify:' .. m, entry)
end
return pos
`)

// Options configures a Log.
type Options struct {
	// Prefix namespaces every key. Defaults to "groupsync".
	Prefix string
	// MaxLen approximately caps each conversation stream; 0 keeps everything.
	MaxLen int64
}

// Log is a Redis-backed identity resolver and log service.
type Log struct {
	client *redis.Client
	prefix string
	maxLen int64
}

// New wraps client.
func New(client *redis.Client, opts Options) *Log {
	p := strings.TrimSpace(opts.Prefix)
	if p == "" {
		p = "groupsync"
	}
	return &Log{client: client, prefix: p, maxLen: opts.MaxLen}
}

func (l *Log) streamKey(id string) string  { return l.prefix + ":log:" + id }
func (l *Log) headKey(id string) string    { return l.prefix + ":head:" + id }
func (l *Log) membersKey(id string) string { return l.prefix + ":members:" + id }
func (l *Log) inboxKey(inbox string) string {
	return l.prefix + ":inbox:" + inbox + ":convos"
}
func (l *Log) notifyChannel(inbox string) string { return l.prefix + ":notify:" + inbox }
func (l *Log) identityKey() string               { return l.prefix + ":identity" }
func (l *Log) installationsKey(inbox string) string {
	return l.prefix + ":installations:" + inbox
}

// Register links address to the inbox id derived with nonce and returns it.
// Registering again with another nonce relinks the address.
func (l *Log) Register(ctx context.Context, address string, nonce uint64) (string, error) {
	inboxID := identity.InboxID(address, nonce)
	if err := l.client.HSet(ctx, l.identityKey(), identity.NormalizeAddress(address), inboxID).Err(); err != nil {
		return "", fmt.Errorf("register %s: %w", address, err)
	}
	return inboxID, nil
}

// AddInstallation records installationID under inboxID.
func (l *Log) AddInstallation(ctx context.Context, inboxID, installationID string) error {
	if err := l.client.SAdd(ctx, l.installationsKey(inboxID), installationID).Err(); err != nil {
		return fmt.Errorf("add installation: %w", err)
	}
	return nil
}

func (l *Log) Resolve(ctx context.Context, address string) (string, error) {
	inboxID, err := l.client.HGet(ctx, l.identityKey(), identity.NormalizeAddress(address)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("resolve %s: %w", address, errs.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", address, err)
	}
	return inboxID, nil
}

func (l *Log) InstallationIDs(ctx context.Context, inboxID string) ([]string, error) {
	ids, err := l.client.SMembers(ctx, l.installationsKey(inboxID)).Result()
	if err != nil {
		return nil, fmt.Errorf("installations %s: %w", inboxID, err)
	}
	slices.Sort(ids)
	return ids, nil
}

func (l *Log) AppendCommit(ctx context.Context, conversationID string, commit models.Commit) (uint64, error) {
	if conversationID == "" || commit.SenderInboxID == "" {
		return 0, fmt.Errorf("append: conversation and sender are required")
	}
	body, err := json.Marshal(commit)
	if err != nil {
		return 0, fmt.Errorf("encode commit: %w", err)
	}
	ts := fmt.Sprintf("%020d", time.Now().UnixNano())
	args := []any{string(commit.Kind), commit.ExpectedPosition, ts, string(body), l.maxLen, l.prefix, conversationID, len(commit.Recipients)}
	for _, r := range commit.Recipients {
		args = append(args, r)
	}
	for _, r := range commit.Removed {
		args = append(args, r)
	}
	keys := []string{l.streamKey(conversationID), l.headKey(conversationID), l.membersKey(conversationID)}
	pos, err := appendScript.Run(ctx, l.client, keys, args...).Int64()
	if err != nil {
		if strings.HasPrefix(err.Error(), rejectedPrefix) {
			return 0, fmt.Errorf("append %s: %s: %w", conversationID, err.Error(), errs.ErrRejected)
		}
		return 0, fmt.Errorf("append %s: %w", conversationID, err)
	}
	logger.Debug("redislog_commit_appended", "conversation", conversationID, "position", pos, "kind", commit.Kind)
	return uint64(pos), nil
}

func (l *Log) FetchSince(ctx context.Context, conversationID string, cursor uint64) ([]models.LogEntry, error) {
	head, err := l.client.HGet(ctx, l.headKey(conversationID), "pos").Uint64()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch head %s: %w", conversationID, err)
	}
	if cursor >= head {
		return nil, nil
	}
	msgs, err := l.client.XRange(ctx, l.streamKey(conversationID), "0-"+strconv.FormatUint(cursor+1, 10), "+").Result()
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", conversationID, err)
	}
	out := make([]models.LogEntry, 0, len(msgs))
	for _, m := range msgs {
		e, err := decodeEntry(conversationID, m)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if len(out) == 0 || out[0].Position != cursor+1 {
		return nil, fmt.Errorf("fetch %s since %d: stream trimmed: %w", conversationID, cursor, errs.ErrSyncGap)
	}
	return out, nil
}

func decodeEntry(conversationID string, m redis.XMessage) (models.LogEntry, error) {
	var e models.LogEntry
	_, seq, ok := strings.Cut(m.ID, "-")
	if !ok {
		return e, fmt.Errorf("entry id %q: %w", m.ID, errs.ErrDecode)
	}
	pos, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return e, fmt.Errorf("entry id %q: %w", m.ID, errs.ErrDecode)
	}
	tsRaw, _ := m.Values["ts"].(string)
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return e, fmt.Errorf("entry %d ts %q: %w", pos, tsRaw, errs.ErrDecode)
	}
	body, _ := m.Values["commit"].(string)
	if err := json.Unmarshal([]byte(body), &e.Commit); err != nil {
		return e, fmt.Errorf("entry %d commit: %v: %w", pos, err, errs.ErrDecode)
	}
	e.ConversationID = conversationID
	e.Position = pos
	e.SentAtNs = ts
	return e, nil
}

func (l *Log) DiscoverMemberships(ctx context.Context, inboxID string) ([]string, error) {
	ids, err := l.client.SMembers(ctx, l.inboxKey(inboxID)).Result()
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", inboxID, err)
	}
	slices.Sort(ids)
	return ids, nil
}

func (l *Log) Watch(ctx context.Context, inboxID string) (<-chan transport.Notification, error) {
	ps := l.client.Subscribe(ctx, l.notifyChannel(inboxID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", inboxID, err)
	}
	out := make(chan transport.Notification)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var note transport.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
					logger.Warn("redislog_notification_invalid", "inbox", inboxID, "error", err)
					continue
				}
				select {
				case out <- note:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the underlying client.
func (l *Log) Close() error { return l.client.Close() }
