package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"relaybot/internal/job"
	logx "relaybot/pkg/logx"
)

// redisStore keeps documents in a shared Redis so a fleet of instances can
// be inspected from one place. Each instance should use its own Prefix.
//
// Keys:
//   - <prefix>:<class>:progress         JSON string
//   - <prefix>:<class>:ledger           JSON string
//   - <prefix>:<class>:deliveries:<day> hash messageId -> JSON row
//   - <prefix>:delivery-days            set of "<class>|<day>"
//   - <prefix>:audit                    list of JSON entries
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisStore(client, cfg.Prefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "relaybot"
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) LoadProgress(ctx context.Context, class job.Class) (Progress, bool, error) {
	b, err := s.client.Get(ctx, s.key(string(class), "progress")).Bytes()
	if errors.Is(err, redis.Nil) {
		return Progress{}, false, nil
	}
	if err != nil {
		return Progress{}, false, err
	}
	var p Progress
	if err := json.Unmarshal(b, &p); err != nil {
		return Progress{}, false, fmt.Errorf("progress %s: %w", class, err)
	}
	return p, true, nil
}

func (s *redisStore) SaveProgress(ctx context.Context, class job.Class, p Progress) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(string(class), "progress"), b, 0).Err()
}

func (s *redisStore) ClearProgress(ctx context.Context, class job.Class) error {
	return s.client.Del(ctx, s.key(string(class), "progress")).Err()
}

func (s *redisStore) LoadLedger(ctx context.Context, class job.Class) ([]LedgerItem, error) {
	b, err := s.client.Get(ctx, s.key(string(class), "ledger")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var items []LedgerItem
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("ledger %s: %w", class, err)
	}
	return items, nil
}

func (s *redisStore) SaveLedger(ctx context.Context, class job.Class, items []LedgerItem) error {
	if items == nil {
		items = []LedgerItem{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(string(class), "ledger"), b, 0).Err()
}

func (s *redisStore) UpsertDelivery(ctx context.Context, class job.Class, day string, e DeliveryEntry) error {
	if e.MessageID == "" {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(string(class), "deliveries", day), e.MessageID, b)
	pipe.SAdd(ctx, s.key("delivery-days"), string(class)+"|"+day)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) Deliveries(ctx context.Context, class job.Class, day string) ([]DeliveryEntry, error) {
	m, err := s.client.HGetAll(ctx, s.key(string(class), "deliveries", day)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeliveryEntry, 0, len(m))
	for id, raw := range m {
		var e DeliveryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.log.Warn("delivery row unreadable", logx.String("message_id", id), logx.Err(err))
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out, nil
}

func (s *redisStore) PruneDeliveries(ctx context.Context, before string) (int, error) {
	members, err := s.client.SMembers(ctx, s.key("delivery-days")).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range members {
		class, day, ok := strings.Cut(m, "|")
		if !ok || day >= before {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, s.key(class, "deliveries", day))
		pipe.SRem(ctx, s.key("delivery-days"), m)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key("audit"), b).Err()
}
