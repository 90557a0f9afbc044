package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/zrolabs/zrocontrol/internal/storage"
)

const (
	deviceKeyPrefix = "zro:device:"
	deviceSetKey    = "zro:devices"
)

type deviceStore struct {
	client *redis.Client
}

func deviceKey(id string) string {
	return deviceKeyPrefix + storage.DeviceKey(id)
}

func (s *deviceStore) Get(ctx context.Context, id string) (*storage.DeviceEntry, error) {
	data, err := s.client.Get(ctx, deviceKey(id)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	var entry storage.DeviceEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal device: %w", err)
	}
	return &entry, nil
}

func (s *deviceStore) List(ctx context.Context) ([]storage.DeviceEntry, error) {
	keys, err := s.client.SMembers(ctx, deviceSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	entries := make([]storage.DeviceEntry, 0, len(keys))
	if len(keys) == 0 {
		return entries, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, deviceKeyPrefix+key)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		var entry storage.DeviceEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *deviceStore) Upsert(ctx context.Context, entry storage.DeviceEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal device: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, deviceKey(entry.ID), data, 0)
	pipe.SAdd(ctx, deviceSetKey, storage.DeviceKey(entry.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (s *deviceStore) Delete(ctx context.Context, id string) error {
	deleted, err := s.client.Del(ctx, deviceKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if err := s.client.SRem(ctx, deviceSetKey, storage.DeviceKey(id)).Err(); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if deleted == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *deviceStore) ReplaceAll(ctx context.Context, entries []storage.DeviceEntry) error {
	existing, err := s.client.SMembers(ctx, deviceSetKey).Result()
	if err != nil {
		return fmt.Errorf("replace devices: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, key := range existing {
		pipe.Del(ctx, deviceKeyPrefix+key)
	}
	pipe.Del(ctx, deviceSetKey)
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal device: %w", err)
		}
		pipe.Set(ctx, deviceKey(entry.ID), data, 0)
		pipe.SAdd(ctx, deviceSetKey, storage.DeviceKey(entry.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replace devices: %w", err)
	}
	return nil
}
