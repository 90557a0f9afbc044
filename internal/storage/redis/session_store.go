package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/zrolabs/zrocontrol/internal/storage"
)

const (
	historyKeyPrefix = "zro:history:"
	historyUsersKey  = "zro:history:users:"
)

type sessionStore struct {
	client *redis.Client
}

func historyKey(deviceID, userID string) string {
	return historyKeyPrefix + storage.DeviceKey(deviceID) + ":" + userID
}

func (s *sessionStore) Append(ctx context.Context, session storage.WatchSession) error {
	key := historyKey(session.DeviceID, session.UserID)

	history := storage.UserHistory{
		DeviceID: session.DeviceID,
		UserID:   session.UserID,
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("load history: %w", err)
	}
	if err == nil {
		if uerr := json.Unmarshal(data, &history); uerr != nil {
			return fmt.Errorf("unmarshal history: %w", uerr)
		}
	}

	history.Sessions = storage.AppendCapped(history.Sessions, session)
	if session.EndTime != nil {
		history.UpdatedAt = *session.EndTime
	}

	out, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, out, 0)
	pipe.SAdd(ctx, historyUsersKey+storage.DeviceKey(session.DeviceID), session.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append session: %w", err)
	}
	return nil
}

func (s *sessionStore) ListByUser(ctx context.Context, deviceID, userID string) ([]storage.WatchSession, error) {
	data, err := s.client.Get(ctx, historyKey(deviceID, userID)).Bytes()
	if err == redis.Nil {
		return []storage.WatchSession{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list by user: %w", err)
	}
	var history storage.UserHistory
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return history.Sessions, nil
}

func (s *sessionStore) ListByDevice(ctx context.Context, deviceID string) ([]storage.WatchSession, error) {
	users, err := s.client.SMembers(ctx, historyUsersKey+storage.DeviceKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list by device: %w", err)
	}
	sessions := make([]storage.WatchSession, 0)
	for _, userID := range users {
		userSessions, err := s.ListByUser(ctx, deviceID, userID)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, userSessions...)
	}
	storage.SortSessions(sessions)
	return sessions, nil
}
