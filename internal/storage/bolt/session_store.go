package bolt

import (
	"bytes"
	"context"
	"errors"

	"github.com/zrolabs/zrocontrol/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	db *bbolt.DB
}

func pairKey(deviceID, userID string) string {
	return storage.DeviceKey(deviceID) + "/" + userID
}

func (s *sessionStore) Append(ctx context.Context, session storage.WatchSession) error {
	key := pairKey(session.DeviceID, session.UserID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketSessions))
		if b == nil {
			return errors.New("sessions bucket missing")
		}
		history := storage.UserHistory{
			DeviceID: session.DeviceID,
			UserID:   session.UserID,
		}
		if existing := b.Get([]byte(key)); existing != nil {
			if err := unmarshal(existing, &history); err != nil {
				return err
			}
		}
		history.Sessions = storage.AppendCapped(history.Sessions, session)
		if session.EndTime != nil {
			history.UpdatedAt = *session.EndTime
		}
		data, err := marshal(history)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *sessionStore) ListByUser(ctx context.Context, deviceID, userID string) ([]storage.WatchSession, error) {
	history, err := getBucketValue[storage.UserHistory](ctx, s.db, bucketSessions, pairKey(deviceID, userID))
	if errors.Is(err, storage.ErrNotFound) {
		return []storage.WatchSession{}, nil
	}
	if err != nil {
		return nil, err
	}
	return history.Sessions, nil
}

func (s *sessionStore) ListByDevice(ctx context.Context, deviceID string) ([]storage.WatchSession, error) {
	prefix := []byte(storage.DeviceKey(deviceID) + "/")
	sessions := make([]storage.WatchSession, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketSessions))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var history storage.UserHistory
			if err := unmarshal(v, &history); err != nil {
				return err
			}
			sessions = append(sessions, history.Sessions...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	storage.SortSessions(sessions)
	return sessions, nil
}
