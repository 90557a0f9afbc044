package bolt

import (
	"context"

	"github.com/zrolabs/zrocontrol/internal/storage"
	"go.etcd.io/bbolt"
)

type deviceStore struct {
	db *bbolt.DB
}

func (s *deviceStore) Get(ctx context.Context, id string) (*storage.DeviceEntry, error) {
	return getBucketValue[storage.DeviceEntry](ctx, s.db, bucketDevices, storage.DeviceKey(id))
}

func (s *deviceStore) List(ctx context.Context) ([]storage.DeviceEntry, error) {
	return listBucket[storage.DeviceEntry](ctx, s.db, bucketDevices)
}

func (s *deviceStore) Upsert(ctx context.Context, entry storage.DeviceEntry) error {
	return putBucketValue(ctx, s.db, bucketDevices, storage.DeviceKey(entry.ID), entry)
}

func (s *deviceStore) Delete(ctx context.Context, id string) error {
	return deleteBucketValue(ctx, s.db, bucketDevices, storage.DeviceKey(id))
}

func (s *deviceStore) ReplaceAll(ctx context.Context, entries []storage.DeviceEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := tx.DeleteBucket([]byte(bucketDevices)); err != nil {
			return err
		}
		b, err := tx.CreateBucket([]byte(bucketDevices))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			data, err := marshal(entry)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(storage.DeviceKey(entry.ID)), data); err != nil {
				return err
			}
		}
		return nil
	})
}
