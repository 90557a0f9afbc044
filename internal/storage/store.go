package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Devices() DeviceStore
	Sessions() SessionStore
}

// DeviceStore persists the discovery cache snapshot so known devices
// survive restarts.
type DeviceStore interface {
	Get(ctx context.Context, id string) (*DeviceEntry, error)
	List(ctx context.Context) ([]DeviceEntry, error)
	Upsert(ctx context.Context, entry DeviceEntry) error
	Delete(ctx context.Context, id string) error
	// ReplaceAll atomically replaces the persisted snapshot with the
	// given entries.
	ReplaceAll(ctx context.Context, entries []DeviceEntry) error
}

// SessionStore persists closed watch sessions, one ordered history per
// (device, user) pair.
type SessionStore interface {
	// Append adds a closed session to the pair's history, preserving
	// ascending StartTime order and the per-pair cap.
	Append(ctx context.Context, session WatchSession) error
	// ListByUser returns the pair's closed sessions in ascending
	// StartTime order. A missing history is an empty slice, not an error.
	ListByUser(ctx context.Context, deviceID, userID string) ([]WatchSession, error)
	// ListByDevice returns closed sessions across all users of a device,
	// in ascending StartTime order.
	ListByDevice(ctx context.Context, deviceID string) ([]WatchSession, error)
}
