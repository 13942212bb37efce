package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// SessionStore is the thin atomic veneer over Storage used by the
// connector state machine. A SessionStore owns exactly one
// ConnectionRecord, stored under the fixed "connection" key, so two
// instances over the same Storage backend share that record. Its mutex
// serializes access within one instance only; concurrent access to the
// same record from two instances or processes is unsupported.
type SessionStore struct {
	kv  Storage
	mu  sync.Mutex // serializes read-modify-write sequences per record
	log *logrus.Entry
}

// NewSessionStore wraps a Storage backend.
func NewSessionStore(kv Storage) *SessionStore {
	return &SessionStore{kv: kv, log: logrus.WithField("prefix", "SessionStore")}
}

// GetConnection reads the persisted ConnectionRecord, if any.
func (s *SessionStore) GetConnection(ctx context.Context) (*ConnectionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.kv.GetItem(ctx, connectionKey, "")
	if err != nil {
		return nil, false, fmt.Errorf("store: get connection: %w", err)
	}
	if raw == "" {
		return nil, false, nil
	}

	var rec ConnectionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.log.WithError(err).Warn("malformed connection record, treating as absent")
		return nil, false, nil
	}
	return &rec, true, nil
}

// SetConnection persists the full ConnectionRecord.
func (s *SessionStore) SetConnection(ctx context.Context, rec ConnectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal connection record: %w", err)
	}
	return s.kv.SetItem(ctx, connectionKey, string(raw))
}

// RemoveConnection deletes the persisted record and its bridge cursor.
func (s *SessionStore) RemoveConnection(ctx context.Context, bridgeURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.RemoveItem(ctx, connectionKey); err != nil {
		return fmt.Errorf("store: remove connection: %w", err)
	}
	if bridgeURL != "" {
		if err := s.kv.RemoveItem(ctx, LastEventIDKey(bridgeURL)); err != nil {
			return fmt.Errorf("store: remove last event id: %w", err)
		}
	}
	return nil
}

// GetLastWalletEventID reads the persisted watermark; ok is false when
// no record exists.
func (s *SessionStore) GetLastWalletEventID(ctx context.Context) (int64, bool, error) {
	rec, ok, err := s.GetConnection(ctx)
	if err != nil || !ok {
		return 0, false, err
	}
	return rec.LastWalletEventID, true, nil
}

// SetLastWalletEventID updates the watermark, but only when a
// connect_event is already present — a record that has never seen a
// wallet connect has nothing to checkpoint against.
func (s *SessionStore) SetLastWalletEventID(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.kv.GetItem(ctx, connectionKey, "")
	if err != nil {
		return fmt.Errorf("store: get connection: %w", err)
	}
	if raw == "" {
		return nil
	}

	var rec ConnectionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("store: unmarshal connection: %w", err)
	}
	if rec.ConnectEvent == nil {
		return nil
	}

	rec.LastWalletEventID = id
	out, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal connection: %w", err)
	}
	return s.kv.SetItem(ctx, connectionKey, string(out))
}

// IncreaseNextRPCRequestID performs a read-modify-write on
// next_rpc_request_id and returns the pre-increment value as a decimal
// string, per the bridge wire format for request.id.
func (s *SessionStore) IncreaseNextRPCRequestID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.kv.GetItem(ctx, connectionKey, "")
	if err != nil {
		return "", fmt.Errorf("store: get connection: %w", err)
	}
	if raw == "" {
		return "", fmt.Errorf("store: no connection record to increment")
	}

	var rec ConnectionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", fmt.Errorf("store: unmarshal connection: %w", err)
	}

	pre := rec.NextRPCRequestID
	rec.NextRPCRequestID = pre + 1

	out, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("store: marshal connection: %w", err)
	}
	if err := s.kv.SetItem(ctx, connectionKey, string(out)); err != nil {
		return "", fmt.Errorf("store: persist incremented id: %w", err)
	}

	return fmt.Sprintf("%d", pre), nil
}

// GetLastEventID reads the per-bridge SSE resume cursor.
func (s *SessionStore) GetLastEventID(ctx context.Context, bridgeURL string) (string, error) {
	return s.kv.GetItem(ctx, LastEventIDKey(bridgeURL), "")
}

// SetLastEventID persists the per-bridge SSE resume cursor.
func (s *SessionStore) SetLastEventID(ctx context.Context, bridgeURL, cursor string) error {
	return s.kv.SetItem(ctx, LastEventIDKey(bridgeURL), cursor)
}
