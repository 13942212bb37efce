package store

import (
	"encoding/json"
	"strconv"
)

// connectionRecordWire mirrors ConnectionRecord but with the two
// monotonic counters as decimal strings, matching the on-disk JSON
// format: {"last_wallet_event_id":"<dec>","next_rpc_request_id":"<dec>"}.
type connectionRecordWire struct {
	Type              string         `json:"type"`
	Session           Session        `json:"session"`
	ConnectionSource  ConnectionItem `json:"connection_source"`
	ConnectEvent      map[string]any `json:"connect_event"`
	LastWalletEventID string         `json:"last_wallet_event_id"`
	NextRPCRequestID  string         `json:"next_rpc_request_id"`
}

// MarshalJSON encodes the two monotonic counters as decimal strings.
// The in-memory type stays int64 everywhere else; only the wire/storage
// encoding is string.
func (r ConnectionRecord) MarshalJSON() ([]byte, error) {
	w := connectionRecordWire{
		Type:              r.Type,
		Session:           r.Session,
		ConnectionSource:  r.ConnectionSource,
		ConnectEvent:      r.ConnectEvent,
		LastWalletEventID: strconv.FormatInt(r.LastWalletEventID, 10),
		NextRPCRequestID:  strconv.FormatInt(r.NextRPCRequestID, 10),
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the decimal-string counters back into int64
// immediately, so every subsequent comparison in the codebase is an
// integer comparison.
func (r *ConnectionRecord) UnmarshalJSON(data []byte) error {
	var w connectionRecordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	r.Type = w.Type
	r.Session = w.Session
	r.ConnectionSource = w.ConnectionSource
	r.ConnectEvent = w.ConnectEvent

	if w.LastWalletEventID != "" {
		v, err := strconv.ParseInt(w.LastWalletEventID, 10, 64)
		if err != nil {
			return err
		}
		r.LastWalletEventID = v
	}
	if w.NextRPCRequestID != "" {
		v, err := strconv.ParseInt(w.NextRPCRequestID, 10, 64)
		if err != nil {
			return err
		}
		r.NextRPCRequestID = v
	}
	return nil
}
