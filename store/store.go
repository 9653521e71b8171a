// Package store persists experiment contexts as versioned records and
// provides the read-merge-compare-and-swap update loop on top of them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SchemaVersion is the payload layout version written by this package.
const SchemaVersion = 1

var (
	// ErrVersionConflict indicates a compare-and-swap mismatch.
	ErrVersionConflict = errors.New("context version conflict")
	errNotConfigured   = errors.New("store not configured")
)

// ContextRecord is the versioned shared context of one experiment.
type ContextRecord struct {
	ExpID     string
	Version   int
	Data      map[string]json.RawMessage
	UpdatedAt time.Time
}

// Store persists context records with optimistic versioning.
type Store interface {
	// Load returns nil, nil when the experiment has no context yet.
	Load(ctx context.Context, expID string) (*ContextRecord, error)
	// CompareAndSwap writes rec when the stored version equals expectedVersion
	// (0 meaning "absent") and returns the new version, or ErrVersionConflict.
	CompareAndSwap(ctx context.Context, rec *ContextRecord, expectedVersion int) (int, error)
	Delete(ctx context.Context, expID string) error
	List(ctx context.Context) ([]string, error)
}

type payload struct {
	SchemaVersion int                        `json:"schema_version"`
	Data          map[string]json.RawMessage `json:"data"`
}

func encodeData(data map[string]json.RawMessage) ([]byte, error) {
	if data == nil {
		data = map[string]json.RawMessage{}
	}
	return json.Marshal(payload{SchemaVersion: SchemaVersion, Data: data})
}

func decodeData(raw []byte) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode context payload: %w", err)
	}
	if p.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("context payload schema %d is newer than supported %d", p.SchemaVersion, SchemaVersion)
	}
	if p.Data == nil {
		p.Data = map[string]json.RawMessage{}
	}
	return p.Data, nil
}

func normalizeRecord(rec *ContextRecord) (*ContextRecord, error) {
	if rec == nil {
		return nil, errors.New("context record required")
	}
	cp := CloneRecord(rec)
	cp.ExpID = strings.TrimSpace(cp.ExpID)
	if cp.ExpID == "" {
		return nil, errors.New("context record experiment id required")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	return cp, nil
}

// CloneRecord deep copies rec.
func CloneRecord(rec *ContextRecord) *ContextRecord {
	if rec == nil {
		return nil
	}
	cp := *rec
	cp.Data = CloneData(rec.Data)
	return &cp
}

// CloneData deep copies a context data map.
func CloneData(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Key joins a namespace and id the way context keys are laid out
// ("block::<uuid>", "scope::<name>").
func Key(namespace, id string) string {
	ns := strings.TrimSpace(namespace)
	ident := strings.TrimSpace(id)
	if ns == "" {
		return ident
	}
	return ns + "::" + ident
}

// KeysWithPrefix returns the sorted keys of data starting with prefix.
func KeysWithPrefix(data map[string]json.RawMessage, prefix string) []string {
	var keys []string
	for k := range data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func formatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(value string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}
	}
	return ts
}

func checkVersion(current *ContextRecord, expectedVersion int) (int, error) {
	if expectedVersion < 0 {
		expectedVersion = 0
	}
	if current == nil {
		if expectedVersion != 0 {
			return 0, ErrVersionConflict
		}
		return 1, nil
	}
	if current.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	return expectedVersion + 1, nil
}
