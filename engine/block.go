package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	experiment "github.com/goliatone/go-experiment"
)

// RootScope is the scope every experiment starts with.
const RootScope = "root"

// ScopeVar references one output port of one block. Identity is the pair
// (BlockUUID, VarName); DataType and Alias are annotations.
type ScopeVar struct {
	BlockUUID string               `json:"block_uuid"`
	VarName   string               `json:"var_name"`
	DataType  experiment.ValueKind `json:"data_type,omitempty"`
	Alias     string               `json:"alias,omitempty"`
}

// Key returns the identity of v as "<block_uuid>:<var_name>".
func (v ScopeVar) Key() string {
	return v.BlockUUID + ":" + v.VarName
}

// Same reports whether v and other reference the same port.
func (v ScopeVar) Same(other ScopeVar) bool {
	return v.BlockUUID == other.BlockUUID && v.VarName == other.VarName
}

func (v ScopeVar) IsZero() bool {
	return v.BlockUUID == "" && v.VarName == ""
}

func (v ScopeVar) String() string {
	if v.Alias != "" {
		return v.Alias
	}
	return v.Key()
}

// ParseScopeVar parses the "<block_uuid>:<var_name>" form returned by Key.
func ParseScopeVar(key string) (ScopeVar, error) {
	uuid, name, ok := strings.Cut(key, ":")
	if !ok || uuid == "" || name == "" {
		return ScopeVar{}, fmt.Errorf("invalid scope var key %q", key)
	}
	return ScopeVar{BlockUUID: uuid, VarName: name}, nil
}

// JobRef tracks the asynchronous job a block is waiting on.
type JobRef struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	OnSuccess string    `json:"on_success"`
	OnError   string    `json:"on_error"`
	StartedAt time.Time `json:"started_at"`
}

// Block is the persisted document of one pipeline step.
type Block struct {
	UUID        string                      `json:"uuid"`
	Kind        string                      `json:"kind"`
	Alias       string                      `json:"alias"`
	ScopeName   string                      `json:"scope_name"`
	ExpID       string                      `json:"exp_id"`
	State       string                      `json:"state"`
	BoundInputs map[string]ScopeVar         `json:"bound_inputs,omitempty"`
	Params      map[string]any              `json:"params,omitempty"`
	OutData     map[string]experiment.Value `json:"out_data,omitempty"`
	Errors      []string                    `json:"errors,omitempty"`
	Job         *JobRef                     `json:"job,omitempty"`
	SubScope    string                      `json:"sub_scope,omitempty"`
	Meta        *MetaState                  `json:"meta,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

// Cell is one iteration's inputs, keyed by inner variable name.
type Cell map[string]experiment.Value

// ResultCell accumulates the values collected from one iteration.
type ResultCell struct {
	Label    string                      `json:"label"`
	Fields   map[string]experiment.Value `json:"fields"`
	Complete bool                        `json:"complete"`
}

// CollectorEntry asks a meta-block to collect Var under Name on every
// iteration.
type CollectorEntry struct {
	Name string   `json:"name"`
	Var  ScopeVar `json:"var"`
}

// MetaState is the iteration state of a meta-block.
type MetaState struct {
	Sequence  []Cell           `json:"sequence,omitempty"`
	Iterator  int              `json:"iterator"`
	Results   []ResultCell     `json:"results,omitempty"`
	Collector []CollectorEntry `json:"collector,omitempty"`
}

func newMetaState() *MetaState {
	return &MetaState{Iterator: -1}
}

// Reset clears iteration progress and keeps the collector.
func (m *MetaState) Reset() {
	m.Sequence = nil
	m.Results = nil
	m.Iterator = -1
}

// Current returns the cell at the iterator.
func (m *MetaState) Current() (Cell, bool) {
	if m == nil || m.Iterator < 0 || m.Iterator >= len(m.Sequence) {
		return nil, false
	}
	return m.Sequence[m.Iterator], true
}

// Collecting returns the collector entry for name.
func (m *MetaState) Collecting(name string) (CollectorEntry, bool) {
	if m == nil {
		return CollectorEntry{}, false
	}
	for _, entry := range m.Collector {
		if entry.Name == name {
			return entry, true
		}
	}
	return CollectorEntry{}, false
}

// Value returns what the block currently exposes on port name. For a
// meta-block mid-iteration the current cell shadows OutData.
func (b *Block) Value(name string) (experiment.Value, bool) {
	if cell, ok := b.Meta.Current(); ok {
		if v, ok := cell[name]; ok {
			return v, true
		}
	}
	v, ok := b.OutData[name]
	if !ok || v.IsZero() {
		return experiment.Value{}, false
	}
	return v, true
}

// ClearExecution drops outputs, errors and job tracking.
func (b *Block) ClearExecution() {
	b.OutData = nil
	b.Errors = nil
	b.Job = nil
	if b.Meta != nil {
		b.Meta.Reset()
	}
}

// AddError records msg in the visible error list.
func (b *Block) AddError(msg string) {
	b.Errors = append(b.Errors, msg)
}

// Clone returns a deep copy.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		panic(fmt.Sprintf("engine: block %s not serializable: %v", b.UUID, err))
	}
	out := &Block{}
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("engine: block %s not deserializable: %v", b.UUID, err))
	}
	return out
}

// SubScopeName derives the nested scope name of a meta-block.
func SubScopeName(blockUUID string) string {
	return "sub_" + blockUUID
}
