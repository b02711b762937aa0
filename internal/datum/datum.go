// Package datum defines the atomic, content-addressable record that every
// storage backend puts, gets, and lists.
package datum

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Datum is an immutable record. Two Datums are equal by value across all
// fields; "updating" a Datum means storing a new value under the same ID.
type Datum struct {
	ID           string            `json:"id"`
	Content      []byte            `json:"-"`
	CreatedAt    float64           `json:"created_at"`
	CausalParent string            `json:"causal_parent,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Params configures Create. Leave ID empty to have one assigned.
type Params struct {
	ID               string
	CausalParent     string
	Metadata         map[string]string
	ContentAddressed bool
}

var tsGate struct {
	mu   sync.Mutex
	last float64 // last-issued timestamp, unix seconds
}

// nextTimestamp returns the current wall-clock time as unix seconds,
// advancing to the next representable float64 above the previously issued
// value when the clock has not moved past it, so that two Datums created
// back-to-back within the same clock tick still order deterministically
// under list()'s created_at DESC requirement.
func nextTimestamp() float64 {
	tsGate.mu.Lock()
	defer tsGate.mu.Unlock()

	now := float64(time.Now().UnixNano()) / 1e9
	if now <= tsGate.last {
		now = math.Nextafter(tsGate.last, math.Inf(1))
	}
	tsGate.last = now
	return now
}

// ContentAddress returns the SHA-256 hex digest of content.
func ContentAddress(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Create builds a new Datum. If params.ContentAddressed is true, the ID is
// the SHA-256 hex digest of content (identical content yields identical
// IDs regardless of params.ID). Otherwise the ID is params.ID if given, or
// a fresh random token.
func Create(content []byte, params Params) *Datum {
	id := params.ID
	switch {
	case params.ContentAddressed:
		id = ContentAddress(content)
	case id == "":
		id = uuid.New().String()
	}

	return &Datum{
		ID:           id,
		Content:      content,
		CreatedAt:    nextTimestamp(),
		CausalParent: params.CausalParent,
		Metadata:     cloneMeta(params.Metadata),
	}
}

// Derive creates a new Datum whose CausalParent is d.ID.
func (d *Datum) Derive(content []byte, params Params) *Datum {
	params.CausalParent = d.ID
	return Create(content, params)
}

// WithMetadata returns a copy of d with the given key/value pairs merged
// into its metadata. d itself is unchanged.
func (d *Datum) WithMetadata(kv map[string]string) *Datum {
	merged := cloneMeta(d.Metadata)
	if merged == nil {
		merged = make(map[string]string, len(kv))
	}
	for k, v := range kv {
		merged[k] = v
	}

	out := *d
	out.Content = append([]byte(nil), d.Content...)
	out.Metadata = merged
	return &out
}

// Size returns len(Content).
func (d *Datum) Size() int {
	return len(d.Content)
}

// wireForm is the on-disk/on-wire JSON shape: content is base64 so the
// format tolerates arbitrary bytes.
type wireForm struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	CreatedAt    float64           `json:"created_at"`
	CausalParent *string           `json:"causal_parent"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (d *Datum) toWire() wireForm {
	w := wireForm{
		ID:        d.ID,
		Content:   base64.StdEncoding.EncodeToString(d.Content),
		CreatedAt: d.CreatedAt,
		Metadata:  d.Metadata,
	}
	if d.CausalParent != "" {
		cp := d.CausalParent
		w.CausalParent = &cp
	}
	return w
}

func fromWire(w wireForm) (*Datum, error) {
	content, err := base64.StdEncoding.DecodeString(w.Content)
	if err != nil {
		return nil, fmt.Errorf("datum: decode content: %w", err)
	}
	d := &Datum{
		ID:        w.ID,
		Content:   content,
		CreatedAt: w.CreatedAt,
		Metadata:  w.Metadata,
	}
	if w.CausalParent != nil {
		d.CausalParent = *w.CausalParent
	}
	return d, nil
}

// ToJSON serializes d to its canonical JSON form.
func (d *Datum) ToJSON() ([]byte, error) {
	return json.Marshal(d.toWire())
}

// FromJSON parses the canonical JSON form produced by ToJSON.
func FromJSON(data []byte) (*Datum, error) {
	var w wireForm
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("datum: unmarshal: %w", err)
	}
	return fromWire(w)
}

// ToLine renders d as a single line of JSON with no trailing newline, for
// use in newline-delimited append logs.
func (d *Datum) ToLine() ([]byte, error) {
	return d.ToJSON()
}

// FromLine parses a single append-log line produced by ToLine.
func FromLine(line []byte) (*Datum, error) {
	return FromJSON(line)
}

// Equal reports whether d and other carry identical field values.
func (d *Datum) Equal(other *Datum) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.ID != other.ID || d.CreatedAt != other.CreatedAt || d.CausalParent != other.CausalParent {
		return false
	}
	if len(d.Content) != len(other.Content) {
		return false
	}
	for i := range d.Content {
		if d.Content[i] != other.Content[i] {
			return false
		}
	}
	if len(d.Metadata) != len(other.Metadata) {
		return false
	}
	for k, v := range d.Metadata {
		if other.Metadata[k] != v {
			return false
		}
	}
	return true
}

// Tombstone marks a logical deletion in an append-log file.
type Tombstone struct {
	ID      string `json:"id"`
	Deleted bool   `json:"_deleted"`
}

// ToLine renders the tombstone as a single append-log line.
func (t Tombstone) ToLine() ([]byte, error) {
	t.Deleted = true
	return json.Marshal(t)
}

// IsTombstoneLine reports whether a raw append-log line is a tombstone,
// returning the deleted ID when it is.
func IsTombstoneLine(line []byte) (id string, ok bool) {
	var t Tombstone
	if err := json.Unmarshal(line, &t); err != nil {
		return "", false
	}
	if !t.Deleted || t.ID == "" {
		return "", false
	}
	return t.ID, true
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
