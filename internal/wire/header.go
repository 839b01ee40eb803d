package wire

import (
	"encoding/json"
	"fmt"
)

// Revision is a source-assigned, monotonically increasing change counter.
type Revision int64

// RevisionPtr returns a pointer to r.
func RevisionPtr(r Revision) *Revision {
	return &r
}

// MaxRevision returns the larger of a and b. A nil revision is treated as
// absent, so MaxRevision(nil, b) is b.
func MaxRevision(a, b *Revision) *Revision {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a >= *b:
		return a
	default:
		return b
	}
}

// EqualRevision reports whether two optional revisions are the same.
func EqualRevision(a, b *Revision) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Header is the metadata record describing one document on one source.
type Header struct {
	ID        string
	Rev       Revision
	Run       *int64
	Type      string
	Hostname  string
	Tag       string
	Timestamp float64

	// Source is the URI of the connection that delivered the header. It is
	// assigned locally and never serialized.
	Source string

	// Extra keeps fields this package does not interpret.
	Extra map[string]json.RawMessage
}

var headerKeys = map[string]bool{
	"_id": true, "_rev": true, "run": true, "type": true,
	"hostname": true, "tag": true, "timestamp": true,
}

// UnmarshalJSON decodes a header, requiring "_id" and "_rev".
func (h *Header) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var out Header
	id, ok := raw["_id"]
	if !ok {
		return fmt.Errorf("header without _id")
	}
	if err := json.Unmarshal(id, &out.ID); err != nil || out.ID == "" {
		return fmt.Errorf("invalid header _id %s", id)
	}

	rev, ok := raw["_rev"]
	if !ok {
		return fmt.Errorf("header %s without _rev", out.ID)
	}
	if err := json.Unmarshal(rev, &out.Rev); err != nil {
		return fmt.Errorf("invalid _rev for header %s: %w", out.ID, err)
	}

	if v, ok := raw["run"]; ok && string(v) != "null" {
		var run int64
		if err := json.Unmarshal(v, &run); err != nil {
			return fmt.Errorf("invalid run for header %s: %w", out.ID, err)
		}
		out.Run = &run
	}

	// Optional string fields tolerate null and wrong types.
	if v, ok := raw["type"]; ok {
		_ = json.Unmarshal(v, &out.Type)
	}
	if v, ok := raw["hostname"]; ok {
		_ = json.Unmarshal(v, &out.Hostname)
	}
	if v, ok := raw["tag"]; ok {
		_ = json.Unmarshal(v, &out.Tag)
	}
	if v, ok := raw["timestamp"]; ok {
		_ = json.Unmarshal(v, &out.Timestamp)
	}

	for k, v := range raw {
		if headerKeys[k] {
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage)
		}
		out.Extra[k] = v
	}

	*h = out
	return nil
}

// MarshalJSON encodes the header in the shape sources publish.
func (h Header) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(h.Extra)+7)
	for k, v := range h.Extra {
		m[k] = v
	}
	m["_id"] = h.ID
	m["_rev"] = h.Rev
	m["run"] = h.Run
	m["timestamp"] = h.Timestamp
	m["type"] = nullable(h.Type)
	m["hostname"] = nullable(h.Hostname)
	m["tag"] = nullable(h.Tag)
	return json.Marshal(m)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
