package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Document is a document body together with the identity it was delivered
// under. A non-full document is a placeholder built from a header while the
// body is still being fetched.
type Document struct {
	ID     string
	Rev    *Revision
	Header *Header
	Body   json.RawMessage
	Full   bool
}

// Placeholder returns the non-full document standing in for h.
func Placeholder(h Header) Document {
	hc := h
	return Document{
		ID:     h.ID,
		Rev:    RevisionPtr(h.Rev),
		Header: &hc,
	}
}

// ParseDocument extracts identity from a delivered document body. The id and
// revision are taken from "_id"/"_rev" and fall back to the embedded
// "_header". A missing revision is left nil for the caller to stamp.
func ParseDocument(raw json.RawMessage) (Document, error) {
	if !gjson.ValidBytes(raw) {
		return Document{}, fmt.Errorf("%w: document is not valid JSON", ErrMalformedFrame)
	}

	body := gjson.ParseBytes(raw)
	if !body.IsObject() {
		return Document{}, fmt.Errorf("%w: document is not an object", ErrMalformedFrame)
	}

	doc := Document{Body: raw, Full: true}

	if h := body.Get("_header"); h.IsObject() {
		var hdr Header
		if err := json.Unmarshal([]byte(h.Raw), &hdr); err == nil {
			doc.Header = &hdr
			doc.ID = hdr.ID
			doc.Rev = RevisionPtr(hdr.Rev)
		}
	}

	if id := body.Get("_id"); id.Type == gjson.String && id.Str != "" {
		doc.ID = id.Str
	}
	if rev := body.Get("_rev"); rev.Type == gjson.Number {
		doc.Rev = RevisionPtr(Revision(rev.Int()))
	}

	if doc.ID == "" {
		return Document{}, fmt.Errorf("%w: document without _id", ErrMalformedFrame)
	}
	return doc, nil
}

// Get looks up a gjson path inside the document body.
func (d Document) Get(path string) gjson.Result {
	return gjson.GetBytes(d.Body, path)
}
