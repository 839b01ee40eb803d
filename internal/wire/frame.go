package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrMalformedFrame is returned for frames that are not valid JSON, carry an
// unknown event, or do not match the shape of their event.
var ErrMalformedFrame = errors.New("malformed frame")

// Event names.
const (
	EventSyncRequest      = "sync_request"
	EventRequestDocuments = "request_documents"
	EventUpdateHeaders    = "update_headers"
	EventUpdateDocuments  = "update_documents"
)

// Frame is one decoded protocol message.
type Frame interface {
	Event() string
}

// SyncRequest opens or resumes header streaming. A nil KnownRev asks for the
// full header set.
type SyncRequest struct {
	KnownRev *Revision `json:"known_rev"`
}

// RequestDocuments asks a source for the full bodies of ids.
type RequestDocuments struct {
	IDs []string `json:"ids"`
}

// UpdateHeaders carries a batch of headers. Rev is the [from, to] revision
// range of the batch; SyncToRev is the revision the source is syncing to.
type UpdateHeaders struct {
	Rev        []Revision `json:"rev,omitempty"`
	Headers    []Header   `json:"headers"`
	SyncToRev  *Revision  `json:"sync_to_rev,omitempty"`
	TotalSent  int        `json:"total_sent,omitempty"`
	TotalAvail int        `json:"total_avail,omitempty"`

	// Skipped holds the decode errors of headers left out of Headers.
	Skipped []error `json:"-"`
}

// UpdateDocuments carries full document bodies.
type UpdateDocuments struct {
	Documents []json.RawMessage `json:"documents"`
}

func (SyncRequest) Event() string      { return EventSyncRequest }
func (RequestDocuments) Event() string { return EventRequestDocuments }
func (UpdateHeaders) Event() string    { return EventUpdateHeaders }
func (UpdateDocuments) Event() string  { return EventUpdateDocuments }

// LastRevision returns the upper end of the batch range, falling back to the
// highest header revision when the range is missing.
func (u UpdateHeaders) LastRevision() *Revision {
	if len(u.Rev) == 2 {
		return RevisionPtr(u.Rev[1])
	}
	var max *Revision
	for i := range u.Headers {
		max = MaxRevision(max, RevisionPtr(u.Headers[i].Rev))
	}
	return max
}

// Encode serializes a frame with its event discriminator.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", f.Event(), err)
	}
	out, err := sjson.SetBytes(body, "event", f.Event())
	if err != nil {
		return nil, fmt.Errorf("failed to tag %s: %w", f.Event(), err)
	}
	return out, nil
}

// Decode parses a frame, dispatching on its event discriminator.
func Decode(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedFrame)
	}

	event := gjson.GetBytes(data, "event")
	if event.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}

	var (
		f   Frame
		err error
	)
	switch event.Str {
	case EventSyncRequest:
		var v SyncRequest
		err = json.Unmarshal(data, &v)
		f = v
	case EventRequestDocuments:
		var v RequestDocuments
		err = json.Unmarshal(data, &v)
		f = v
	case EventUpdateHeaders:
		var v UpdateHeaders
		v, err = decodeUpdateHeaders(data)
		f = v
	case EventUpdateDocuments:
		var v UpdateDocuments
		err = json.Unmarshal(data, &v)
		f = v
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrMalformedFrame, event.Str)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, event.Str, err)
	}
	return f, nil
}

// decodeUpdateHeaders decodes headers one at a time so a bad header costs
// only itself; the rest of the batch still applies.
func decodeUpdateHeaders(data []byte) (UpdateHeaders, error) {
	var v struct {
		Rev        []Revision        `json:"rev"`
		Headers    []json.RawMessage `json:"headers"`
		SyncToRev  *Revision         `json:"sync_to_rev"`
		TotalSent  int               `json:"total_sent"`
		TotalAvail int               `json:"total_avail"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return UpdateHeaders{}, err
	}
	if len(v.Rev) != 0 && len(v.Rev) != 2 {
		return UpdateHeaders{}, fmt.Errorf("rev range has %d entries", len(v.Rev))
	}

	u := UpdateHeaders{
		Rev:        v.Rev,
		Headers:    make([]Header, 0, len(v.Headers)),
		SyncToRev:  v.SyncToRev,
		TotalSent:  v.TotalSent,
		TotalAvail: v.TotalAvail,
	}
	for _, raw := range v.Headers {
		var h Header
		if err := json.Unmarshal(raw, &h); err != nil {
			u.Skipped = append(u.Skipped, err)
			continue
		}
		u.Headers = append(u.Headers, h)
	}
	return u, nil
}

// Envelope wraps frames for HTTP polling sources.
type Envelope struct {
	Messages []json.RawMessage `json:"messages"`
}

// EncodeEnvelope wraps already-encoded frames.
func EncodeEnvelope(frames ...[]byte) ([]byte, error) {
	env := Envelope{Messages: make([]json.RawMessage, 0, len(frames))}
	for _, f := range frames {
		env.Messages = append(env.Messages, json.RawMessage(f))
	}
	return json.Marshal(env)
}

// DecodeEnvelope unwraps an HTTP polling reply into its frames.
func DecodeEnvelope(data []byte) ([][]byte, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformedFrame, err)
	}
	out := make([][]byte, 0, len(env.Messages))
	for _, m := range env.Messages {
		out = append(out, []byte(m))
	}
	return out, nil
}
