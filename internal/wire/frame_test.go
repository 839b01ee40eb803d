package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestEncodeTagsEvent(t *testing.T) {
	data, err := Encode(SyncRequest{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"sync_request","known_rev":null}`, string(data))

	data, err = Encode(SyncRequest{KnownRev: RevisionPtr(42)})
	require.NoError(t, err)
	assert.Equal(t, int64(42), gjson.GetBytes(data, "known_rev").Int())

	data, err = Encode(RequestDocuments{IDs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"request_documents","ids":["a","b"]}`, string(data))
}

func TestDecodeUpdateHeaders(t *testing.T) {
	in := `{
		"event": "update_headers",
		"rev": [3, 5],
		"sync_to_rev": 9,
		"total_sent": 2,
		"headers": [
			{"_id": "a", "_rev": 3, "run": 100, "type": "dqm-source-state", "hostname": "h1", "tag": null, "timestamp": 1.5, "pid": 77},
			{"_id": "b", "_rev": 5, "run": null}
		]
	}`

	f, err := Decode([]byte(in))
	require.NoError(t, err)

	u, ok := f.(UpdateHeaders)
	require.True(t, ok, "got %T", f)
	require.Len(t, u.Headers, 2)

	a := u.Headers[0]
	assert.Equal(t, "a", a.ID)
	assert.Equal(t, Revision(3), a.Rev)
	require.NotNil(t, a.Run)
	assert.Equal(t, int64(100), *a.Run)
	assert.Equal(t, "dqm-source-state", a.Type)
	assert.Equal(t, "", a.Tag)
	assert.JSONEq(t, `77`, string(a.Extra["pid"]))

	assert.Nil(t, u.Headers[1].Run)
	assert.Equal(t, Revision(5), *u.LastRevision())
	assert.Equal(t, Revision(9), *u.SyncToRev)
	assert.Equal(t, 2, u.TotalSent)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{"event":`,
		"no event":         `{"headers":[]}`,
		"unknown event":    `{"event":"bogus"}`,
		"headers not list": `{"event":"update_headers","headers":{"_id":"x"}}`,
		"bad rev range":    `{"event":"update_headers","rev":[1],"headers":[]}`,
		"ids not strings":  `{"event":"request_documents","ids":[1,2]}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(in))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecodeSkipsBadHeaders(t *testing.T) {
	in := `{
		"event": "update_headers",
		"rev": [1, 4],
		"headers": [
			{"_rev": 1},
			{"_id": "b", "_rev": 2},
			{"_id": "c"},
			"nope",
			{"_id": "d", "_rev": 4}
		]
	}`

	f, err := Decode([]byte(in))
	require.NoError(t, err)
	u := f.(UpdateHeaders)

	require.Len(t, u.Headers, 2)
	assert.Equal(t, "b", u.Headers[0].ID)
	assert.Equal(t, "d", u.Headers[1].ID)
	assert.Len(t, u.Skipped, 3)
	assert.Equal(t, Revision(4), *u.LastRevision())

	data, err := Encode(u)
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(data, "Skipped").Exists())
}

func TestOptionalHeaderFields(t *testing.T) {
	var h Header
	require.NoError(t, json.Unmarshal([]byte(`{"_id":"a","_rev":1}`), &h))
	assert.Empty(t, h.Type)
	assert.Empty(t, h.Hostname)
	assert.Zero(t, h.Timestamp)
	assert.Nil(t, h.Extra)

	h = Header{}
	require.NoError(t, json.Unmarshal([]byte(`{"_id":"a","_rev":1,"type":7,"hostname":null,"tag":"t","timestamp":"late"}`), &h))
	assert.Empty(t, h.Type, "wrong type is ignored")
	assert.Empty(t, h.Hostname)
	assert.Equal(t, "t", h.Tag)
	assert.Zero(t, h.Timestamp)
}

func TestLastRevisionWithoutRange(t *testing.T) {
	u := UpdateHeaders{Headers: []Header{{ID: "a", Rev: 4}, {ID: "b", Rev: 7}, {ID: "c", Rev: 2}}}
	assert.Equal(t, Revision(7), *u.LastRevision())
	assert.Nil(t, UpdateHeaders{}.LastRevision())
}

func TestHeaderRoundTripKeepsExtra(t *testing.T) {
	run := int64(12)
	h := Header{ID: "x", Rev: 2, Run: &run, Type: "dqm-files", Source: "ws://ignored", Extra: map[string]json.RawMessage{"pid": json.RawMessage(`5`)}}

	data, err := json.Marshal(h)
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(data, "Source").Exists())
	assert.Equal(t, int64(5), gjson.GetBytes(data, "pid").Int())

	var back Header
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "x", back.ID)
	assert.Equal(t, int64(12), *back.Run)
	assert.Empty(t, back.Source)
}

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument(json.RawMessage(`{"_id":"a","_rev":4,"exit_code":0}`))
	require.NoError(t, err)
	assert.Equal(t, "a", doc.ID)
	assert.Equal(t, Revision(4), *doc.Rev)
	assert.True(t, doc.Full)
	assert.Equal(t, int64(0), doc.Get("exit_code").Int())

	doc, err = ParseDocument(json.RawMessage(`{"value":1,"_header":{"_id":"b","_rev":9,"run":3}}`))
	require.NoError(t, err)
	assert.Equal(t, "b", doc.ID)
	assert.Equal(t, Revision(9), *doc.Rev)
	require.NotNil(t, doc.Header)
	assert.Equal(t, int64(3), *doc.Header.Run)

	doc, err = ParseDocument(json.RawMessage(`{"_id":"c"}`))
	require.NoError(t, err)
	assert.Nil(t, doc.Rev)

	_, err = ParseDocument(json.RawMessage(`{"value":1}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
	_, err = ParseDocument(json.RawMessage(`[1,2]`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestEnvelope(t *testing.T) {
	a, _ := Encode(SyncRequest{})
	b, _ := Encode(RequestDocuments{IDs: []string{"x"}})

	data, err := EncodeEnvelope(a, b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), gjson.GetBytes(data, "messages.#").Int())

	frames, err := DecodeEnvelope(data)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	f, err := Decode(frames[1])
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, f.(RequestDocuments).IDs)

	_, err = DecodeEnvelope([]byte(`{"messages":{}}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestMaxRevision(t *testing.T) {
	assert.Nil(t, MaxRevision(nil, nil))
	assert.Equal(t, Revision(3), *MaxRevision(nil, RevisionPtr(3)))
	assert.Equal(t, Revision(3), *MaxRevision(RevisionPtr(3), nil))
	assert.Equal(t, Revision(8), *MaxRevision(RevisionPtr(3), RevisionPtr(8)))
	assert.True(t, EqualRevision(nil, nil))
	assert.False(t, EqualRevision(nil, RevisionPtr(1)))
	assert.True(t, EqualRevision(RevisionPtr(1), RevisionPtr(1)))
}
