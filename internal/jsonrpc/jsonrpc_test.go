package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestNormalizeID verifies canonical string rendering across id types
func TestNormalizeID(t *testing.T) {
	tests := []struct {
		name     string
		id       any
		expected string
	}{
		{"nil", nil, ""},
		{"string", "c42", "c42"},
		{"int", 7, "7"},
		{"int64", int64(123456789), "123456789"},
		{"float64 integral", float64(7), "7"},
		{"float64 large", float64(1000000), "1000000"},
		{"json number", json.Number("42"), "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeID(tt.id))
		})
	}
}

// TestNormalizeID_DecodedNumbersMatchStrings checks that an id sent as a
// number and echoed back as a decoded JSON value compares equal to the
// same id sent as a string
func TestNormalizeID_DecodedNumbersMatchStrings(t *testing.T) {
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"id": 7}`), &decoded))

	assert.Equal(t, NormalizeID("7"), NormalizeID(decoded["id"]))
}

// TestNewRequest_Marshal verifies the wire shape of an outbound frame
func TestNewRequest_Marshal(t *testing.T) {
	req := NewRequest("abc", "tools/call", map[string]any{"name": "echo"})

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))

	assert.Equal(t, "2.0", frame["jsonrpc"])
	assert.Equal(t, "abc", frame["id"])
	assert.Equal(t, "tools/call", frame["method"])
	assert.NotNil(t, frame["params"])
}

// TestNewRequest_OmitsEmptyParams verifies params are omitted when nil
func TestNewRequest_OmitsEmptyParams(t *testing.T) {
	req := NewRequest(0, "initialize", nil)

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	_, hasParams := frame["params"]
	assert.False(t, hasParams)
}

// TestResponse_ErrorPassthrough verifies an error frame decodes with the
// original id and raw error data intact
func TestResponse_ErrorPassthrough(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":"7","error":{"code":-32602,"message":"Invalid params","data":{"hint":"x"}}}`

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))

	assert.Equal(t, "7", NormalizeID(resp.ID))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
	assert.Contains(t, resp.Error.Error(), "Invalid params")
	assert.JSONEq(t, `{"hint":"x"}`, string(resp.Error.Data))
}

// TestNormalizeIDCorrelationProperty verifies the pending-table key
// invariant: whatever id the proxy attaches, the id echoed back by the
// child decodes to the same key, and every echoed frame finds exactly
// its own entry. Numeric ids stay within JSON's integer-precision
// range, which is all this system ever attaches.
func TestNormalizeIDCorrelationProperty(t *testing.T) {
	idGen := rapid.OneOf(
		rapid.Custom(func(t *rapid.T) any {
			return rapid.Int64Range(-(1 << 53), 1<<53).Draw(t, "numeric")
		}),
		rapid.Custom(func(t *rapid.T) any {
			return rapid.StringMatching(`[a-zA-Z0-9._-]{1,24}`).Draw(t, "textual")
		}),
	)

	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfN(idGen, 1, 20).Draw(t, "ids")

		// Insert-before-write: a key is taken at most once.
		table := make(map[string]int)
		inserted := make([]bool, len(ids))
		for i, id := range ids {
			key := NormalizeID(id)
			if _, taken := table[key]; taken {
				continue
			}
			table[key] = i
			inserted[i] = true
		}

		for i, id := range ids {
			if !inserted[i] {
				continue
			}
			frame, err := json.Marshal(NewRequest(id, "tools/list", nil))
			if err != nil {
				t.Fatalf("marshal id %v: %v", id, err)
			}
			var resp Response
			if err := json.Unmarshal(frame, &resp); err != nil {
				t.Fatalf("unmarshal id %v: %v", id, err)
			}
			owner, ok := table[NormalizeID(resp.ID)]
			if !ok {
				t.Fatalf("echoed id %v (%T) lost its pending entry", id, id)
			}
			if owner != i {
				t.Fatalf("echoed id %v delivered to request %d, want %d", id, owner, i)
			}
		}
	})
}
