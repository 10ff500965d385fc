package snapshot

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePayload() Payload {
	last := time.Date(2026, 10, 14, 18, 30, 0, 0, time.UTC)
	return Payload{
		ExportedAt: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC),
		LastSync:   &last,
		Collections: map[string]json.RawMessage{
			"customers": json.RawMessage(`[{"id":"srv-1","name":"Ada","balance":"600"}]`),
			"products":  json.RawMessage(`[]`),
		},
	}
}

func knownNames(name string) bool {
	return name == "customers" || name == "products"
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	token, err := Encode(samplePayload())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, Prefix))
	assert.NotContains(t, token, " ")
	assert.NotContains(t, token, "\n")

	got, err := Decode(token, knownNames)
	require.NoError(t, err)
	assert.Equal(t, Version, got.Version)
	require.NotNil(t, got.LastSync)
	assert.True(t, got.LastSync.Equal(*samplePayload().LastSync))
	assert.JSONEq(t, `[{"id":"srv-1","name":"Ada","balance":"600"}]`, string(got.Collections["customers"]))
	assert.JSONEq(t, `[]`, string(got.Collections["products"]))
}

func TestDecode_ToleratesSurroundingWhitespace(t *testing.T) {
	token, err := Encode(samplePayload())
	require.NoError(t, err)

	_, err = Decode("\n  "+token+"  \n", knownNames)
	assert.NoError(t, err)
}

func TestDecode_FailsClosed(t *testing.T) {
	valid, err := Encode(samplePayload())
	require.NoError(t, err)
	body := strings.TrimPrefix(valid, Prefix)
	dot := strings.LastIndexByte(body, '.')

	foreign, err := Encode(Payload{Collections: map[string]json.RawMessage{"widgets": json.RawMessage(`[]`)}})
	require.NoError(t, err)
	notList, err := Encode(Payload{Collections: map[string]json.RawMessage{"customers": json.RawMessage(`{"id":"x"}`)}})
	require.NoError(t, err)
	future, err := Encode(Payload{Version: 2, Collections: map[string]json.RawMessage{}})
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-valid-token"},
		{"empty", ""},
		{"no checksum", Prefix + body[:dot]},
		{"bad base64", Prefix + "!!!" + body[dot:]},
		{"truncated", valid[:len(valid)-10]},
		{"tampered body", Prefix + "A" + body[1:]},
		{"bad checksum", valid[:len(valid)-1] + "x"},
		{"not gzip", Prefix + "aGVsbG8" + "." + checksum([]byte("hello"))},
		{"unknown collection", foreign},
		{"collection not a list", notList},
		{"unsupported version", future},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.token, knownNames)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}
