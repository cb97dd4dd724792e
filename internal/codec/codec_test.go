// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package codec

import (
	"testing"

	"github.com/google/gofuzz"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/ledger/internal/types"
)

func TestEncodeDecodeText_Roundtrip(t *testing.T) {
	env := types.Envelope{
		EventType:   "orders::Created",
		EventID:     "x1",
		Timestamp:   1234,
		LeaderEpoch: 3,
		Payload:     []byte(`{"v":1}`),
	}
	b, err := EncodeText(env)
	require.NoError(t, err)
	require.Equal(t, byte('\n'), b[len(b)-1])

	got, err := Decode(b[:len(b)-1], types.EncodingText)
	require.NoError(t, err)
	require.Equal(t, env, got)
}

func TestEncodeDecodeBinary_Roundtrip(t *testing.T) {
	env := types.Envelope{
		EventType:   "orders::Updated",
		EventID:     "x2",
		Timestamp:   5678,
		LeaderEpoch: 1,
		Payload:     []byte{0x01, 0x02, 0x03, 0x00, 0xff},
	}
	b, err := EncodeBinary(env)
	require.NoError(t, err)

	body, consumed, ok := SplitBinaryRecord(b)
	require.True(t, ok)
	require.Equal(t, len(b), consumed)

	got, err := Decode(body, types.EncodingBinary)
	require.NoError(t, err)
	require.Equal(t, env, got)
}

// TestEncodeDecodeBinary_Fuzz exercises the roundtrip across a large number
// of randomly generated envelopes to catch edge cases in length framing
// that hand-picked examples would miss.
func TestEncodeDecodeBinary_Fuzz(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 256)
	for i := 0; i < 200; i++ {
		var env types.Envelope
		f.Fuzz(&env.EventType)
		f.Fuzz(&env.EventID)
		f.Fuzz(&env.Timestamp)
		f.Fuzz(&env.LeaderEpoch)
		f.Fuzz(&env.Payload)

		b, err := EncodeBinary(env)
		require.NoError(t, err)

		body, consumed, ok := SplitBinaryRecord(b)
		require.True(t, ok)
		require.Equal(t, len(b), consumed)

		got, err := DecodeBinary(body)
		require.NoError(t, err)
		require.Equal(t, env, got)
	}
}

func TestSplitBinaryRecord_PartialTrailing(t *testing.T) {
	env := types.Envelope{EventType: "t", EventID: "1", Payload: []byte("hello world")}
	b, err := EncodeBinary(env)
	require.NoError(t, err)

	_, _, ok := SplitBinaryRecord(b[:len(b)-3])
	require.False(t, ok, "truncated record must not be reported complete")
}

func TestDeriveEventID_Deterministic(t *testing.T) {
	a := DeriveEventID([]byte(`{"v":1}`))
	b := DeriveEventID([]byte(`{"v":1}`))
	c := DeriveEventID([]byte(`{"v":2}`))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestEventID_PrefersCallerSupplied(t *testing.T) {
	require.Equal(t, "caller-key", EventID("caller-key", []byte("payload")))
	require.NotEmpty(t, EventID("", []byte("payload")))
}
