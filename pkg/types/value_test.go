package types_test

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwn-go/store/pkg/types"
)

func TestValue_CompareSameKind(t *testing.T) {
	cases := []struct {
		name string
		a, b types.Value
		want int
	}{
		{"bool false<true", types.Bool(false), types.Bool(true), -1},
		{"bool equal", types.Bool(true), types.Bool(true), 0},
		{"number less", types.Number(1.5), types.Number(2), -1},
		{"number greater", types.Number(10), types.Number(2), 1},
		{"string", types.String("alpha"), types.String("beta"), -1},
		{"string equal", types.String("x"), types.String("x"), 0},
		{
			"date",
			types.Date(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
			types.Date(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
			-1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.a.Compare(tc.b)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestValue_CompareMismatchedKinds(t *testing.T) {
	_, err := types.Number(1).Compare(types.String("1"))
	assert.ErrorIs(t, err, types.ErrInvalidFilter)
}

func TestValue_CBORRoundTrip(t *testing.T) {
	values := []types.Value{
		types.Bool(true),
		types.Bool(false),
		types.Number(-12.75),
		types.String("records/chat"),
		types.Date(time.Date(2024, 3, 15, 9, 30, 0, 123456789, time.UTC)),
	}
	for _, v := range values {
		raw, err := cbor.Marshal(v)
		require.NoError(t, err)
		var back types.Value
		require.NoError(t, cbor.Unmarshal(raw, &back))
		assert.Equal(t, v.Kind(), back.Kind())
		assert.True(t, v.Equal(back), "value %s did not round-trip", v)
	}
}

func TestValue_DateNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("CEST", 2*60*60)
	local := time.Date(2024, 7, 1, 14, 0, 0, 0, loc)
	v := types.Date(local)
	got, ok := v.AsDate()
	require.True(t, ok)
	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.Equal(local))
}

func TestDateFromString_RoundTrip(t *testing.T) {
	orig := types.Date(time.Date(2024, 3, 15, 9, 30, 0, 5, time.UTC))
	back, err := types.DateFromString(orig.String())
	require.NoError(t, err)
	assert.True(t, orig.Equal(back))

	_, err = types.DateFromString("yesterday")
	assert.Error(t, err)
}
