package serialization

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingBody struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

func TestIdentity(t *testing.T) {
	codec := Identity{}

	t.Run("bytes round trip", func(t *testing.T) {
		data, err := codec.Encode([]byte("ping"))
		require.NoError(t, err)
		v, err := codec.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, []byte("ping"), v)
	})

	t.Run("string is sent as bytes", func(t *testing.T) {
		data, err := codec.Encode("ping")
		require.NoError(t, err)
		assert.Equal(t, []byte("ping"), data)
	})

	t.Run("rejects other types", func(t *testing.T) {
		_, err := codec.Encode(42)

		var serr *SerializationError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "encode", serr.Op)
		assert.True(t, errors.Is(err, ErrUnsupportedType))
	})
}

func TestJSON(t *testing.T) {
	codec := JSON{}

	t.Run("round trip", func(t *testing.T) {
		values := []any{
			"ping",
			true,
			float64(3),
			nil,
			map[string]any{"message": "ping", "tags": []any{"a", "b"}},
		}
		for _, v := range values {
			data, err := codec.Encode(v)
			require.NoError(t, err)
			decoded, err := codec.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, v, decoded)
		}
	})

	t.Run("decode failure", func(t *testing.T) {
		_, err := codec.Decode([]byte("{not json"))

		var serr *SerializationError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "decode", serr.Op)
	})

	t.Run("encode failure", func(t *testing.T) {
		_, err := codec.Encode(make(chan int))

		var serr *SerializationError
		assert.ErrorAs(t, err, &serr)
	})
}

func TestTypedJSON(t *testing.T) {
	codec := NewTypedJSON[pingBody]()
	in := pingBody{Message: "ping", Count: 2}

	data, err := codec.Encode(in)
	require.NoError(t, err)
	out, err := codec.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, &in, out)
}

func TestFuncs(t *testing.T) {
	t.Run("nil funcs behave like identity", func(t *testing.T) {
		codec := Funcs{}
		data, err := codec.Encode("ping")
		require.NoError(t, err)
		v, err := codec.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, []byte("ping"), v)
	})

	t.Run("wraps plain errors", func(t *testing.T) {
		boom := errors.New("boom")
		codec := Funcs{DecodeFunc: func([]byte) (any, error) { return nil, boom }}

		_, err := codec.Decode([]byte("x"))

		var serr *SerializationError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "decode", serr.Op)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("keeps serialization errors as is", func(t *testing.T) {
		codec := Funcs{EncodeFunc: JSON{}.Encode}

		_, err := codec.Encode(make(chan int))

		var serr *SerializationError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "encode", serr.Op)
	})
}

func TestOrIdentity(t *testing.T) {
	assert.Equal(t, Identity{}, OrIdentity(nil))
	assert.Equal(t, JSON{}, OrIdentity(JSON{}))
}
