package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Endpoint string `json:"endpoint"`
	Rows     int    `json:"rows"`
}

func TestEncodeAndDecode(t *testing.T) {
	msgs, err := Encode([]Event{{Key: "callstat", Value: sample{Endpoint: "callstat", Rows: 12}}})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "callstat", string(msgs[0].Key))
	assert.JSONEq(t, `{"endpoint":"callstat","rows":12}`, string(msgs[0].Value))

	got, err := DecodeJSON[sample](msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, sample{Endpoint: "callstat", Rows: 12}, got)
}

func TestEncodeRejectsUnmarshalable(t *testing.T) {
	_, err := Encode([]Event{{Key: "x", Value: make(chan int)}})
	assert.Error(t, err)
}

func TestDecodeJSONError(t *testing.T) {
	_, err := DecodeJSON[sample]([]byte("{not json"))
	assert.ErrorIs(t, err, ErrMalformed)
}
