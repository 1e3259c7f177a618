package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		stream  string
		event   string
		payload string
	}{
		{
			name:    "string payload is decoded again",
			in:      `{"stream":["public"],"event":"update","payload":"{\"id\":\"1\",\"visibility\":\"public\"}"}`,
			stream:  "public",
			event:   "update",
			payload: `{"id":"1","visibility":"public"}`,
		},
		{
			name:    "object payload",
			in:      `{"stream":"user","event":"notification","payload":{"id":"3","type":"follow"}}`,
			stream:  "user",
			event:   "notification",
			payload: `{"id":"3","type":"follow"}`,
		},
		{
			name:    "delete id",
			in:      `{"stream":["public","local"],"event":"delete","payload":"109"}`,
			stream:  "public:local",
			event:   "delete",
			payload: `109`,
		},
		{
			name:  "no payload",
			in:    `{"event":"filters_changed"}`,
			event: "filters_changed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := decodeEnvelope([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.stream, env.Stream)
			assert.Equal(t, tt.event, env.Event)
			assert.Equal(t, tt.payload, string(env.Payload))
		})
	}
}

func TestDecodeEnvelope_Errors(t *testing.T) {
	for _, in := range []string{
		`not json`,
		`{"stream":"public","payload":"{}"}`,
		`{"stream":7,"event":"update"}`,
		`["update"]`,
	} {
		_, err := decodeEnvelope([]byte(in))
		assert.Error(t, err, in)
	}
}
