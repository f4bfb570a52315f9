package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidorares/webpubsub-local/internal/protocol"
)

func TestEncodeGroupMessageMatchesWireShape(t *testing.T) {
	p, err := protocol.JSONPayload([]byte(`{"x":1}`))
	require.NoError(t, err)

	frame, err := protocol.EncodeGroupMessage("g1", "", p)
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"type":"message","from":"group","fromUserId":null,"group":"g1","dataType":"json","data":{"x":1}}`,
		string(frame))
}

func TestEncodeGroupMessageWithSender(t *testing.T) {
	frame, err := protocol.EncodeGroupMessage("g1", "alice", protocol.TextPayload("hi"))
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"type":"message","from":"group","fromUserId":"alice","group":"g1","dataType":"text","data":"hi"}`,
		string(frame))
}

func TestEncodeServerMessage(t *testing.T) {
	frame, err := protocol.EncodeServerMessage(protocol.BinaryPayload([]byte{0x01, 0x02}))
	require.NoError(t, err)

	assert.JSONEq(t, `{"type":"message","from":"server","dataType":"binary","data":"AQI="}`, string(frame))
}

func TestConnectedEvent(t *testing.T) {
	b, err := json.Marshal(protocol.NewConnectedEvent("u1", "c1"))
	require.NoError(t, err)

	assert.JSONEq(t, `{"type":"system","event":"connected","userId":"u1","connectionId":"c1"}`, string(b))

	b, err = json.Marshal(protocol.NewConnectedEvent("", "c2"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"system","event":"connected","userId":null,"connectionId":"c2"}`, string(b))
}

func TestPayloadFromBody(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantType    protocol.DataType
		wantData    string
		wantErr     bool
	}{
		{"json", "application/json", `{"y":2}`, protocol.DataTypeJSON, `{"y":2}`, false},
		{"json with charset", "application/json; charset=utf-8", `[1]`, protocol.DataTypeJSON, `[1]`, false},
		{"default is json", "", `"s"`, protocol.DataTypeJSON, `"s"`, false},
		{"invalid json", "application/json", `{`, "", "", true},
		{"text", "text/plain", `hello`, protocol.DataTypeText, `"hello"`, false},
		{"binary", "application/octet-stream", "\x00\x01", protocol.DataTypeBinary, `"AAE="`, false},
		{"unsupported", "image/png", `x`, "", "", true},
		{"malformed content type", "a/b; =", `x`, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := protocol.PayloadFromBody(tt.contentType, []byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, p.DataType)
			assert.JSONEq(t, tt.wantData, string(p.Data))
		})
	}
}

func TestPayloadFromClient(t *testing.T) {
	p, err := protocol.PayloadFromClient("", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.DataTypeJSON, p.DataType)

	p, err = protocol.PayloadFromClient(protocol.DataTypeJSON, nil)
	require.NoError(t, err)
	frame, err := protocol.EncodeGroupMessage("g", "", p)
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"data":null`)

	_, err = protocol.PayloadFromClient(protocol.DataTypeText, json.RawMessage(`123`))
	assert.Error(t, err)

	_, err = protocol.PayloadFromClient(protocol.DataTypeBinary, json.RawMessage(`"not base64!"`))
	assert.Error(t, err)

	_, err = protocol.PayloadFromClient("protobuf", json.RawMessage(`"x"`))
	assert.ErrorIs(t, err, protocol.ErrUnknownDataType)
}
