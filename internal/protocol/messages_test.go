package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"type":"file_list","request_id":"r1","payload":{"path":"/sdcard"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeFileList, req.Type)
	assert.Equal(t, "r1", req.RequestID)

	var p FileListPayload
	require.NoError(t, req.DecodePayload(&p))
	assert.Equal(t, "/sdcard", p.Path)
}

func TestParseRequestRejectsGarbage(t *testing.T) {
	_, err := ParseRequest([]byte(`{not json`))
	assert.Error(t, err)

	_, err = ParseRequest([]byte(`{"request_id":"r1"}`))
	assert.Error(t, err)
}

func TestDecodePayloadAbsent(t *testing.T) {
	req, err := ParseRequest([]byte(`{"type":"process_list","request_id":"r2"}`))
	require.NoError(t, err)

	p := ProcessKillPayload{PID: 7}
	require.NoError(t, req.DecodePayload(&p))
	assert.Equal(t, int32(7), p.PID)
}

func TestDecodePayloadWrongShape(t *testing.T) {
	req, err := ParseRequest([]byte(`{"type":"process_kill","request_id":"r3","payload":{"pid":"abc"}}`))
	require.NoError(t, err)

	var p ProcessKillPayload
	assert.Error(t, req.DecodePayload(&p))
}

func TestTreeDepthAcceptsStringOrNumber(t *testing.T) {
	cases := map[string]int{
		`{"path":"/","content":"3"}`: 3,
		`{"path":"/","content":2}`:   2,
		`{"path":"/","content":""}`:  1,
		`{"path":"/","content":"x"}`: 1,
		`{"path":"/","content":"0"}`: 1,
		`{"path":"/"}`:               1,
	}
	for raw, want := range cases {
		var p FileTreePayload
		require.NoError(t, json.Unmarshal([]byte(raw), &p), raw)
		assert.Equal(t, want, p.Content.Depth(1), raw)
	}
}

func TestResponseShape(t *testing.T) {
	resp := NewResponse(TypeProcessKillResponse, "r9", ProcessKillData{PID: 42, Success: true, Message: "Process killed"})
	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "process_kill_response", decoded["type"])
	assert.Equal(t, "r9", decoded["request_id"])
	assert.NotZero(t, decoded["timestamp"])

	data := decoded["data"].(map[string]any)
	assert.Equal(t, float64(42), data["pid"])
	assert.Equal(t, true, data["success"])
}

func TestShellFramesAreFlat(t *testing.T) {
	b, err := json.Marshal(NewShellOutput("s1", "hi"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"shell_response","session":"s1","data":"hi"}`, string(b))

	b, err = json.Marshal(NewShellClosed("s1", "Session closed"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"shell_close","session":"s1","message":"Session closed"}`, string(b))
}
