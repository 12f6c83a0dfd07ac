package clearing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeFrameResponse(t *testing.T) {
	f, err := decodeFrame([]byte(`{"res":["3","create_channel",{"channel_id":"0xC1"}]}`))
	require.NoError(t, err)
	require.Equal(t, "3", f.ID)
	require.Equal(t, "create_channel", f.Method)
	require.Nil(t, f.Err)
}

func TestDecodeFrameUnsolicited(t *testing.T) {
	f, err := decodeFrame([]byte(`{"res":["","channels",[{"channel_id":"0xC1","status":"open"}]]}`))
	require.NoError(t, err)
	require.Empty(t, f.ID)
	require.Equal(t, "channels", f.Method)
	require.True(t, isNotification(f.Method))
}

func TestDecodeFrameTopLevelError(t *testing.T) {
	f, err := decodeFrame([]byte(`{"error":{"message":"quorum not reached"}}`))
	require.NoError(t, err)
	require.NotNil(t, f.Err)
	require.True(t, IsQuorumNotReached(f.Err))
}

func TestDecodeFrameResponseWithNumericID(t *testing.T) {
	f, err := decodeFrame([]byte(`{"res":[3,"create_channel",{"channel_id":"0xC1"}]}`))
	require.NoError(t, err)
	require.Equal(t, "3", f.ID)
	require.Equal(t, "create_channel", f.Method)
}

func TestDecodeFrameResErrorShape(t *testing.T) {
	f, err := decodeFrame([]byte(`{"res":["7","error",{"error":"bad signature"}]}`))
	require.NoError(t, err)
	require.NotNil(t, f.Err)
	require.Equal(t, "bad signature", f.Err.Message)
	require.False(t, IsQuorumNotReached(f.Err))
}
