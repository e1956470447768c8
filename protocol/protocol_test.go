package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVMEndLayout(t *testing.T) {
	b := AppendVMEnd(nil, 4, 0x01020304, 0x0A)
	assert.Equal(t, []byte{0x05, 4, 0x04, 0x03, 0x02, 0x01, 0x0A}, b)

	n, err := ParseNotification(b)
	require.NoError(t, err)
	assert.Equal(t, NotifyVMEnd, n.Type)
	assert.Equal(t, uint8(4), n.Result)
	assert.Equal(t, uint32(0x01020304), n.PC)
	assert.Equal(t, uint8(0x0A), n.Opcode)
}

func TestReadHeaderLength65536(t *testing.T) {
	b := AppendTransferHeader(nil, NotifyRead, 9, 0, 0x7E0100, 65536)
	assert.Equal(t, []byte{0x01, 9, 0, 0, 0, 0, 0x00, 0x01, 0x7E, 0, 0}, b)

	_, err := ParseNotification(b)
	assert.Error(t, err, "header promises 65536 data bytes")

	n, err := ParseNotification(append(b, make([]byte, 65536)...))
	require.NoError(t, err)
	assert.Equal(t, 65536, n.Len)
	assert.Equal(t, uint32(0x7E0100), n.Addr)
}

func TestParseNotificationErrors(t *testing.T) {
	for _, msg := range [][]byte{nil, {0x01, 0}, {0x04, 1, 2}, {0x05}} {
		_, err := ParseNotification(msg)
		assert.True(t, errors.Is(err, ErrShortNotification), "% x", msg)
	}
	_, err := ParseNotification([]byte{0x7F})
	assert.Error(t, err)

	n, err := ParseNotification([]byte{0x03})
	require.NoError(t, err)
	assert.Equal(t, NotifyWriteEnd, n.Type)
}

func TestResponseErr(t *testing.T) {
	r, err := ParseResponse([]byte{0x11, 3, 2})
	require.NoError(t, err)
	var re *ResponseError
	require.True(t, errors.As(r.Err(), &re))
	assert.Equal(t, CmdPPUXVRAMUpload, re.Cmd)
	assert.Equal(t, CodeError, re.Code)
	assert.Equal(t, PPUXOutOfRange, re.Detail)
	assert.Equal(t, "rex: ppux_vram_upload: error (2)", re.Error())

	r, err = ParseResponse([]byte{0x02, 0})
	require.NoError(t, err)
	assert.NoError(t, r.Err())

	_, err = ParseResponse([]byte{0x02})
	assert.Error(t, err)
}
