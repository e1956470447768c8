package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rex/capture"
	"rex/iovm1"
	"rex/protocol"
)

func TestParseUint(t *testing.T) {
	tests := []struct {
		s    string
		bits int
		want uint64
		err  bool
	}{
		{"16", 24, 16, false},
		{"0x7E0010", 24, 0x7E0010, false},
		{"$F50010", 24, 0xF50010, false},
		{"0x1000000", 24, 0, true},
		{"$100", 8, 0, true},
		{"zz", 32, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.s, func(t *testing.T) {
			got, err := parseUint(tt.s, tt.bits)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseHexBytes(t *testing.T) {
	b, err := parseHexBytes("de:ad be,ef")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, b)

	_, err = parseHexBytes("abc")
	assert.Error(t, err)
}

func TestWords(t *testing.T) {
	w, err := words([]byte{0x02, 0, 0, 0x81, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x81000002, 0}, w)

	_, err = words([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDumpCapture(t *testing.T) {
	var b bytes.Buffer
	cw := capture.NewWriter(&b)
	cw.Record(3, true, 0, []byte{byte(protocol.CmdIOVMGetState)})
	require.NoError(t, cw.Close())

	var out bytes.Buffer
	require.NoError(t, dumpCapture(&out, &b))
	assert.Contains(t, out.String(), "client[3] -> ch0 [05]")
}

func TestPrintNotification(t *testing.T) {
	var out bytes.Buffer
	printNotification(&out, protocol.Notification{
		Type:   protocol.NotifyWaitComplete,
		PC:     12,
		Target: uint8(iovm1.TargetWRAM),
		Addr:   0x10,
		Value:  0x42,
	})
	assert.Contains(t, out.String(), "pc=12")
	assert.Contains(t, out.String(), "$000010 value=$42")
}

func TestCommandsHaveUsage(t *testing.T) {
	for name, cmd := range commands {
		assert.NotEmpty(t, cmd.usage, name)
		assert.NotNil(t, cmd.run, name)
	}
}
