package wire

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		want    Codec
		wantErr bool
	}{
		{name: "", want: LengthPrefixed{}},
		{name: "length", want: LengthPrefixed{}},
		{name: "raw", want: Raw{}},
		{name: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run("framing="+tt.name, func(t *testing.T) {
			got, err := New(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLengthPrefixedPreservesBoundaries(t *testing.T) {
	var buf bytes.Buffer
	c := LengthPrefixed{}

	msgs := []string{"OK", "", "> image list\nID name\n", "exit"}
	for _, m := range msgs {
		require.NoError(t, c.WriteMessage(&buf, m))
	}
	for _, want := range msgs {
		got, err := c.ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := c.ReadMessage(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLengthPrefixedLimits(t *testing.T) {
	c := LengthPrefixed{MaxSize: 4}
	var buf bytes.Buffer

	assert.ErrorIs(t, c.WriteMessage(&buf, "12345"), ErrMessageTooLarge)

	require.NoError(t, LengthPrefixed{}.WriteMessage(&buf, "12345"))
	_, err := c.ReadMessage(&buf)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestLengthPrefixedTruncatedBody(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 10, 'a', 'b'})
	_, err := LengthPrefixed{}.ReadMessage(buf)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRawOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := Raw{}
	go func() {
		_ = c.WriteMessage(client, "/tmp/out.img")
		_ = c.WriteMessage(client, "")
	}()

	got, err := c.ReadMessage(server)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out.img", got)

	got, err = c.ReadMessage(server)
	require.NoError(t, err)
	assert.Equal(t, "\n", got)
}

func TestRawRejectsOversizedWrite(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, Raw{BufferSize: 2}.WriteMessage(&buf, "abc"), ErrMessageTooLarge)
}

func TestTransferSignal(t *testing.T) {
	assert.Equal(t, "SETUP_FILETRANSFER 37778", FormatTransferSignal(37778))

	tests := []struct {
		msg      string
		wantPort int
		wantOK   bool
	}{
		{"SETUP_FILETRANSFER 37778", 37778, true},
		{"SETUP_FILETRANSFER", 0, true},
		{"SETUP_FILETRANSFER\n", 0, true},
		{"SETUP_FILETRANSFER abc", 0, false},
		{"SETUP_FILETRANSFER 70000", 0, false},
		{"SETUP_FILETRANSFER 1 2", 0, false},
		{"[SERVER_FILE]: incorrect syntax", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			port, ok := ParseTransferSignal(tt.msg)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestTransferSignalFor(t *testing.T) {
	tests := []struct {
		name  string
		codec Codec
		port  int
		want  string
	}{
		{"RawDefaultPort", Raw{}, DefaultDataPort, "SETUP_FILETRANSFER"},
		{"RawOtherPort", Raw{}, 40000, "SETUP_FILETRANSFER 40000"},
		{"LengthDefaultPort", LengthPrefixed{}, DefaultDataPort, "SETUP_FILETRANSFER 37778"},
		{"LengthOtherPort", LengthPrefixed{}, 40000, "SETUP_FILETRANSFER 40000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := TransferSignalFor(tt.codec, tt.port)
			assert.Equal(t, tt.want, msg)

			// A bare signal resolves to the client's default data port.
			port, ok := ParseTransferSignal(msg)
			assert.True(t, ok)
			if port == 0 {
				port = DefaultDataPort
			}
			assert.Equal(t, tt.port, port)
		})
	}
}
