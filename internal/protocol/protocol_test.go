package protocol_test

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/blukai/netpong/internal/protocol"
	"github.com/matryer/is"
)

func TestClientMessageEncoding(t *testing.T) {
	is := is.New(t)

	original := protocol.ClientMessage(protocol.Ping{})

	encoded, err := protocol.EncodeClientMessage(original)
	is.NoErr(err)
	is.Equal(encoded, []byte{0, 0, 0, 0})

	decoded, err := protocol.DecodeClientMessage(encoded)
	is.NoErr(err)
	is.Equal(decoded, original)

	// encoding is deterministic
	again, err := protocol.EncodeClientMessage(decoded)
	is.NoErr(err)
	is.Equal(again, encoded)
}

func TestServerMessageEncoding(t *testing.T) {
	is := is.New(t)

	original := protocol.ServerMessage(protocol.Pong{})

	encoded, err := protocol.EncodeServerMessage(original)
	is.NoErr(err)
	is.Equal(len(encoded), protocol.TagSize)

	decoded, err := protocol.DecodeServerMessage(encoded)
	is.NoErr(err)
	is.Equal(decoded, original)
}

func TestMalformedMessage(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated tag", []byte{0, 0}},
		{"unknown tag", []byte{42, 0, 0, 0}},
		{"big endian tag", []byte{0, 0, 0, 1}},
		{"trailing bytes", []byte{0, 0, 0, 0, 1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)

			_, err := protocol.DecodeClientMessage(tc.data)
			is.True(errors.Is(err, protocol.ErrMalformedMessage))

			_, err = protocol.DecodeServerMessage(tc.data)
			is.True(errors.Is(err, protocol.ErrMalformedMessage))
		})
	}
}

func TestUnmarshalIntoWrongVariant(t *testing.T) {
	is := is.New(t)

	var ping protocol.Ping
	err := ping.UnmarshalBinary([]byte{7, 0, 0, 0})
	is.True(errors.Is(err, protocol.ErrMalformedMessage))
}

func TestTruncateName(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"short", "alice", "alice"},
		{"exact", strings.Repeat("a", 32), strings.Repeat("a", 32)},
		{"ascii", strings.Repeat("a", 40), strings.Repeat("a", 32)},
		// 31 ascii bytes then a two-byte rune straddling the limit
		{"rune boundary", strings.Repeat("a", 31) + "é", strings.Repeat("a", 31)},
		{"multibyte", strings.Repeat("ж", 20), strings.Repeat("ж", 16)},
		{"invalid utf8", "a\xffb", "a�b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)

			got := protocol.TruncateName(tt.in)
			is.Equal(got, tt.want)
			is.True(len(got) <= protocol.MaxPlayerNameLen)
			is.True(utf8.ValidString(got))
		})
	}
}
