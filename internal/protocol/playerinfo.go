package protocol

import "unicode/utf8"

// PlayerInfo travels in the user data of a connect token, so the server
// learns it at admission time without an extra message.
type PlayerInfo struct {
	Name string `cbor:"1,keyasint,omitempty"`
}

const MaxPlayerNameLen = 32

// TruncateName cuts name to at most MaxPlayerNameLen bytes without splitting
// a rune. Invalid UTF-8 is replaced, the decoder would reject it otherwise.
func TruncateName(name string) string {
	if !utf8.ValidString(name) {
		name = string([]rune(name))
	}
	if len(name) <= MaxPlayerNameLen {
		return name
	}
	end := 0
	for i, r := range name {
		if i+utf8.RuneLen(r) > MaxPlayerNameLen {
			break
		}
		end = i + utf8.RuneLen(r)
	}
	return name[:end]
}
