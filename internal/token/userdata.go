package token

import (
	"fmt"

	"github.com/blukai/netpong/internal/byteorder"
	"github.com/fxamacker/cbor/v2"
)

// user data is opaque to the transport. we store a uint16 length followed by
// canonical cbor so that both sides agree on the bytes for the same value.

const maxUserDataPayload = UserDataSize - 2

var (
	userDataEncMode cbor.EncMode
	userDataDecMode cbor.DecMode
)

func init() {
	var err error
	userDataEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("could not construct cbor enc mode: %v", err))
	}
	userDataDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("could not construct cbor dec mode: %v", err))
	}
}

func EncodeUserData(v any) ([]byte, error) {
	payload, err := userDataEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not marshal user data: %w", err)
	}
	if len(payload) > maxUserDataPayload {
		return nil, fmt.Errorf(
			"user data too large (got %d; want <= %d)",
			len(payload), maxUserDataPayload,
		)
	}

	data := make([]byte, 0, 2+len(payload))
	data = byteorder.AppendUint16(data, uint16(len(payload)))
	data = append(data, payload...)
	return data, nil
}

// DecodeUserData decodes what EncodeUserData produced. Empty (all zero) user
// data leaves v untouched.
func DecodeUserData(data []byte, v any) error {
	r := byteorder.NewReader(data)
	n := r.Uint16()
	if r.Err() != nil {
		return fmt.Errorf("%w: user data: %w", ErrMalformed, r.Err())
	}
	if n == 0 {
		return nil
	}
	payload := r.Bytes(int(n))
	if r.Err() != nil {
		return fmt.Errorf("%w: user data: %w", ErrMalformed, r.Err())
	}
	if err := userDataDecMode.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: user data: %w", ErrMalformed, err)
	}
	return nil
}
