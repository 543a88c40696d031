package codec

import "errors"

// Codec errors. DecodeError and EncodeError conditions are per message;
// the unknown-codec and unknown-type errors are configuration errors.
var (
	// ErrDecode is returned when raw characteristic bytes cannot be decoded,
	// typically because of an unexpected length or an out-of-domain byte.
	ErrDecode = errors.New("codec: decode failed")

	// ErrEncode is returned when a value cannot be encoded for a write.
	ErrEncode = errors.New("codec: encode failed")

	// ErrParse is returned when an MQTT payload is not a valid value.
	ErrParse = errors.New("codec: payload parse failed")

	// ErrUnknownCodec is returned when a codec reference names no codec.
	ErrUnknownCodec = errors.New("codec: unknown codec")

	// ErrUnknownDeviceType is returned for an unregistered device-type tag.
	ErrUnknownDeviceType = errors.New("codec: unknown device type")

	// ErrDuplicate is returned when registering a name twice.
	ErrDuplicate = errors.New("codec: already registered")
)
