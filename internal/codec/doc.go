// Package codec converts BLE characteristic values between raw GATT bytes,
// application values and MQTT payloads.
//
// A Registry holds named primitive codecs (uint8, int16be, bool, utf8,
// raw, ...) and device types. A device type maps characteristic names to
// codec references, so adding a new kind of peripheral means registering a
// DeviceType; session code is untouched.
//
//	reg := codec.NewRegistry()
//	v, err := reg.Decode("tempSensor", "temp", []byte{0x01, 0x2C}) // 30.0
//	raw, err := reg.Encode("relay", "relay", true)                 // [0x01]
//
// Integer codecs take a fixed-point scale. The decoded value is
// n*scale rounded to the precision implied by the scale, and Format prints
// exactly that many decimals, so 300 at scale 0.1 reads "30.0".
//
// All codecs are pure. Decode failures wrap ErrDecode and are meant to be
// logged and skipped by the caller.
package codec
