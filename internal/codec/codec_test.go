package codec

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_TempSensorScenario(t *testing.T) {
	reg := NewRegistry()

	v, err := reg.Decode(TypeTempSensor, "temp", []byte{0x01, 0x2C})
	require.NoError(t, err)
	assert.Equal(t, 30.0, v)

	c, err := reg.Resolve(TypeTempSensor, "temp", Ref{})
	require.NoError(t, err)
	payload, err := c.Format(v)
	require.NoError(t, err)
	assert.Equal(t, "30.0", string(payload))
}

func TestRegistry_RelayScenario(t *testing.T) {
	reg := NewRegistry()

	c, err := reg.Resolve(TypeRelay, "relay", Ref{})
	require.NoError(t, err)

	v, err := c.Parse([]byte("1"))
	require.NoError(t, err)
	raw, err := c.Encode(v)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, raw)

	raw, err = reg.Encode(TypeRelay, "relay", false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, raw)
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry()
	two := 2

	tests := []struct {
		name       string
		deviceType string
		char       string
		override   Ref
		wantName   string
		wantErr    error
	}{
		{"mapped", TypeTempSensor, "humidity", Ref{}, "uint16be", nil},
		{"default", TypeTempSensor, "unknown", Ref{}, "raw", nil},
		{"override codec", TypeGeneric, "x", Ref{Codec: "int16le"}, "int16le", nil},
		{"override scale keeps mapped codec", TypeTempSensor, "temp", Ref{Scale: 0.01, Precision: &two}, "int16be", nil},
		{"unknown type", "toaster", "x", Ref{}, "", ErrUnknownDeviceType},
		{"unknown codec", TypeGeneric, "x", Ref{Codec: "bcd"}, "", ErrUnknownCodec},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := reg.Resolve(tt.deviceType, tt.char, tt.override)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, c.Name())
		})
	}
}

func TestRegistry_RegisterDeviceType(t *testing.T) {
	reg := NewRegistry()

	err := reg.RegisterDeviceType(DeviceType{
		Name: "co2Sensor",
		Characteristics: map[string]Ref{
			"co2": {Codec: "uint16le"},
		},
		Default: Ref{Codec: "hex"},
	})
	require.NoError(t, err)
	assert.True(t, reg.HasDeviceType("co2Sensor"))
	assert.Contains(t, reg.DeviceTypes(), "co2Sensor")

	v, err := reg.Decode("co2Sensor", "co2", []byte{0x20, 0x03})
	require.NoError(t, err)
	assert.Equal(t, int64(800), v)

	err = reg.RegisterDeviceType(DeviceType{Name: "co2Sensor"})
	assert.ErrorIs(t, err, ErrDuplicate)

	err = reg.RegisterDeviceType(DeviceType{Name: "bad", Default: Ref{Codec: "nope"}})
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestRegistry_RegisterCodec(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterCodec("bool2", newBoolFactory))
	assert.ErrorIs(t, reg.RegisterCodec("bool2", newBoolFactory), ErrDuplicate)
	assert.ErrorIs(t, reg.RegisterCodec("", newBoolFactory), ErrUnknownCodec)

	c, err := reg.Resolve(TypeGeneric, "x", Ref{Codec: "bool2"})
	require.NoError(t, err)
	assert.Equal(t, "bool", c.Name())
}

func TestDecodeErrors(t *testing.T) {
	reg := NewRegistry()

	tests := []struct {
		name string
		ref  Ref
		raw  []byte
	}{
		{"short int16", Ref{Codec: "int16be"}, []byte{0x01}},
		{"long uint8", Ref{Codec: "uint8"}, []byte{0x01, 0x02}},
		{"empty bool", Ref{Codec: "bool"}, nil},
		{"bool out of domain", Ref{Codec: "bool"}, []byte{0x02}},
		{"bad utf8", Ref{Codec: "utf8"}, []byte{0xff, 0xfe}},
		{"short float", Ref{Codec: "float32le"}, []byte{0, 0}},
		{"nan float", Ref{Codec: "float32le"}, []byte{0x00, 0x00, 0xc0, 0x7f}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := reg.Resolve(TypeGeneric, "x", tt.ref)
			require.NoError(t, err)
			_, err = c.Decode(tt.raw)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestEncodeErrors(t *testing.T) {
	reg := NewRegistry()

	tests := []struct {
		name  string
		ref   Ref
		value Value
	}{
		{"uint8 overflow", Ref{Codec: "uint8"}, int64(256)},
		{"uint8 negative", Ref{Codec: "uint8"}, -1.0},
		{"int16 scaled overflow", Ref{Codec: "int16be", Scale: 0.1}, 3276.8},
		{"bool from 2", Ref{Codec: "bool"}, 2},
		{"utf8 from number", Ref{Codec: "utf8"}, 3.5},
		{"raw from float", Ref{Codec: "raw"}, 1.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := reg.Resolve(TypeGeneric, "x", tt.ref)
			require.NoError(t, err)
			_, err = c.Encode(tt.value)
			assert.ErrorIs(t, err, ErrEncode)
		})
	}
}

func TestParse(t *testing.T) {
	reg := NewRegistry()

	tests := []struct {
		name    string
		ref     Ref
		payload string
		want    Value
		wantErr bool
	}{
		{"bool on", Ref{Codec: "bool"}, " ON ", true, false},
		{"bool false", Ref{Codec: "bool"}, "false", false, false},
		{"bool junk", Ref{Codec: "bool"}, "maybe", nil, true},
		{"int plain", Ref{Codec: "uint8"}, "42", int64(42), false},
		{"int fractional", Ref{Codec: "uint8"}, "4.2", nil, true},
		{"int scaled", Ref{Codec: "int16be", Scale: 0.1}, "21.5", 21.5, false},
		{"raw array", Ref{Codec: "raw"}, "[1, 44]", []byte{1, 44}, false},
		{"raw hex", Ref{Codec: "raw"}, "0x012c", []byte{1, 44}, false},
		{"raw out of range", Ref{Codec: "raw"}, "[300]", nil, true},
		{"utf8", Ref{Codec: "utf8"}, "hello", "hello", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := reg.Resolve(TypeGeneric, "x", tt.ref)
			require.NoError(t, err)
			got, err := c.Parse([]byte(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrParse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat(t *testing.T) {
	reg := NewRegistry()
	zero := 0

	tests := []struct {
		name  string
		ref   Ref
		value Value
		want  string
	}{
		{"scaled keeps trailing zero", Ref{Codec: "int16be", Scale: 0.1}, 30.0, "30.0"},
		{"humidity two decimals", Ref{Codec: "uint16be", Scale: 0.01}, 45.1, "45.10"},
		{"plain int", Ref{Codec: "uint8"}, int64(87), "87"},
		{"explicit zero precision", Ref{Codec: "int16be", Scale: 0.5, Precision: &zero}, 2.4, "2"},
		{"bool true", Ref{Codec: "bool"}, true, "1"},
		{"raw array", Ref{Codec: "raw"}, []byte{1, 44}, "[1,44]"},
		{"raw empty", Ref{Codec: "raw"}, []byte(nil), "[]"},
		{"hex", Ref{Codec: "hex"}, []byte{1, 44}, "012c"},
		{"float shortest", Ref{Codec: "float32le"}, 1.5, "1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := reg.Resolve(TypeGeneric, "x", tt.ref)
			require.NoError(t, err)
			got, err := c.Format(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestDerivePrecision(t *testing.T) {
	assert.Equal(t, 0, derivePrecision(1))
	assert.Equal(t, 0, derivePrecision(5))
	assert.Equal(t, 1, derivePrecision(0.1))
	assert.Equal(t, 1, derivePrecision(0.5))
	assert.Equal(t, 2, derivePrecision(0.25))
	assert.Equal(t, 2, derivePrecision(0.01))
}

// Every symmetric codec must reproduce the exact input bytes after a
// decode/encode cycle.
func TestRoundTrip(t *testing.T) {
	reg := NewRegistry()
	rng := rand.New(rand.NewSource(1))

	refs := []Ref{
		{Codec: "int8"},
		{Codec: "uint8"},
		{Codec: "int16be"},
		{Codec: "int16le"},
		{Codec: "uint16be"},
		{Codec: "uint16le"},
		{Codec: "int32be"},
		{Codec: "uint32le"},
		{Codec: "int16be", Scale: 0.1},
		{Codec: "uint16be", Scale: 0.01},
		{Codec: "int16le", Scale: 0.25},
		{Codec: "uint32be", Scale: 0.001},
		{Codec: "float32le"},
		{Codec: "bool"},
		{Codec: "utf8"},
		{Codec: "raw"},
	}

	for _, ref := range refs {
		t.Run(ref.String(), func(t *testing.T) {
			c, err := reg.Resolve(TypeGeneric, "x", ref)
			require.NoError(t, err)
			require.True(t, c.Symmetric())

			for _, raw := range samples(c.Name(), rng) {
				v, err := c.Decode(raw)
				if err != nil {
					continue
				}
				back, err := c.Encode(v)
				require.NoError(t, err, "encode %v from %x", v, raw)
				require.Equal(t, raw, back, "value %v", v)
			}
		})
	}
}

func samples(name string, rng *rand.Rand) [][]byte {
	var out [][]byte
	switch name {
	case "int8", "uint8", "bool":
		for i := 0; i < 256; i++ {
			out = append(out, []byte{byte(i)})
		}
	case "int16be", "int16le", "uint16be", "uint16le":
		for i := 0; i < 1<<16; i++ {
			b := make([]byte, 2)
			binary.BigEndian.PutUint16(b, uint16(i))
			out = append(out, b)
		}
	default:
		out = append(out, []byte{0, 0, 0, 0}, []byte{0xff, 0xff, 0xff, 0xff}, []byte{0x80, 0, 0, 0}, []byte{0, 0, 0, 0x80})
		for i := 0; i < 2000; i++ {
			b := make([]byte, 4)
			rng.Read(b)
			out = append(out, b)
		}
		if name == "utf8" || name == "raw" {
			out = append(out, []byte("hello"), []byte{})
		}
	}
	return out
}
