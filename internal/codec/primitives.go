package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// intCodec handles fixed-width integers with an optional fixed-point scale.
//
// Without scaling the value is an int64; with a scale or decimals it is a
// float64 rounded to precision.
type intCodec struct {
	name      string
	size      int
	signed    bool
	order     binary.ByteOrder
	scale     float64
	precision int
	symmetric bool
}

func newIntFactory(name string, size int, signed bool, order binary.ByteOrder) Factory {
	return func(p Params) (Codec, error) {
		scale := p.Scale
		if scale == 0 {
			scale = 1
		}
		if scale < 0 || math.IsInf(scale, 0) || math.IsNaN(scale) {
			return nil, fmt.Errorf("%w: %s scale must be positive, got %g", ErrUnknownCodec, name, p.Scale)
		}
		derived := derivePrecision(scale)
		precision := p.Precision
		if precision < 0 {
			precision = derived
		}
		if precision > maxPrecision {
			return nil, fmt.Errorf("%w: %s precision %d exceeds %d", ErrUnknownCodec, name, precision, maxPrecision)
		}
		return &intCodec{
			name:      name,
			size:      size,
			signed:    signed,
			order:     order,
			scale:     scale,
			precision: precision,
			symmetric: precision >= derived,
		}, nil
	}
}

func (c *intCodec) Name() string    { return c.name }
func (c *intCodec) Symmetric() bool { return c.symmetric }

func (c *intCodec) scaled() bool { return c.scale != 1 || c.precision > 0 }

func (c *intCodec) bounds() (lo, hi int64) {
	bits := uint(c.size * 8)
	if c.signed {
		return -(1 << (bits - 1)), (1 << (bits - 1)) - 1
	}
	return 0, (1 << bits) - 1
}

func (c *intCodec) Decode(raw []byte) (Value, error) {
	if len(raw) != c.size {
		return nil, fmt.Errorf("%w: %s requires %d bytes, got %d", ErrDecode, c.name, c.size, len(raw))
	}

	var n int64
	switch c.size {
	case 1:
		if c.signed {
			n = int64(int8(raw[0]))
		} else {
			n = int64(raw[0])
		}
	case 2:
		u := c.order.Uint16(raw)
		if c.signed {
			n = int64(int16(u))
		} else {
			n = int64(u)
		}
	case 4:
		u := c.order.Uint32(raw)
		if c.signed {
			n = int64(int32(u))
		} else {
			n = int64(u)
		}
	}

	if !c.scaled() {
		return n, nil
	}
	return roundTo(float64(n)*c.scale, c.precision), nil
}

func (c *intCodec) Encode(v Value) ([]byte, error) {
	f, err := toFloat(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncode, c.name, err)
	}

	n := math.Round(f / c.scale)
	lo, hi := c.bounds()
	if n < float64(lo) || n > float64(hi) {
		return nil, fmt.Errorf("%w: %s value %g out of range [%d, %d]", ErrEncode, c.name, f, lo, hi)
	}

	buf := make([]byte, c.size)
	switch c.size {
	case 1:
		buf[0] = byte(int64(n))
	case 2:
		c.order.PutUint16(buf, uint16(int64(n)))
	case 4:
		c.order.PutUint32(buf, uint32(int64(n)))
	}
	return buf, nil
}

func (c *intCodec) Format(v Value) ([]byte, error) {
	switch x := v.(type) {
	case int64:
		if c.scaled() {
			return []byte(strconv.FormatFloat(float64(x), 'f', c.precision, 64)), nil
		}
		return []byte(strconv.FormatInt(x, 10)), nil
	case float64:
		return []byte(strconv.FormatFloat(x, 'f', c.precision, 64)), nil
	default:
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrEncode, c.name, err)
		}
		return []byte(strconv.FormatFloat(f, 'f', c.precision, 64)), nil
	}
}

func (c *intCodec) Parse(payload []byte) (Value, error) {
	s := strings.TrimSpace(string(payload))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %q is not a number", ErrParse, c.name, s)
	}
	if !c.scaled() {
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("%w: %s: %q is not an integer", ErrParse, c.name, s)
		}
		return int64(f), nil
	}
	return f, nil
}

// floatCodec is an IEEE-754 single-precision little-endian value.
type floatCodec struct {
	precision int
}

func newFloatFactory(p Params) (Codec, error) {
	return &floatCodec{precision: p.Precision}, nil
}

func (c *floatCodec) Name() string    { return "float32le" }
func (c *floatCodec) Symmetric() bool { return true }

func (c *floatCodec) Decode(raw []byte) (Value, error) {
	if len(raw) != 4 {
		return nil, fmt.Errorf("%w: float32le requires 4 bytes, got %d", ErrDecode, len(raw))
	}
	f := math.Float32frombits(binary.LittleEndian.Uint32(raw))
	if math.IsNaN(float64(f)) {
		return nil, fmt.Errorf("%w: float32le value is NaN", ErrDecode)
	}
	return float64(f), nil
}

func (c *floatCodec) Encode(v Value) ([]byte, error) {
	f, err := toFloat(v)
	if err != nil {
		return nil, fmt.Errorf("%w: float32le: %w", ErrEncode, err)
	}
	if math.IsNaN(f) || math.Abs(f) > math.MaxFloat32 && !math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: float32le value %g not representable", ErrEncode, f)
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(f)))
	return buf, nil
}

func (c *floatCodec) Format(v Value) ([]byte, error) {
	f, err := toFloat(v)
	if err != nil {
		return nil, fmt.Errorf("%w: float32le: %w", ErrEncode, err)
	}
	if c.precision >= 0 {
		return []byte(strconv.FormatFloat(f, 'f', c.precision, 64)), nil
	}
	return []byte(strconv.FormatFloat(f, 'g', -1, 32)), nil
}

func (c *floatCodec) Parse(payload []byte) (Value, error) {
	s := strings.TrimSpace(string(payload))
	f, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: float32le: %q is not a number", ErrParse, s)
	}
	return f, nil
}

// boolCodec is a single byte, 0x00 or 0x01. Other bytes are rejected so
// the mapping stays reversible.
type boolCodec struct{}

func newBoolFactory(Params) (Codec, error) { return boolCodec{}, nil }

func (boolCodec) Name() string    { return "bool" }
func (boolCodec) Symmetric() bool { return true }

func (boolCodec) Decode(raw []byte) (Value, error) {
	if len(raw) != 1 {
		return nil, fmt.Errorf("%w: bool requires 1 byte, got %d", ErrDecode, len(raw))
	}
	switch raw[0] {
	case 0x00:
		return false, nil
	case 0x01:
		return true, nil
	default:
		return nil, fmt.Errorf("%w: bool byte 0x%02X is neither 0x00 nor 0x01", ErrDecode, raw[0])
	}
}

func (boolCodec) Encode(v Value) ([]byte, error) {
	b, err := toBool(v)
	if err != nil {
		return nil, fmt.Errorf("%w: bool: %w", ErrEncode, err)
	}
	if b {
		return []byte{0x01}, nil
	}
	return []byte{0x00}, nil
}

func (boolCodec) Format(v Value) ([]byte, error) {
	b, err := toBool(v)
	if err != nil {
		return nil, fmt.Errorf("%w: bool: %w", ErrEncode, err)
	}
	if b {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

func (boolCodec) Parse(payload []byte) (Value, error) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "1", "on", "true":
		return true, nil
	case "0", "off", "false":
		return false, nil
	default:
		return nil, fmt.Errorf("%w: bool: %q is not one of 1/0/on/off/true/false", ErrParse, payload)
	}
}

// textCodec is UTF-8 text.
type textCodec struct{}

func newTextFactory(Params) (Codec, error) { return textCodec{}, nil }

func (textCodec) Name() string    { return "utf8" }
func (textCodec) Symmetric() bool { return true }

func (textCodec) Decode(raw []byte) (Value, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: utf8: invalid byte sequence", ErrDecode)
	}
	return string(raw), nil
}

func (textCodec) Encode(v Value) ([]byte, error) {
	switch x := v.(type) {
	case string:
		return []byte(x), nil
	case []byte:
		return bytes.Clone(x), nil
	default:
		return nil, fmt.Errorf("%w: utf8: unsupported value type %T", ErrEncode, v)
	}
}

func (c textCodec) Format(v Value) ([]byte, error) { return c.Encode(v) }

func (textCodec) Parse(payload []byte) (Value, error) {
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: utf8: invalid byte sequence", ErrParse)
	}
	return string(payload), nil
}

// rawCodec passes bytes through. Payloads are JSON integer arrays, e.g.
// [1,44]; Parse also accepts hex with an optional 0x prefix.
type rawCodec struct {
	hexPayload bool
}

func newRawFactory(Params) (Codec, error) { return rawCodec{}, nil }
func newHexFactory(Params) (Codec, error) { return rawCodec{hexPayload: true}, nil }

func (c rawCodec) Name() string {
	if c.hexPayload {
		return "hex"
	}
	return "raw"
}

func (rawCodec) Symmetric() bool { return true }

func (rawCodec) Decode(raw []byte) (Value, error) {
	return bytes.Clone(raw), nil
}

func (c rawCodec) Encode(v Value) ([]byte, error) {
	b, err := toBytes(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncode, c.Name(), err)
	}
	return b, nil
}

func (c rawCodec) Format(v Value) ([]byte, error) {
	b, err := toBytes(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncode, c.Name(), err)
	}
	if c.hexPayload {
		return []byte(hex.EncodeToString(b)), nil
	}
	return ByteArrayJSON(b), nil
}

func (c rawCodec) Parse(payload []byte) (Value, error) {
	s := strings.TrimSpace(string(payload))
	if strings.HasPrefix(s, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(s), &ints); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrParse, c.Name(), err)
		}
		out := make([]byte, len(ints))
		for i, n := range ints {
			if n < 0 || n > 255 {
				return nil, fmt.Errorf("%w: %s: element %d out of byte range", ErrParse, c.Name(), n)
			}
			out[i] = byte(n)
		}
		return out, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %q is neither a byte array nor hex", ErrParse, c.Name(), s)
	}
	return b, nil
}

// ByteArrayJSON renders bytes as a JSON integer array. A nil slice renders
// as [] rather than null.
func ByteArrayJSON(b []byte) []byte {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(v)))
	}
	sb.WriteByte(']')
	return []byte(sb.String())
}

func toFloat(v Value) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

func toBool(v Value) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		parsed, err := boolCodec{}.Parse([]byte(x))
		if err != nil {
			return false, err
		}
		return parsed.(bool), nil
	default:
		f, err := toFloat(v)
		if err != nil {
			return false, err
		}
		switch f {
		case 0:
			return false, nil
		case 1:
			return true, nil
		default:
			return false, fmt.Errorf("%g is not 0 or 1", f)
		}
	}
}

func toBytes(v Value) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return bytes.Clone(x), nil
	case string:
		return []byte(x), nil
	case []int:
		out := make([]byte, len(x))
		for i, n := range x {
			if n < 0 || n > 255 {
				return nil, fmt.Errorf("element %d out of byte range", n)
			}
			out[i] = byte(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
