package codec

import (
	"fmt"
	"math"
)

// Value is a decoded characteristic value. Concrete types are float64,
// int64, bool, string and []byte.
type Value any

// Codec maps one characteristic between raw GATT bytes, an application
// value and an MQTT payload. Implementations are pure and stateless.
type Codec interface {
	// Name is the reference the codec was built from, e.g. "int16be".
	Name() string

	// Decode turns raw characteristic bytes into a value.
	Decode(raw []byte) (Value, error)

	// Encode turns a value into bytes for a GATT write.
	Encode(v Value) ([]byte, error)

	// Format renders a value as an MQTT text payload.
	Format(v Value) ([]byte, error)

	// Parse reads an MQTT text payload back into a value.
	Parse(payload []byte) (Value, error)

	// Symmetric reports whether Encode(Decode(x)) == x holds for every
	// x that Decode accepts.
	Symmetric() bool
}

// Params tunes a codec built by a Factory.
type Params struct {
	// Scale multiplies the integer on decode; 0 means 1.
	Scale float64

	// Precision is the number of decimals kept and printed. Negative means
	// derive it from Scale.
	Precision int
}

// Factory builds a codec instance for the given parameters.
type Factory func(p Params) (Codec, error)

// Ref references a codec by name with optional overrides, as written in a
// characteristic binding.
type Ref struct {
	Codec     string  `yaml:"codec,omitempty" json:"codec,omitempty"`
	Scale     float64 `yaml:"scale,omitempty" json:"scale,omitempty"`
	Precision *int    `yaml:"precision,omitempty" json:"precision,omitempty"`
}

// IsZero reports whether the reference overrides nothing.
func (r Ref) IsZero() bool {
	return r.Codec == "" && r.Scale == 0 && r.Precision == nil
}

// overlay returns base with every field set in r applied on top.
func (r Ref) overlay(base Ref) Ref {
	out := base
	if r.Codec != "" {
		out.Codec = r.Codec
	}
	if r.Scale != 0 {
		out.Scale = r.Scale
	}
	if r.Precision != nil {
		out.Precision = r.Precision
	}
	return out
}

func (r Ref) params() Params {
	p := Params{Scale: r.Scale, Precision: -1}
	if r.Precision != nil {
		p.Precision = *r.Precision
	}
	return p
}

func (r Ref) String() string {
	s := r.Codec
	if r.Scale != 0 && r.Scale != 1 {
		s += fmt.Sprintf("*%g", r.Scale)
	}
	if r.Precision != nil {
		s += fmt.Sprintf(".%d", *r.Precision)
	}
	return s
}

// maxPrecision bounds derived and configured decimals.
const maxPrecision = 9

// derivePrecision returns the decimals needed to print multiples of scale
// exactly: 0.1 → 1, 0.25 → 2, 5 → 0.
func derivePrecision(scale float64) int {
	for p := 0; p < maxPrecision; p++ {
		shifted := scale * math.Pow10(p)
		if math.Abs(shifted-math.Round(shifted)) < 1e-9 {
			return p
		}
	}
	return maxPrecision
}

func roundTo(v float64, precision int) float64 {
	pow := math.Pow10(precision)
	return math.Round(v*pow) / pow
}
