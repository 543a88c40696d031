package codec

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// DeviceType maps characteristic names to codec references for one kind
// of peripheral. Characteristics without a mapping use Default.
type DeviceType struct {
	Name            string
	Characteristics map[string]Ref
	Default         Ref
}

// Built-in device-type tags.
const (
	TypeTempSensor = "tempSensor"
	TypeRelay      = "relay"
	TypeGeneric    = "generic"
)

// Registry resolves codecs by device type and characteristic.
//
// Registration happens during startup; lookups are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	types     map[string]DeviceType
}

// NewRegistry returns a registry preloaded with the primitive codecs and
// the built-in device types.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		types:     make(map[string]DeviceType),
	}

	for name, f := range map[string]Factory{
		"int8":      newIntFactory("int8", 1, true, binary.BigEndian),
		"uint8":     newIntFactory("uint8", 1, false, binary.BigEndian),
		"int16be":   newIntFactory("int16be", 2, true, binary.BigEndian),
		"int16le":   newIntFactory("int16le", 2, true, binary.LittleEndian),
		"uint16be":  newIntFactory("uint16be", 2, false, binary.BigEndian),
		"uint16le":  newIntFactory("uint16le", 2, false, binary.LittleEndian),
		"int32be":   newIntFactory("int32be", 4, true, binary.BigEndian),
		"int32le":   newIntFactory("int32le", 4, true, binary.LittleEndian),
		"uint32be":  newIntFactory("uint32be", 4, false, binary.BigEndian),
		"uint32le":  newIntFactory("uint32le", 4, false, binary.LittleEndian),
		"float32le": newFloatFactory,
		"bool":      newBoolFactory,
		"utf8":      newTextFactory,
		"raw":       newRawFactory,
		"hex":       newHexFactory,
	} {
		r.factories[name] = f
	}

	for _, t := range builtinTypes() {
		r.types[t.Name] = t
	}

	return r
}

func builtinTypes() []DeviceType {
	return []DeviceType{
		{
			Name: TypeTempSensor,
			Characteristics: map[string]Ref{
				"temp":     {Codec: "int16be", Scale: 0.1},
				"humidity": {Codec: "uint16be", Scale: 0.01},
				"battery":  {Codec: "uint8"},
			},
			Default: Ref{Codec: "raw"},
		},
		{
			Name: TypeRelay,
			Characteristics: map[string]Ref{
				"relay": {Codec: "bool"},
				"state": {Codec: "bool"},
			},
			Default: Ref{Codec: "raw"},
		},
		{
			Name:    TypeGeneric,
			Default: Ref{Codec: "raw"},
		},
	}
}

// RegisterCodec adds a named codec factory.
func (r *Registry) RegisterCodec(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("%w: codec name and factory are required", ErrUnknownCodec)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: codec %q", ErrDuplicate, name)
	}
	r.factories[name] = f
	return nil
}

// RegisterDeviceType adds a device type. Every reference it contains must
// name a registered codec.
func (r *Registry) RegisterDeviceType(t DeviceType) error {
	if t.Name == "" {
		return fmt.Errorf("%w: device type name is required", ErrUnknownDeviceType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("%w: device type %q", ErrDuplicate, t.Name)
	}
	refs := []Ref{t.Default}
	for _, ref := range t.Characteristics {
		refs = append(refs, ref)
	}
	for _, ref := range refs {
		if ref.Codec == "" {
			continue
		}
		if _, ok := r.factories[ref.Codec]; !ok {
			return fmt.Errorf("%w: %q in device type %q", ErrUnknownCodec, ref.Codec, t.Name)
		}
	}
	r.types[t.Name] = t
	return nil
}

// HasDeviceType reports whether the tag is registered.
func (r *Registry) HasDeviceType(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// DeviceTypes returns the registered tags, sorted.
func (r *Registry) DeviceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the codec for a characteristic of a device type.
//
// The device type's mapping for the characteristic (or its default) is the
// base; fields set in override replace the base's.
func (r *Registry) Resolve(deviceType, characteristic string, override Ref) (Codec, error) {
	r.mu.RLock()
	t, ok := r.types[deviceType]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownDeviceType, deviceType)
	}

	base, mapped := t.Characteristics[characteristic]
	if !mapped {
		base = t.Default
	}
	ref := override.overlay(base)

	factory, ok := r.factories[ref.Codec]
	r.mu.RUnlock()
	if !ok {
		if ref.Codec == "" {
			return nil, fmt.Errorf("%w: no codec for %s/%s", ErrUnknownCodec, deviceType, characteristic)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, ref.Codec)
	}

	c, err := factory(ref.params())
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Decode decodes raw bytes using the device type's codec for characteristic.
func (r *Registry) Decode(deviceType, characteristic string, raw []byte) (Value, error) {
	c, err := r.Resolve(deviceType, characteristic, Ref{})
	if err != nil {
		return nil, err
	}
	return c.Decode(raw)
}

// Encode encodes v using the device type's codec for characteristic.
func (r *Registry) Encode(deviceType, characteristic string, v Value) ([]byte, error) {
	c, err := r.Resolve(deviceType, characteristic, Ref{})
	if err != nil {
		return nil, err
	}
	return c.Encode(v)
}
