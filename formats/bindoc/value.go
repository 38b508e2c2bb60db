package bindoc

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Value types.
const (
	TypeNull uint8 = iota
	TypeBool
	TypeInt
	TypeUInt
	TypeFloat
	TypeString
	TypeData
	TypeArray
	TypeMap
)

// ErrCorrupt is returned when data does not parse as a binary document.
var ErrCorrupt = errors.New("bindoc: corrupt document data")

// A Value is one node of a parsed document tree.
type Value struct {
	Type uint8

	boolVal   bool
	intVal    int64
	uintVal   uint64
	floatVal  float64
	stringVal string
	dataVal   []byte

	arrayVal []*Value
	mapVal   []MapEntry
}

// MapEntry is a single key/value pair of a map value. Entries keep document
// order so that re-encoding a value is deterministic.
type MapEntry struct {
	Key   string
	Value *Value
}

// Bool returns the boolean value.
func (v *Value) Bool() bool { return v.boolVal }

// Int returns the value as a signed integer.
func (v *Value) Int() int64 {
	switch v.Type {
	case TypeUInt:
		return int64(v.uintVal)
	case TypeFloat:
		return int64(v.floatVal)
	}
	return v.intVal
}

// UInt returns the value as an unsigned integer.
func (v *Value) UInt() uint64 {
	switch v.Type {
	case TypeInt:
		return uint64(v.intVal)
	case TypeFloat:
		return uint64(v.floatVal)
	}
	return v.uintVal
}

// Float returns the value as a float.
func (v *Value) Float() float64 {
	switch v.Type {
	case TypeInt:
		return float64(v.intVal)
	case TypeUInt:
		return float64(v.uintVal)
	}
	return v.floatVal
}

// String returns the string value, or "" for other types.
func (v *Value) String() string { return v.stringVal }

// Data returns the raw bytes of a data value.
func (v *Value) Data() []byte { return v.dataVal }

// Array returns the elements of an array value.
func (v *Value) Array() []*Value { return v.arrayVal }

// Map returns the entries of a map value.
func (v *Value) Map() []MapEntry { return v.mapVal }

// Get returns the value stored under key in a map value, or nil.
func (v *Value) Get(key string) *Value {
	for i := range v.mapVal {
		if v.mapVal[i].Key == key {
			return v.mapVal[i].Value
		}
	}
	return nil
}

// A Doc is a self-contained parsed document: the raw encoded bytes plus the
// root of the value tree. Byte equality of Data implies value equality.
type Doc struct {
	data []byte
	root *Value
}

// Data returns the raw encoded bytes of the document.
func (d *Doc) Data() []byte { return d.data }

// Root returns the root value of the document.
func (d *Doc) Root() *Value { return d.root }

// FromData parses encoded bytes into a document. Integer map keys are
// resolved through sk; pass nil when the document has no shared keys.
func FromData(data []byte, sk *SharedKeys) (*Doc, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	root, err := decodeValue(dec, sk)
	if err != nil {
		return nil, ErrCorrupt
	}
	return &Doc{data: data, root: root}, nil
}

func decodeValue(dec *msgpack.Decoder, sk *SharedKeys) (*Value, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}

	switch {
	case code == msgpcode.Nil:
		if err := dec.DecodeNil(); err != nil {
			return nil, err
		}
		return &Value{Type: TypeNull}, nil

	case code == msgpcode.True || code == msgpcode.False:
		b, err := dec.DecodeBool()
		if err != nil {
			return nil, err
		}
		return &Value{Type: TypeBool, boolVal: b}, nil

	case msgpcode.IsFixedNum(code) ||
		code == msgpcode.Int8 || code == msgpcode.Int16 ||
		code == msgpcode.Int32 || code == msgpcode.Int64:
		i, err := dec.DecodeInt64()
		if err != nil {
			return nil, err
		}
		return &Value{Type: TypeInt, intVal: i}, nil

	case code == msgpcode.Uint8 || code == msgpcode.Uint16 ||
		code == msgpcode.Uint32 || code == msgpcode.Uint64:
		u, err := dec.DecodeUint64()
		if err != nil {
			return nil, err
		}
		return &Value{Type: TypeUInt, uintVal: u}, nil

	case code == msgpcode.Float || code == msgpcode.Double:
		f, err := dec.DecodeFloat64()
		if err != nil {
			return nil, err
		}
		return &Value{Type: TypeFloat, floatVal: f}, nil

	case msgpcode.IsString(code):
		s, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		return &Value{Type: TypeString, stringVal: s}, nil

	case msgpcode.IsBin(code):
		b, err := dec.DecodeBytes()
		if err != nil {
			return nil, err
		}
		return &Value{Type: TypeData, dataVal: b}, nil

	case msgpcode.IsFixedArray(code) ||
		code == msgpcode.Array16 || code == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		arr := make([]*Value, n)
		for i := 0; i < n; i++ {
			arr[i], err = decodeValue(dec, sk)
			if err != nil {
				return nil, err
			}
		}
		return &Value{Type: TypeArray, arrayVal: arr}, nil

	case msgpcode.IsFixedMap(code) ||
		code == msgpcode.Map16 || code == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return nil, err
		}
		entries := make([]MapEntry, n)
		for i := 0; i < n; i++ {
			key, err := decodeKey(dec, sk)
			if err != nil {
				return nil, err
			}
			val, err := decodeValue(dec, sk)
			if err != nil {
				return nil, err
			}
			entries[i] = MapEntry{Key: key, Value: val}
		}
		return &Value{Type: TypeMap, mapVal: entries}, nil

	default:
		return nil, fmt.Errorf("bindoc: unsupported msgpack code 0x%02x", code)
	}
}

func decodeKey(dec *msgpack.Decoder, sk *SharedKeys) (string, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return "", err
	}
	if msgpcode.IsString(code) {
		return dec.DecodeString()
	}
	// Integer keys refer to the shared keys table.
	id, err := dec.DecodeInt()
	if err != nil {
		return "", err
	}
	if sk == nil {
		return fmt.Sprintf("#%d", id), nil
	}
	key, ok := sk.Decode(id)
	if !ok {
		return "", fmt.Errorf("bindoc: unknown shared key %d", id)
	}
	return key, nil
}
