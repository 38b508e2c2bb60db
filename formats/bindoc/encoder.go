package bindoc

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// An Encoder builds a binary document incrementally. Arrays and maps may be
// opened without knowing their length; each open container buffers its
// elements and is prefixed with its final count when closed.
type Encoder struct {
	stack []*container
	sk    *SharedKeys
}

type container struct {
	buf   bytes.Buffer
	enc   *msgpack.Encoder
	count int
	isMap bool
}

func newContainer(isMap bool) *container {
	c := &container{isMap: isMap}
	c.enc = msgpack.NewEncoder(&c.buf)
	return c
}

// NewEncoder returns a ready-to-use encoder.
func NewEncoder() *Encoder {
	e := &Encoder{}
	e.Reset()
	return e
}

// SetSharedKeys assigns the shared keys table used for map keys. Must be set
// before any map key is written.
func (e *Encoder) SetSharedKeys(sk *SharedKeys) {
	e.sk = sk
}

// SharedKeys returns the encoder's shared keys table, or nil.
func (e *Encoder) SharedKeys() *SharedKeys { return e.sk }

// Reset discards all written data. The shared keys table is kept.
func (e *Encoder) Reset() {
	e.stack = []*container{newContainer(false)}
}

func (e *Encoder) top() *container {
	return e.stack[len(e.stack)-1]
}

// BeginArray opens an array. countHint is advisory and may be zero.
func (e *Encoder) BeginArray(countHint int) {
	_ = countHint
	e.stack = append(e.stack, newContainer(false))
}

// EndArray closes the innermost open array.
func (e *Encoder) EndArray() error {
	return e.endContainer(false)
}

// BeginMap opens a map.
func (e *Encoder) BeginMap() {
	e.stack = append(e.stack, newContainer(true))
}

// EndMap closes the innermost open map.
func (e *Encoder) EndMap() error {
	return e.endContainer(true)
}

func (e *Encoder) endContainer(isMap bool) error {
	if len(e.stack) < 2 {
		return errors.New("bindoc: unbalanced container close")
	}
	c := e.top()
	if c.isMap != isMap {
		return errors.New("bindoc: mismatched container close")
	}
	e.stack = e.stack[:len(e.stack)-1]

	parent := e.top()
	var err error
	if isMap {
		err = parent.enc.EncodeMapLen(c.count)
	} else {
		err = parent.enc.EncodeArrayLen(c.count)
	}
	if err != nil {
		return err
	}
	_, err = parent.buf.Write(c.buf.Bytes())
	parent.count++
	return err
}

// WriteKey writes a map key. With a shared keys table set, the key is
// written as its integer ID.
func (e *Encoder) WriteKey(key string) error {
	c := e.top()
	if e.sk != nil {
		return c.enc.EncodeInt(int64(e.sk.Encode(key)))
	}
	return c.enc.EncodeString(key)
}

// WriteNull writes a null value.
func (e *Encoder) WriteNull() error {
	c := e.top()
	c.count++
	return c.enc.EncodeNil()
}

// WriteBool writes a boolean value.
func (e *Encoder) WriteBool(b bool) error {
	c := e.top()
	c.count++
	return c.enc.EncodeBool(b)
}

// WriteInt writes a signed integer value.
func (e *Encoder) WriteInt(i int64) error {
	c := e.top()
	c.count++
	return c.enc.EncodeInt(i)
}

// WriteUInt writes an unsigned integer value.
func (e *Encoder) WriteUInt(u uint64) error {
	c := e.top()
	c.count++
	return c.enc.EncodeUint(u)
}

// WriteDouble writes a floating point value.
func (e *Encoder) WriteDouble(f float64) error {
	c := e.top()
	c.count++
	return c.enc.EncodeFloat64(f)
}

// WriteString writes a string value.
func (e *Encoder) WriteString(s string) error {
	c := e.top()
	c.count++
	return c.enc.EncodeString(s)
}

// WriteData writes a raw byte string value.
func (e *Encoder) WriteData(b []byte) error {
	c := e.top()
	c.count++
	return c.enc.EncodeBytes(b)
}

// WriteValue copies a parsed value into the document, re-mapping map keys
// through this encoder's shared keys table.
func (e *Encoder) WriteValue(v *Value) error {
	switch v.Type {
	case TypeNull:
		return e.WriteNull()
	case TypeBool:
		return e.WriteBool(v.Bool())
	case TypeInt:
		return e.WriteInt(v.Int())
	case TypeUInt:
		return e.WriteUInt(v.UInt())
	case TypeFloat:
		return e.WriteDouble(v.Float())
	case TypeString:
		return e.WriteString(v.String())
	case TypeData:
		return e.WriteData(v.Data())
	case TypeArray:
		e.BeginArray(len(v.Array()))
		for _, elem := range v.Array() {
			if err := e.WriteValue(elem); err != nil {
				return err
			}
		}
		return e.EndArray()
	case TypeMap:
		e.BeginMap()
		for _, entry := range v.Map() {
			if err := e.WriteKey(entry.Key); err != nil {
				return err
			}
			if err := e.WriteValue(entry.Value); err != nil {
				return err
			}
		}
		return e.EndMap()
	default:
		return errors.New("bindoc: cannot encode unknown value type")
	}
}

// FinishDoc completes the document and returns it. The encoder must hold
// exactly one root value and no open containers.
func (e *Encoder) FinishDoc() (*Doc, error) {
	if len(e.stack) != 1 {
		return nil, errors.New("bindoc: unclosed container at finish")
	}
	root := e.stack[0]
	if root.count != 1 {
		return nil, errors.New("bindoc: document must hold exactly one root value")
	}
	data := make([]byte, root.buf.Len())
	copy(data, root.buf.Bytes())
	e.Reset()
	return FromData(data, e.sk)
}
