package bindoc

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ConvertJSON parses a JSON document and encodes it as a binary document
// using the given shared keys table (which may be nil).
func ConvertJSON(json []byte, sk *SharedKeys) (*Doc, error) {
	if !gjson.ValidBytes(json) {
		return nil, ErrCorrupt
	}
	enc := NewEncoder()
	enc.SetSharedKeys(sk)
	if err := writeJSON(enc, gjson.ParseBytes(json)); err != nil {
		return nil, err
	}
	return enc.FinishDoc()
}

func writeJSON(enc *Encoder, result gjson.Result) error {
	switch result.Type {
	case gjson.Null:
		return enc.WriteNull()
	case gjson.True:
		return enc.WriteBool(true)
	case gjson.False:
		return enc.WriteBool(false)
	case gjson.Number:
		if isJSONInteger(result.Raw) {
			return enc.WriteInt(result.Int())
		}
		return enc.WriteDouble(result.Float())
	case gjson.String:
		return enc.WriteString(result.String())
	case gjson.JSON:
		if result.IsArray() {
			elems := result.Array()
			enc.BeginArray(len(elems))
			for _, elem := range elems {
				if err := writeJSON(enc, elem); err != nil {
					return err
				}
			}
			return enc.EndArray()
		}
		enc.BeginMap()
		var ferr error
		result.ForEach(func(key, value gjson.Result) bool {
			if ferr = enc.WriteKey(key.String()); ferr != nil {
				return false
			}
			ferr = writeJSON(enc, value)
			return ferr == nil
		})
		if ferr != nil {
			return ferr
		}
		return enc.EndMap()
	}
	return ErrCorrupt
}

func isJSONInteger(raw string) bool {
	return !strings.ContainsAny(raw, ".eE")
}
