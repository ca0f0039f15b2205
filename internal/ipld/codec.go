package ipld

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

var (
	encModeOnce sync.Once
	encMode     cbor.EncMode
	decModeOnce sync.Once
	decMode     cbor.DecMode
)

// canonicalEncMode returns the deterministic encoder: sorted map keys,
// shortest-form integers, no indefinite-length items. Two semantically
// equal Go values always produce byte-identical output, which is the
// round-trip law Testable Properties §1 requires of the codec layer.
func canonicalEncMode() cbor.EncMode {
	encModeOnce.Do(func() {
		var err error
		encMode, err = cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			panic(fmt.Sprintf("ipld: building canonical cbor encoder: %v", err))
		}
	})
	return encMode
}

func strictDecMode() cbor.DecMode {
	decModeOnce.Do(func() {
		var err error
		decMode, err = cbor.DecOptions{
			DupMapKey:   cbor.DupMapKeyEnforcedAPF,
			IndefLength: cbor.IndefLengthForbidden,
			TagsMd:      cbor.TagsForbidden,
		}.DecMode()
		if err != nil {
			panic(fmt.Sprintf("ipld: building strict cbor decoder: %v", err))
		}
	})
	return decMode
}

// Block is the immutable, already-canonicalized byte sequence of a DAG
// node along with the CID it was computed under.
type Block struct {
	CID   CID
	Codec Codec
	Bytes []byte
}

// Encode canonically CBOR-encodes v and computes its CID. Used for every
// DAG-CBOR node in the system: memos, HAMT nodes, changelogs, bodies.
func Encode(v interface{}) (Block, error) {
	data, err := canonicalEncMode().Marshal(v)
	if err != nil {
		return Block{}, fmt.Errorf("ipld: encode: %w", err)
	}
	c, err := ComputeCID(DagCbor, data)
	if err != nil {
		return Block{}, err
	}
	return Block{CID: c, Codec: DagCbor, Bytes: data}, nil
}

// Decode parses canonical DAG-CBOR bytes into out, which must be a
// pointer.
func Decode(data []byte, out interface{}) error {
	if reflect.ValueOf(out).Kind() != reflect.Ptr {
		return fmt.Errorf("ipld: decode: out must be a pointer")
	}
	if err := strictDecMode().Unmarshal(data, out); err != nil {
		return fmt.Errorf("ipld: decode: %w", err)
	}
	return nil
}

// EncodeRaw wraps already-encoded bytes (a UCAN JWT, a body chunk) as a
// Raw-codec block.
func EncodeRaw(data []byte) (Block, error) {
	c, err := ComputeCID(Raw, data)
	if err != nil {
		return Block{}, err
	}
	return Block{CID: c, Codec: Raw, Bytes: data}, nil
}

// linker is implemented by every Link[T] regardless of T, so ExtractLinks
// can recognize link fields without knowing their instantiated type.
type linker interface {
	Unwrap() CID
	IsUndef() bool
}

// ExtractLinks walks v (a pointer to, or value of, a decoded node struct)
// recursively and returns every non-undef Link[T] it finds, in the order
// encountered, discovering what a typed node references without a type
// switch over every node shape in the sphere. Replication streaming works
// from raw block bytes and uses ExtractLinksFromBytes instead.
func ExtractLinks(v interface{}) ([]CID, error) {
	var out []CID
	seen := map[CID]bool{}
	visit := func(c CID) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	if err := walkLinks(reflect.ValueOf(v), visit); err != nil {
		return nil, err
	}
	return out, nil
}

func walkLinks(rv reflect.Value, visit func(CID)) error {
	if !rv.IsValid() {
		return nil
	}
	if rv.CanInterface() {
		if lk, ok := rv.Interface().(linker); ok {
			if !lk.IsUndef() {
				visit(lk.Unwrap())
			}
			return nil
		}
	}
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return walkLinks(rv.Elem(), visit)
	case reflect.Struct:
		for i := 0; i < rv.NumField(); i++ {
			field := rv.Field(i)
			if !field.CanInterface() {
				continue
			}
			if err := walkLinks(field, visit); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := walkLinks(rv.Index(i), visit); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			if err := walkLinks(iter.Value(), visit); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

// linkMarker tags a link's wire representation so it survives a decode
// into a bare interface{} (no struct type to hang an UnmarshalCBOR
// method off of) — ExtractLinksFromBytes relies on recognizing this
// shape without knowing any node's Go type up front.
const linkMarker = "ipld-link"

func encodeCIDBytes(c CID) ([]byte, error) {
	var raw []byte
	if c != Undef {
		raw = c.Bytes()
	}
	return canonicalEncMode().Marshal([]interface{}{linkMarker, raw})
}

func decodeCIDBytes(data []byte) (CID, error) {
	var arr []interface{}
	if err := strictDecMode().Unmarshal(data, &arr); err != nil {
		return Undef, fmt.Errorf("ipld: decode link: %w", err)
	}
	c, ok := parseLinkShape(arr)
	if !ok {
		return Undef, fmt.Errorf("ipld: decode link: not a link shape")
	}
	return c, nil
}

// parseLinkShape recognizes the [linkMarker, cidBytes] convention in an
// already-decoded generic value, returning (cid, true) on a match —
// (Undef, true) for an explicit nil link, (_, false) if v isn't a link.
func parseLinkShape(v interface{}) (CID, bool) {
	arr, ok := v.([]interface{})
	if !ok || len(arr) != 2 {
		return Undef, false
	}
	marker, ok := arr[0].(string)
	if !ok || marker != linkMarker {
		return Undef, false
	}
	if arr[1] == nil {
		return Undef, true
	}
	raw, ok := arr[1].([]byte)
	if !ok {
		return Undef, false
	}
	if len(raw) == 0 {
		return Undef, true
	}
	c, err := cid.Cast(raw)
	if err != nil {
		return Undef, false
	}
	return c, true
}

// ExtractLinksFromBytes decodes data as a generic DAG-CBOR value (no Go
// struct type required) and recursively collects every link-shaped value
// it contains. PutBlock uses this to index a block's outbound edges
// without needing to know what type the block was originally encoded
// from.
func ExtractLinksFromBytes(data []byte) ([]CID, error) {
	var v interface{}
	if err := strictDecMode().Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("ipld: extract links: %w", err)
	}
	var out []CID
	seen := map[CID]bool{}
	scanRawLinks(v, func(c CID) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	})
	return out, nil
}

func scanRawLinks(v interface{}, visit func(CID)) {
	if c, ok := parseLinkShape(v); ok {
		if c != Undef {
			visit(c)
		}
		return
	}
	switch val := v.(type) {
	case []interface{}:
		for _, e := range val {
			scanRawLinks(e, visit)
		}
	case map[interface{}]interface{}:
		for _, e := range val {
			scanRawLinks(e, visit)
		}
	case map[string]interface{}:
		for _, e := range val {
			scanRawLinks(e, visit)
		}
	}
}
