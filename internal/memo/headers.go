package memo

// Header is a single name/value pair carried on a Memo. Names repeat
// freely — OrderedHeaders, not a map, is what preserves that.
type Header struct {
	Name  string `cbor:"name"`
	Value string `cbor:"value"`
}

// Well-known header names every signed Memo carries.
const (
	HeaderAuthor       = "author"
	HeaderSignature    = "signature"
	HeaderProof        = "proof"
	HeaderContentType  = "content-type"
	HeaderLamportOrder = "lamport-order"
)

// ContentTypeSphere is the content-type a sphere's root-of-history memo
// carries, distinguishing it from ordinary published content memos
// (text/subtext, application/octet-stream, and so on).
const ContentTypeSphere = "noosphere/sphere"

// IsSphereMemo reports whether m's content-type header marks it as a
// sphere revision rather than ordinary published content.
func (m Memo) IsSphereMemo() bool {
	v, _ := m.Headers.Get(HeaderContentType)
	return v == ContentTypeSphere
}

// OrderedHeaders preserves insertion order, including duplicate header
// names, so that re-encoding a memo with its headers applied in the
// same order always produces the same bytes and therefore the same
// CID.
type OrderedHeaders []Header

// Values returns every value recorded under name, in insertion order.
func (h OrderedHeaders) Values(name string) []string {
	var out []string
	for _, hdr := range h {
		if hdr.Name == name {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Get returns the first value recorded under name.
func (h OrderedHeaders) Get(name string) (string, bool) {
	for _, hdr := range h {
		if hdr.Name == name {
			return hdr.Value, true
		}
	}
	return "", false
}

// Append adds one more value under name without disturbing any existing
// header of the same or a different name.
func (h OrderedHeaders) Append(name, value string) OrderedHeaders {
	return append(h, Header{Name: name, Value: value})
}

// ReplaceHeader removes every existing header named name and appends a
// single fresh one in its place. This, not a map assignment, is what
// keeps a memo's CID stable across repeated replacement of the same
// header — appending without removing would leave stale values in the
// encoding.
func (h OrderedHeaders) ReplaceHeader(name, value string) OrderedHeaders {
	out := make(OrderedHeaders, 0, len(h)+1)
	for _, hdr := range h {
		if hdr.Name != name {
			out = append(out, hdr)
		}
	}
	return append(out, Header{Name: name, Value: value})
}

// Without returns a copy with every header named one of names removed,
// used when branching a memo to strip the headers that don't carry
// forward to an unsigned child.
func (h OrderedHeaders) Without(names ...string) OrderedHeaders {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	out := make(OrderedHeaders, 0, len(h))
	for _, hdr := range h {
		if !drop[hdr.Name] {
			out = append(out, hdr)
		}
	}
	return out
}
