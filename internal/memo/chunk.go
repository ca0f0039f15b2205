package memo

import (
	"context"
	"io"
	"math/rand"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

// Chunk size targets for the content-defined chunker. No example repo
// in the pack ships a FastCDC library, so the cut-point algorithm below
// is hand-rolled from the published FastCDC normalized-chunking
// approach (Xia et al.) rather than imported.
const (
	MinimumMin = 16 << 10
	Average    = 512 << 10
	Maximum    = 1 << 20
)

// gearTable is FastCDC's per-byte rolling-hash multiplier table. It is
// generated once from a fixed seed rather than loaded from a real
// random source: every process that chunks the same bytes must produce
// the same cut points, or two replicas of one body would disagree on
// its chunk CIDs.
var gearTable = generateGearTable()

func generateGearTable() [256]uint64 {
	var table [256]uint64
	r := rand.New(rand.NewSource(0x4e6f6f73706865))
	for i := range table {
		table[i] = r.Uint64()
	}
	return table
}

// maskSmall is the stricter (more-bits-set) mask applied before a
// candidate chunk reaches Average size, discouraging premature cuts;
// maskLarge is the looser mask applied afterward, encouraging the
// chunker to settle on a cut before Maximum forces one.
const (
	maskSmall = uint64(1<<26 - 1)
	maskLarge = uint64(1<<18 - 1)
)

// nextCut returns the length of the next chunk FastCDC would emit from
// the front of data.
func nextCut(data []byte) int {
	n := len(data)
	if n <= MinimumMin {
		return n
	}
	limit := n
	if limit > Maximum {
		limit = Maximum
	}
	var fp uint64
	for i := MinimumMin; i < limit; i++ {
		fp = (fp << 1) + gearTable[data[i]]
		mask := maskLarge
		if i < Average {
			mask = maskSmall
		}
		if fp&mask == 0 {
			return i + 1
		}
	}
	return limit
}

// BodyChunk is one content-addressed slice of a body's bytes, linking
// forward to the chunk that follows it (nil for the last chunk).
type BodyChunk struct {
	Bytes []byte                `cbor:"bytes"`
	Next  *ipld.Link[BodyChunk] `cbor:"next,omitempty"`
}

// EncodeBody splits data at content-defined boundaries and persists the
// resulting chunks as a singly-linked chain, returning a link to the
// first chunk. Chunks are built and written in reverse (last chunk
// first) so that every chunk's Next is already a concrete CID by the
// time that chunk itself is encoded — no chunk is ever written twice.
func EncodeBody(ctx context.Context, store storage.BlockStore, data []byte) (ipld.Link[BodyChunk], error) {
	type span struct{ from, to int }
	var spans []span
	from := 0
	for from < len(data) {
		cut := nextCut(data[from:])
		spans = append(spans, span{from: from, to: from + cut})
		from += cut
	}
	if len(spans) == 0 {
		spans = append(spans, span{from: 0, to: 0})
	}

	var next *ipld.Link[BodyChunk]
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		bytes := make([]byte, s.to-s.from)
		copy(bytes, data[s.from:s.to])

		chunk := BodyChunk{Bytes: bytes, Next: next}
		block, err := ipld.Encode(chunk)
		if err != nil {
			return ipld.Link[BodyChunk]{}, err
		}
		if err := store.PutBlock(ctx, block); err != nil {
			return ipld.Link[BodyChunk]{}, err
		}
		link := ipld.NewLink[BodyChunk](block.CID)
		next = &link
	}
	return *next, nil
}

// bodyReader composes a forward io.Reader over a BodyChunk chain,
// fetching each chunk only once the previous one has been fully read.
type bodyReader struct {
	ctx   context.Context
	store storage.BlockStore
	next  *ipld.Link[BodyChunk]
	buf   []byte
}

// DecodeBody returns an io.Reader that yields a body's bytes in order,
// following Next pointers through the block store as it drains each
// chunk.
func DecodeBody(ctx context.Context, store storage.BlockStore, head ipld.Link[BodyChunk]) io.Reader {
	return &bodyReader{ctx: ctx, store: store, next: &head}
}

func (r *bodyReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.next == nil {
			return 0, io.EOF
		}
		block, err := r.store.GetBlock(r.ctx, r.next.CID)
		if err != nil {
			return 0, err
		}
		var chunk BodyChunk
		if err := ipld.Decode(block.Bytes, &chunk); err != nil {
			return 0, err
		}
		r.buf = chunk.Bytes
		r.next = chunk.Next
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
