package replication

import (
	"encoding/binary"
	"io"

	"github.com/ipfs/go-cid"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
)

// ArchiveVersion is the only archive header version this core emits or
// accepts.
const ArchiveVersion = 1

// Header is the archive's leading frame: the version and the roots a
// receiver should consider this archive materializes, mirroring CARv1's
// own header shape without importing go-car for it.
type Header struct {
	Version int        `cbor:"version"`
	Roots   []ipld.CID `cbor:"roots"`
}

// writeFrame writes data as a uint32-length-prefixed frame.
func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errs.Wrap(errs.Network, err)
	}
	if _, err := w.Write(data); err != nil {
		return errs.Wrap(errs.Network, err)
	}
	return nil
}

// readFrame reads one uint32-length-prefixed frame, returning io.EOF
// only if the stream ends cleanly between frames.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errs.Wrap(errs.Network, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errs.Wrap(errs.Network, err)
	}
	return data, nil
}

// Encoder frames an archive onto w: a header frame followed by one
// frame per (CID, block) pair. It tracks which emitted blocks are
// referenced by another emitted block's links, so Orphans can report
// the ones a receiver should pin explicitly rather than assume are
// reachable from some other block already in the archive.
type Encoder struct {
	w           io.Writer
	roots       map[ipld.CID]bool
	referenced  map[ipld.CID]bool
	emitted     map[ipld.CID]bool
	wroteHeader bool
}

// NewEncoder prepares an archive encoder over w, declaring roots as the
// archive's top-level materialization targets.
func NewEncoder(w io.Writer, roots []ipld.CID) *Encoder {
	rootSet := make(map[ipld.CID]bool, len(roots))
	for _, r := range roots {
		rootSet[r] = true
	}
	return &Encoder{
		w:          w,
		roots:      rootSet,
		referenced: map[ipld.CID]bool{},
		emitted:    map[ipld.CID]bool{},
	}
}

// WriteHeader emits the archive's header frame. It must be called
// exactly once, before any Put.
func (e *Encoder) WriteHeader() error {
	if e.wroteHeader {
		return errs.New(errs.Internal, "replication: archive header already written")
	}
	roots := make([]ipld.CID, 0, len(e.roots))
	for r := range e.roots {
		roots = append(roots, r)
	}
	block, err := ipld.Encode(Header{Version: ArchiveVersion, Roots: roots})
	if err != nil {
		return err
	}
	e.wroteHeader = true
	return writeFrame(e.w, block.Bytes)
}

// Put emits one block's frame (CID-length-prefixed CID, followed by the
// block's bytes) and records the links it carries as referenced, so a
// later Orphans call can tell which of this archive's blocks no other
// block in it points to.
func (e *Encoder) Put(c ipld.CID, codec ipld.Codec, data []byte) error {
	if !e.wroteHeader {
		return errs.New(errs.Internal, "replication: archive header not written")
	}
	cidBytes := c.Bytes()
	var cidLen [4]byte
	binary.BigEndian.PutUint32(cidLen[:], uint32(len(cidBytes)))

	payload := make([]byte, 0, 4+len(cidBytes)+len(data))
	payload = append(payload, cidLen[:]...)
	payload = append(payload, cidBytes...)
	payload = append(payload, data...)
	if err := writeFrame(e.w, payload); err != nil {
		return err
	}

	e.emitted[c] = true
	if codec == ipld.DagCbor {
		links, err := ipld.ExtractLinksFromBytes(data)
		if err != nil {
			return nil
		}
		for _, l := range links {
			e.referenced[l] = true
		}
	}
	return nil
}

// Orphans returns every emitted block that no other emitted block
// references and that wasn't itself declared a root — blocks a
// receiver should pin directly rather than assume will stay reachable
// once the rest of the archive is garbage-collected.
func (e *Encoder) Orphans() []ipld.CID {
	var out []ipld.CID
	for c := range e.emitted {
		if e.roots[c] || e.referenced[c] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Decoder parses an archive framed by Encoder, hash-verifying every
// block it yields.
type Decoder struct {
	r          io.Reader
	readHeader bool
}

// NewDecoder wraps r as an archive decoder.
func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: r} }

// ReadHeader parses the archive's leading header frame. It must be
// called exactly once, before any Next.
func (d *Decoder) ReadHeader() (Header, error) {
	if d.readHeader {
		return Header{}, errs.New(errs.Internal, "replication: archive header already read")
	}
	data, err := readFrame(d.r)
	if err != nil {
		return Header{}, err
	}
	var h Header
	if err := ipld.Decode(data, &h); err != nil {
		return Header{}, errs.Wrap(errs.CorruptBlock, err)
	}
	if h.Version != ArchiveVersion {
		return Header{}, errs.Wrapf(errs.BadRequest, "replication: unsupported archive version %d", h.Version)
	}
	d.readHeader = true
	return h, nil
}

// Next returns the next (CID, block bytes) pair, hash-verifying the
// block against its declared CID, and io.EOF once the archive is
// exhausted.
func (d *Decoder) Next() (ipld.CID, []byte, error) {
	if !d.readHeader {
		return ipld.Undef, nil, errs.New(errs.Internal, "replication: archive header not read")
	}
	frame, err := readFrame(d.r)
	if err != nil {
		return ipld.Undef, nil, err
	}
	if len(frame) < 4 {
		return ipld.Undef, nil, errs.New(errs.CorruptBlock, "replication: archive frame too short")
	}
	cidLen := binary.BigEndian.Uint32(frame[:4])
	if uint32(len(frame)-4) < cidLen {
		return ipld.Undef, nil, errs.New(errs.CorruptBlock, "replication: archive frame cid length overruns frame")
	}
	cidBytes := frame[4 : 4+cidLen]
	data := frame[4+cidLen:]

	c, err := cid.Cast(cidBytes)
	if err != nil {
		return ipld.Undef, nil, errs.Wrap(errs.CorruptBlock, err)
	}
	if !ipld.Verify(c, data) {
		return ipld.Undef, nil, errs.Wrapf(errs.CorruptBlock, "replication: block %s failed hash verification", c)
	}
	return c, data, nil
}
