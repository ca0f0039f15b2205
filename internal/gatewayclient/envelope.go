package gatewayclient

import (
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/replication"
)

// PutEnvelope encodes v as a block and writes it as enc's next entry —
// the "first block is CBOR-encoded X" convention push and its response
// both use to carry metadata that doesn't correspond to any DAG root.
func PutEnvelope(enc *replication.Encoder, v interface{}) error {
	block, err := ipld.Encode(v)
	if err != nil {
		return err
	}
	return enc.Put(block.CID, block.Codec, block.Bytes)
}

// ReadEnvelope reads the next archive entry and decodes it into out,
// the receiving half of PutEnvelope's convention.
func ReadEnvelope(dec *replication.Decoder, out interface{}) error {
	_, data, err := dec.Next()
	if err != nil {
		return err
	}
	return ipld.Decode(data, out)
}
