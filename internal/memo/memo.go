// Package memo implements the signed revision format every sphere's
// history is built from: memos linking to a parent and a content-
// defined body, and the chunked byte-string representation a body CID
// resolves to.
package memo

import (
	"context"
	"encoding/base64"
	"strconv"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
)

// Memo is one revision: a link to the memo it supersedes (nil for the
// first memo of a sphere), the headers describing it, and a link to its
// body.
type Memo struct {
	Parent  *ipld.Link[Memo]      `cbor:"parent,omitempty"`
	Headers OrderedHeaders        `cbor:"headers"`
	Body    ipld.Link[BodyChunk]  `cbor:"body"`
}

// LamportOrder reads the memo's logical clock, 0 if absent or
// unparseable (the first memo in a sphere's history never carries one).
func (m Memo) LamportOrder() int64 {
	v, ok := m.Headers.Get(HeaderLamportOrder)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Author reads the signing DID off the author header.
func (m Memo) Author() (authority.DID, bool) {
	v, ok := m.Headers.Get(HeaderAuthor)
	return authority.DID(v), ok
}

// SignedMemo pairs a finished, signed Memo with the CID it was
// persisted under, computed once at signing time.
type SignedMemo struct {
	Memo Memo
	CID  ipld.CID
}

// Sign produces a new signed memo over body, linking to parent (nil for
// a sphere's first memo) and witnessed by proof (nil for an owner-key
// signature that needs no delegation). The signature covers exactly the
// raw bytes of the body's CID, not the encoded memo — so verifying a
// memo never requires decoding its body first.
func Sign(ctx context.Context, signer authority.Signer, parent *ipld.Link[Memo], proof *ipld.CID, body ipld.Link[BodyChunk], headers OrderedHeaders) (*SignedMemo, error) {
	sig, err := signer.Sign(ctx, body.CID.Bytes())
	if err != nil {
		return nil, err
	}

	out := headers.Without(HeaderAuthor, HeaderSignature, HeaderProof)
	out = out.Append(HeaderAuthor, signer.DID().String())
	out = out.Append(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	if proof != nil {
		out = out.Append(HeaderProof, proof.String())
	}

	m := Memo{Parent: parent, Headers: out, Body: body}
	block, err := ipld.Encode(m)
	if err != nil {
		return nil, err
	}
	return &SignedMemo{Memo: m, CID: block.CID}, nil
}

// Verify recomputes the signing input (the body CID's raw bytes) and
// checks it against the public key the author header's DID resolves
// to.
func Verify(verifier authority.Verifier, m Memo) error {
	authorDID, ok := m.Author()
	if !ok {
		return errs.New(errs.BadRequest, "memo: missing author header")
	}
	sigStr, ok := m.Headers.Get(HeaderSignature)
	if !ok {
		return errs.New(errs.AuthorizationMissing, "memo: missing signature header")
	}
	sig, err := base64.StdEncoding.DecodeString(sigStr)
	if err != nil {
		return errs.Wrap(errs.BadRequest, err)
	}
	return verifier.Verify(authorDID, m.Body.CID.Bytes(), sig)
}

// Branch derives an unsigned next revision from parent: it strips
// signature/proof (the child hasn't been signed yet) and advances
// lamport-order by one, the invariant every later revision in a
// sphere's history must satisfy relative to its parent.
func Branch(parent Memo, parentLink ipld.Link[Memo], body ipld.Link[BodyChunk]) Memo {
	headers := parent.Headers.Without(HeaderSignature, HeaderProof)
	next := parent.LamportOrder() + 1
	headers = headers.ReplaceHeader(HeaderLamportOrder, strconv.FormatInt(next, 10))
	link := parentLink
	return Memo{Parent: &link, Headers: headers, Body: body}
}
