package gatewayserver

import (
	"context"
	"net/http"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/gatewayclient"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
)

// IdentifyHandler answers spec.md §4.9's handshake: the gateway's own
// identity, the counterpart sphere it is addressing (named by the
// "sphere" query parameter), a signature over the two DIDs
// concatenated, and the standing push delegation that counterpart
// provisioned this gateway with — the same proof PushHandler later
// checks, so a client that accepts this handshake knows its own push
// will be honored.
func (g *Gateway) IdentifyHandler(w http.ResponseWriter, r *http.Request) {
	sphereParam := r.URL.Query().Get("sphere")
	if sphereParam == "" {
		writeError(w, errs.New(errs.BadRequest, "gatewayserver: identify requires a sphere query parameter"))
		return
	}
	counterpart := authority.DID(sphereParam)

	resp, err := g.buildIdentifyResponse(r.Context(), counterpart)
	if err != nil {
		writeError(w, err)
		return
	}
	block, err := ipld.Encode(resp)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.Write(block.Bytes)
}

func (g *Gateway) buildIdentifyResponse(ctx context.Context, counterpart authority.DID) (*gatewayclient.IdentifyResponse, error) {
	proof, ok := g.counterparts.Load(counterpart)
	if !ok {
		return nil, errs.Wrapf(errs.AuthorizationMissing, "gatewayserver: %s has not provisioned this gateway", counterpart)
	}

	gatewayDID := g.signer.DID()
	signingInput := append([]byte(gatewayDID), []byte(counterpart)...)
	sig, err := g.signer.Sign(ctx, signingInput)
	if err != nil {
		return nil, err
	}

	return &gatewayclient.IdentifyResponse{
		GatewayIdentity: gatewayDID,
		SphereIdentity:  counterpart,
		Signature:       sig,
		Proof:           *proof.(*authority.Token),
	}, nil
}
