package gatewayserver

import (
	"net/http"

	"github.com/ipfs/go-cid"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/replication"
)

// FetchHandler answers spec.md §4.7 step 2: given the client's
// recorded counterpart base (the "since" query parameter, absent for a
// client that has never synced against this gateway before), either
// report UpToDate (an archive header with no roots) or stream the
// gateway's own relay-sphere history forward from since to its current
// tip — the block set a client needs to hydrate its own record of
// every counterpart sphere this gateway has heard from, including
// theirs.
func (g *Gateway) FetchHandler(w http.ResponseWriter, r *http.Request) {
	var since *ipld.CID
	if s := r.URL.Query().Get("since"); s != "" {
		c, err := cid.Decode(s)
		if err != nil {
			writeError(w, errs.Wrap(errs.BadRequest, err))
			return
		}
		since = &c
	}

	tip := g.Tip()
	if since != nil && since.Equals(tip.CID) {
		enc := replication.NewEncoder(w, nil)
		if err := enc.WriteHeader(); err != nil {
			log.Error("fetch: writing up-to-date header failed", "error", err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/vnd.noosphere.archive")
	if _, err := replication.WriteArchive(r.Context(), g.store, w, tip.CID, since, true); err != nil {
		log.Error("fetch: streaming archive failed", "error", err)
	}
}
