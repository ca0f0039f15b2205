package gatewayserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ipfs/go-cid"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/replication"
)

// ReplicateHandler answers spec.md §4.8's replicate call: stream every
// block needed to materialize the {cid} path parameter, incrementally
// relative to since when that's eligible (both roots are sphere memos,
// since is a causal ancestor, and both share an audience), full
// otherwise, and skipping the published-content subtree entirely unless
// include_content was requested.
func (g *Gateway) ReplicateHandler(w http.ResponseWriter, r *http.Request) {
	target, err := cid.Decode(chi.URLParam(r, "cid"))
	if err != nil {
		writeError(w, errs.Wrap(errs.BadRequest, err))
		return
	}

	var since *ipld.CID
	if s := r.URL.Query().Get("since"); s != "" {
		c, err := cid.Decode(s)
		if err != nil {
			writeError(w, errs.Wrap(errs.BadRequest, err))
			return
		}
		since = &c
	}

	includeContent := false
	if s := r.URL.Query().Get("include_content"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, errs.Wrap(errs.BadRequest, err))
			return
		}
		includeContent = v
	}

	if since != nil {
		eligible, err := replication.IsAllowedToReplicateIncrementally(r.Context(), g.store, ipld.NewLink[memo.Memo](*since), ipld.NewLink[memo.Memo](target))
		if err != nil {
			writeError(w, err)
			return
		}
		if !eligible {
			since = nil
		}
	}

	w.Header().Set("Content-Type", "application/vnd.noosphere.archive")
	if _, err := replication.WriteArchive(r.Context(), g.store, w, target, since, includeContent); err != nil {
		log.Error("replicate: streaming archive failed", "error", err)
	}
}
