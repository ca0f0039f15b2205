package gatewayclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/replication"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

// Per-call timeouts spec.md §5 recommends: fetch is bounded because a
// client polls it often, push is bounded generously because it carries
// a whole revision range, and replicate intentionally has none here —
// callers scale its deadline to the archive's expected size themselves.
const (
	FetchTimeout = 30 * time.Second
	PushTimeout  = 120 * time.Second
)

// Client is the HTTP half of the gateway sync wire protocol, one
// instance per gateway base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "https://gateway.example/api/v0"'s
// parent, "https://gateway.example"). A nil httpClient uses http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Identify performs the handshake call on behalf of sphereDID, returning
// the gateway's self-description addressed to that counterpart.
func (c *Client) Identify(ctx context.Context, sphereDID authority.DID) (*IdentifyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	url := c.baseURL + "/api/v0/identify?sphere=" + sphereDID.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Network, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Network, err)
	}
	var out IdentifyResponse
	if err := ipld.Decode(data, &out); err != nil {
		return nil, errs.Wrap(errs.BadRequest, err)
	}
	return &out, nil
}

// Fetch requests everything new since the given local counterpart
// base (nil for "from the beginning"), ingesting any returned blocks
// directly into store.
func (c *Client) Fetch(ctx context.Context, store storage.BlockStore, since *ipld.CID) (*FetchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	url := c.baseURL + "/api/v0/fetch"
	if since != nil {
		url += "?since=" + since.String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Network, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	dec := replication.NewDecoder(resp.Body)
	header, err := dec.ReadHeader()
	if err != nil {
		return nil, err
	}
	if len(header.Roots) == 0 {
		return &FetchResponse{UpToDate: true}, nil
	}
	if err := drainArchive(ctx, store, dec); err != nil {
		return nil, err
	}
	return &FetchResponse{Tip: header.Roots[0]}, nil
}

// Push sends a revision range to the gateway: body describes the range,
// blocks streams everything needed to materialize it. The gateway's
// response tip and any counterpart catch-up blocks are returned and
// ingested into store respectively.
func (c *Client) Push(ctx context.Context, store storage.BlockStore, body PushBody, blocks iter.Seq2[ipld.CID, []byte]) (*PushResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, PushTimeout)
	defer cancel()

	var buf bytes.Buffer
	enc := replication.NewEncoder(&buf, []ipld.CID{body.LocalTip})
	if err := enc.WriteHeader(); err != nil {
		return nil, err
	}
	if err := PutEnvelope(enc, body); err != nil {
		return nil, err
	}
	if body.Capability != nil {
		capBlock, err := store.GetBlock(ctx, *body.Capability)
		if err != nil {
			return nil, err
		}
		if err := enc.Put(capBlock.CID, capBlock.Codec, capBlock.Bytes); err != nil {
			return nil, err
		}
	}
	for blockCID, data := range blocks {
		if err := enc.Put(blockCID, ipld.Codec(blockCID.Type()), data); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/v0/push", &buf)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Network, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	dec := replication.NewDecoder(resp.Body)
	if _, err := dec.ReadHeader(); err != nil {
		return nil, err
	}
	var out PushResponse
	if err := ReadEnvelope(dec, &out); err != nil {
		return nil, err
	}
	if err := drainArchive(ctx, store, dec); err != nil {
		return nil, err
	}
	return &out, nil
}

// Replicate streams everything needed to materialize target, ingesting
// it into store. Unlike Fetch and Push, it carries no caller-imposed
// timeout here — spec.md §5 recommends replicate scale its deadline to
// the archive's expected size rather than a fixed bound, so the
// decision is left to ctx.
func (c *Client) Replicate(ctx context.Context, store storage.BlockStore, target ipld.CID, since *ipld.CID, includeContent bool) error {
	url := fmt.Sprintf("%s/api/v0/replicate/%s?include_content=%t", c.baseURL, target.String(), includeContent)
	if since != nil {
		url += "&since=" + since.String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.Network, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	dec := replication.NewDecoder(resp.Body)
	if _, err := dec.ReadHeader(); err != nil {
		return err
	}
	return drainArchive(ctx, store, dec)
}

func drainArchive(ctx context.Context, store storage.BlockStore, dec *replication.Decoder) error {
	for {
		c, data, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		block := ipld.Block{CID: c, Codec: ipld.Codec(c.Type()), Bytes: data}
		if err := store.PutBlock(ctx, block); err != nil {
			return err
		}
	}
}

// checkStatus maps an HTTP error response onto the closed error
// taxonomy, so a caller can react to errs.As the same way regardless of
// whether the failure happened locally or over the wire.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	kind := errs.Network
	switch resp.StatusCode {
	case http.StatusConflict:
		kind = errs.Conflict
	case http.StatusBadRequest:
		kind = errs.BadRequest
	case http.StatusForbidden, http.StatusUnauthorized:
		kind = errs.AuthorizationInvalid
	case http.StatusNotFound:
		kind = errs.MissingBlock
	case http.StatusUnprocessableEntity:
		kind = errs.MissingHistory
	}
	// The gateway writes the error's own text as the body, which starts
	// with its kind's name; below 500, a known kind named there is more
	// precise than the status alone.
	if resp.StatusCode < 500 {
		for k := errs.NotInitialized; k <= errs.Internal; k++ {
			if strings.HasPrefix(string(data), k.String()+":") {
				kind = k
				break
			}
		}
	}
	return errs.Wrapf(kind, "gatewayclient: %s: %s", resp.Status, string(data))
}
