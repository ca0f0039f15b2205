// noospherectl is a sketch, not a CLI framework: spec.md's Non-goals
// explicitly exclude a real command-line interface, so this binary
// only demonstrates the sequence of core operations a CLI verb set
// would eventually call — open a sphere, follow a petname, publish
// content, walk it back out — the same narrated local demo-flow shape
// the teacher's own node entrypoint used to exercise its core without
// a real network on the other end.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ipfs/go-datastore"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/sphere"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "noospherectl:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	fmt.Println("noospherectl: opening a fresh local workspace")
	db, err := storage.OpenSphereDB(ctx, datastore.NewMapDatastore())
	if err != nil {
		return err
	}

	key, err := authority.GenerateKeyMaterial()
	if err != nil {
		return err
	}
	signer := authority.NewSigner(key)
	fmt.Println("noospherectl: author identity", signer.DID())

	if err := db.LocalMetadata().SetAuthorKeyName(ctx, "default"); err != nil {
		return err
	}
	if err := db.LocalMetadata().SetGatewayURL(ctx, "https://gateway.example/api/v0"); err != nil {
		return err
	}

	tip, err := genesis(ctx, db.Blocks, signer)
	if err != nil {
		return err
	}
	view, err := sphere.Open(ctx, db.Blocks, tip)
	if err != nil {
		return err
	}
	fmt.Println("noospherectl: sphere opened at", view.Tip.CID)

	friendKey, err := authority.GenerateKeyMaterial()
	if err != nil {
		return err
	}
	friendDID, err := friendKey.DID()
	if err != nil {
		return err
	}
	revision, err := view.Follow(ctx, "friend", friendDID)
	if err != nil {
		return err
	}
	signed, err := revision.Sign(ctx, signer, nil)
	if err != nil {
		return err
	}
	view, err = sphere.Open(ctx, db.Blocks, ipld.NewLink[memo.Memo](signed.CID))
	if err != nil {
		return err
	}
	fmt.Println("noospherectl: followed", friendDID, "as \"friend\"")

	cursor := view.Cursor()
	bodyLink, err := memo.EncodeBody(ctx, db.Blocks, []byte("hello, noosphere"))
	if err != nil {
		return err
	}
	page, err := memo.Sign(ctx, signer, nil, nil, bodyLink, nil)
	if err != nil {
		return err
	}
	if err := cursor.SetContent(ctx, "about", page.Memo); err != nil {
		return err
	}
	revision, err = cursor.Apply(ctx)
	if err != nil {
		return err
	}
	signed, err = revision.Sign(ctx, signer, nil)
	if err != nil {
		return err
	}
	view, err = sphere.Open(ctx, db.Blocks, ipld.NewLink[memo.Memo](signed.CID))
	if err != nil {
		return err
	}
	fmt.Println("noospherectl: published \"about\" at revision", view.Tip.CID)

	fmt.Println("noospherectl: walking content")
	return view.Walk(ctx, func(slug string, m *memo.Memo) error {
		fmt.Println("  -", slug)
		return nil
	})
}

// genesis signs the sphere's first, empty revision, the same shape
// gatewayserver.genesisRelaySphere and syncengine's own test fixtures
// build their starting tip from.
func genesis(ctx context.Context, store storage.BlockStore, signer authority.Signer) (ipld.Link[memo.Memo], error) {
	did := signer.DID()

	rootsBlock, err := ipld.Encode(memo.AuthorityRoots{})
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}
	if err := store.PutBlock(ctx, rootsBlock); err != nil {
		return ipld.Link[memo.Memo]{}, err
	}

	body := memo.SphereBody{Identity: did, Authority: ipld.NewLink[memo.AuthorityRoots](rootsBlock.CID)}
	bodyBlock, err := ipld.Encode(body)
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}
	bodyLink, err := memo.EncodeBody(ctx, store, bodyBlock.Bytes)
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}

	headers := memo.OrderedHeaders{}.Append(memo.HeaderContentType, memo.ContentTypeSphere)
	signed, err := memo.Sign(ctx, signer, nil, nil, bodyLink, headers)
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}
	memoBlock, err := ipld.Encode(signed.Memo)
	if err != nil {
		return ipld.Link[memo.Memo]{}, err
	}
	if err := store.PutBlock(ctx, memoBlock); err != nil {
		return ipld.Link[memo.Memo]{}, err
	}
	return ipld.NewLink[memo.Memo](memoBlock.CID), nil
}
