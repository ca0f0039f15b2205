package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/multiformats/go-multiaddr"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/config"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/gatewayserver"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/jobqueue"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/logging"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/memo"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/nameresolver"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

var log = logging.For("noosphere-gateway")

// listenAddr and the job pool's shape are the only two knobs this
// binary doesn't read from config.Storage/config.Security — spec.md §6
// leaves a gateway deployment's own listen address and worker count to
// the operator rather than the shared sphere-workspace config surface.
const (
	listenAddr    = ":8080"
	jobWorkers    = 4
	jobBufferSize = 64
)

func main() {
	if err := run(); err != nil {
		log.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Config{
		Storage:  config.Storage{Path: envOr("NOOSPHERE_GATEWAY_DATA", "./gateway-data")},
		Security: config.Security{KeyStoragePath: envOr("NOOSPHERE_GATEWAY_KEY", "./gateway-identity.seed")},
	}

	signer, err := loadOrCreateIdentity(cfg.Security.KeyStoragePath)
	if err != nil {
		return fmt.Errorf("loading gateway identity: %w", err)
	}
	log.Info("gateway identity loaded", "did", signer.DID())

	// A real deployment backs this with a persistent datastore.Datastore
	// (flatfs, badger) scoped under cfg.Storage.Path; none of those
	// drivers are part of this core's dependency surface, so the
	// in-memory map store every other package in this module already
	// uses for its own store stands in here too.
	db, err := storage.OpenSphereDB(ctx, datastore.NewMapDatastore())
	if err != nil {
		return fmt.Errorf("opening gateway block store: %w", err)
	}

	jobs := jobqueue.New(ctx, jobWorkers, jobBufferSize)
	defer jobs.Close()

	resolver := nameresolver.New(noopLinkRecordFetcher{}, jobs)

	gw, err := gatewayserver.New(ctx, db.Blocks, signer, ipld.Link[memo.Memo]{}, jobs, resolver)
	if err != nil {
		return fmt.Errorf("opening gateway relay sphere: %w", err)
	}
	log.Info("relay sphere opened", "tip", gw.Tip().CID)

	router, err := gw.Router()
	if err != nil {
		return fmt.Errorf("building gateway router: %w", err)
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("gateway server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down gateway server: %w", err)
	}
	return <-serveErr
}

// loadOrCreateIdentity reads a 32-byte ed25519 seed from path, or
// generates and persists a fresh one if the file doesn't exist yet —
// the gateway's signing identity must stay stable across restarts,
// since counterpart spheres provision their standing push delegation
// against one fixed gateway DID.
func loadOrCreateIdentity(path string) (authority.Signer, error) {
	seed, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generating identity seed: %w", err)
		}
		if err := os.WriteFile(path, seed, 0o600); err != nil {
			return nil, fmt.Errorf("persisting identity seed: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading identity seed: %w", err)
	}

	key, err := authority.KeyMaterialFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("reconstructing identity key: %w", err)
	}
	return authority.NewSigner(key), nil
}

// noopLinkRecordFetcher stands in for the out-of-scope DHT-based name
// system transport (spec.md §1): it reports every target as
// unpublished rather than actually reaching a name-resolution network.
// A real deployment injects its own LinkRecordFetcher wired to that
// transport instead.
type noopLinkRecordFetcher struct{}

func (noopLinkRecordFetcher) FetchLinkRecord(ctx context.Context, target authority.DID, hint multiaddr.Multiaddr) (*authority.Token, bool, error) {
	return nil, false, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
