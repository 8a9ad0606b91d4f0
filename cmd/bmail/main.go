// bmail is an end-to-end encrypted direct-messaging overlay that rides
// on an existing AT Protocol account, smuggling encrypted messages
// through the actor.profile record collection. It runs as a single
// binary, authenticating with a handle and app password and persisting
// its own identity and sync state locally.
//
// Usage:
//
//	export BMAIL_USER_HANDLE=alice.bsky.social
//	export BMAIL_USER_PASSWORD=<app password>
//	./bmail
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/bmailapp/bmail/internal/atproto"
	"github.com/bmailapp/bmail/internal/config"
	"github.com/bmailapp/bmail/internal/coordinator"
	"github.com/bmailapp/bmail/internal/debugserver"
	"github.com/bmailapp/bmail/internal/firehose"
	"github.com/bmailapp/bmail/internal/identity"
	"github.com/bmailapp/bmail/internal/loader"
	"github.com/bmailapp/bmail/internal/model"
	"github.com/bmailapp/bmail/internal/store"
	"github.com/bmailapp/bmail/internal/store/sqlstore"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting bmail", "version", "1.0.0")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("config loaded", "handle", cfg.UserHandle, "pds", cfg.PDSURL)

	// ─── Identity (auto-generated if missing) ────────────────────────────────
	id, err := identity.Load(cfg.KeyFilePath)
	if err != nil {
		slog.Error("failed to load/generate identity", "error", err)
		os.Exit(1)
	}
	slog.Info("identity ready", "pub_key", id.PublicKey)

	// ─── Local durable cache ──────────────────────────────────────────────────
	cache, err := sqlstore.Open("bmail_cache.db")
	if err != nil {
		slog.Error("failed to open local cache", "error", err)
		os.Exit(1)
	}
	defer cache.Close()
	if err := cache.Migrate(); err != nil {
		slog.Error("local cache migration failed", "error", err)
		os.Exit(1)
	}

	// ─── AT Protocol client and auth ──────────────────────────────────────────
	client := atproto.NewClient(cfg.UserHandle, cfg.UserPassword)
	client.PDSURL = cfg.PDSURL

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := client.Authenticate(ctx); err != nil {
		slog.Error("failed to authenticate", "error", err)
		os.Exit(1)
	}
	localDID := model.DID(client.DID())
	slog.Info("authenticated", "did", client.DID(), "handle", client.Handle())

	resolver := atproto.NewResolver(client, cfg.BackfillRate)
	convStore := store.New(localDID)

	ld := &loader.Loader{
		Client:           client,
		Resolver:         resolver,
		Store:            convStore,
		Cache:            cache,
		Identity:         id,
		LocalDID:         localDID,
		LocalHandle:      client.Handle(),
		BackfillPageSize: cfg.BackfillPageSize,
	}

	ingestor := firehose.New(client.SubscribeReposURL(), cfg.FirehoseBuffer)
	if cursor, ok := cache.GetKV(coordinator.FirehoseCursorKey); ok {
		if seq, err := strconv.ParseInt(cursor, 10, 64); err == nil {
			ingestor.SetCursor(seq)
			slog.Info("resuming firehose from persisted cursor", "seq", seq)
		}
	}

	coord := &coordinator.Coordinator{
		Client:      client,
		Resolver:    resolver,
		Store:       convStore,
		Loader:      ld,
		Cache:       cache,
		Identity:    id,
		Ingestor:    ingestor,
		LocalDID:    localDID,
		LocalHandle: client.Handle(),
	}

	// ─── Profile bootstrap ────────────────────────────────────────────────────
	if err := coord.Initialize(ctx); err != nil {
		slog.Error("profile bootstrap failed", "error", err)
		os.Exit(1)
	}
	slog.Info("profile bootstrap complete")

	// ─── Firehose ingestor ────────────────────────────────────────────────────
	go func() {
		if err := ingestor.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("firehose ingestor stopped unexpectedly", "error", err)
		}
	}()
	go coord.RunIngressSink(ctx)

	// ─── Debug server ─────────────────────────────────────────────────────────
	debug := debugserver.New(cfg.DebugServerAddr, convStore)
	debug.Start(ctx) // blocks until ctx is cancelled

	slog.Info("bmail stopped")
}
