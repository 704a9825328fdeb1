package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mindmesh/mindmesh/pkg/api"
	"github.com/mindmesh/mindmesh/pkg/bridge"
	"github.com/mindmesh/mindmesh/pkg/session"
	"github.com/mindmesh/mindmesh/pkg/store"
	"github.com/mindmesh/mindmesh/pkg/ws"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	mapsDBVar := flag.String("maps-db", "maps.sqlite3", "path to the static maps database")
	snapshotsDBVar := flag.String("snapshots-db", "snapshots.sqlite3", "path to the snapshots database")
	namespaceVar := flag.String("ws-namespace", "sync", "first path segment of the websocket endpoint")
	syncEnabledVar := flag.Bool("sync-enabled", true, "expose live document sync over websocket")
	snapshotIntervalVar := flag.Duration("snapshot-interval", 30*time.Second, "how often to snapshot dirty live documents")
	flag.Parse()

	slog.Info("opening databases")
	snapshots, err := store.OpenSnapshotStore(*snapshotsDBVar)
	if err != nil {
		return err
	}
	defer snapshots.Close()
	records, err := store.OpenMapStore(*mapsDBVar)
	if err != nil {
		return err
	}
	defer records.Close()

	registry := session.NewRegistry(snapshots)
	hub := ws.NewHub(registry)
	b := bridge.New(records, registry, *syncEnabledVar)
	server := api.NewServer(b, snapshots, hub, api.Config{
		WSNamespace: *namespaceVar,
		SyncEnabled: *syncEnabledVar,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	// live edits are not snapshotted per update, this sweep is their
	// durability path
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(*snapshotIntervalVar)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				registry.SnapshotDirty(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{Addr: *addrVar, Handler: server.Router()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", *addrVar, "sync", *syncEnabledVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	registry.Close(shutdownCtx)

	return nil
}
