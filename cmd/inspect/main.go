package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mindmesh/mindmesh/pkg/doc"
	"github.com/mindmesh/mindmesh/pkg/store"
)

// inspect prints the contents and change history of a stored snapshot.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	snapshotsDBVar := flag.String("snapshots-db", "snapshots.sqlite3", "path to the snapshots database")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one positional argument: the map id to inspect")
	}
	mapID := flag.Arg(0)

	snapshots, err := store.OpenSnapshotStore(*snapshotsDBVar)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	state, err := snapshots.Get(context.Background(), mapID)
	if err != nil {
		return err
	}
	d, err := doc.Load(state)
	if err != nil {
		return err
	}
	slog.Info("loaded doc", "bytes", len(state), "heads", d.Heads())

	changes, err := d.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "seq", change.ActorSeq(), "dep", change.Dependencies())
	}

	exported, err := doc.FromDocument(d)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(exported, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
