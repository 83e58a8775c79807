package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basekick-labs/tickstore/internal/config"
	"github.com/basekick-labs/tickstore/internal/logger"
)

// runRestoreSubcommand restores archived series files into the data
// directory. It must run while the daemon is stopped.
//
//	tickstore restore [-key KEY] [-list] SERIES...
func runRestoreSubcommand(args []string) int {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	key := fs.String("key", "", "restore this snapshot key instead of the latest")
	list := fs.Bool("list", false, "list snapshots and exit")
	timeout := fs.Duration("timeout", 30*time.Minute, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: tickstore restore [-key KEY] [-list] SERIES...")
		return 2
	}
	if *key != "" && fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "-key restores a single series")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log := logger.Setup(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	archiver, err := newArchiver(ctx, cfg.Archive)
	if err != nil {
		log.Error().Err(err).Msg("Restore failed")
		return 1
	}

	for _, name := range fs.Args() {
		if *list {
			objs, err := archiver.List(ctx, name)
			if err != nil {
				log.Error().Err(err).Str("series", name).Msg("Failed to list snapshots")
				return 1
			}
			for _, obj := range objs {
				fmt.Printf("%s\t%s\n", obj.Created.Format(time.RFC3339), obj.Key)
			}
			continue
		}

		k := *key
		if k == "" {
			latest, err := archiver.Latest(ctx, name)
			if err != nil {
				log.Error().Err(err).Str("series", name).Msg("Restore failed")
				return 1
			}
			k = latest.Key
		}
		if err := archiver.Restore(ctx, k, seriesPath(cfg.Store.DataDir, name)); err != nil {
			log.Error().Err(err).Str("series", name).Msg("Restore failed")
			return 1
		}
	}
	return 0
}
