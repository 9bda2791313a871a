// Copyright (c) 2024-2026 The addrbook developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// addrtool is a small utility for inspecting the serialized peer address
// state maintained by the addrmgr package.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	flags "github.com/jessevdk/go-flags"

	"github.com/p2ptools/addrbook/addrmgr"
	"github.com/p2ptools/addrbook/internal/version"
)

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

func usage(parser *flags.Parser) {
	parser.WriteHelp(os.Stderr)
	fmt.Fprintln(os.Stderr, `
Commands:
  info   print a summary of the peers file
  dump   list the shareable addresses in the peers file
  check  verify the integrity of the peers file`)
	os.Exit(2)
}

type config struct {
	DataDir     string `short:"b" long:"datadir" description:"Directory containing the peers file"`
	PeersFile   string `short:"f" long:"peersfile" description:"Path to the peers file; overrides --datadir"`
	Count       int    `short:"n" long:"count" description:"Maximum number of addresses to dump (0 means no limit)"`
	Percent     int    `short:"p" long:"percent" description:"Maximum percentage of all addresses to dump (0 means no limit)"`
	LogFile     string `long:"logfile" description:"Write log output to the provided file and rotate it as it grows"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
}

// loadPeersState reads and deserializes the peers file identified by the
// configuration into a fresh address manager.
func loadPeersState(cfg *config) (*addrmgr.AddrManager, error) {
	peersFile := cfg.PeersFile
	if peersFile == "" {
		peersFile = filepath.Join(cfg.DataDir, "peers.dat")
	}

	fi, err := os.Open(peersFile)
	if err != nil {
		return nil, err
	}
	defer fi.Close()

	amgr := addrmgr.New(&addrmgr.Config{DataDir: cfg.DataDir})
	if err := amgr.Deserialize(fi); err != nil {
		return nil, fmt.Errorf("%s: %w", peersFile, err)
	}
	return amgr, nil
}

func infoCommand(cfg *config) error {
	amgr, err := loadPeersState(cfg)
	if err != nil {
		return err
	}

	total := amgr.NumAddresses()
	shareable := len(amgr.AddressCache(0, 0))
	fmt.Printf("addresses:  %d\n", total)
	fmt.Printf("shareable:  %d\n", shareable)
	fmt.Printf("starved:    %v\n", amgr.NeedMoreAddresses())
	return nil
}

func dumpCommand(cfg *config) error {
	amgr, err := loadPeersState(cfg)
	if err != nil {
		return err
	}

	for _, na := range amgr.AddressCache(cfg.Count, cfg.Percent) {
		fmt.Printf("%-50s last seen %s services %v\n", na.Key(),
			na.Timestamp.Format("2006-01-02 15:04:05"), na.Services)
	}
	return nil
}

func checkCommand(cfg *config) error {
	_, err := loadPeersState(cfg)
	switch {
	case err == nil:
		fmt.Println("peers file OK")
		return nil

	case errors.Is(err, addrmgr.ErrChecksumMismatch):
		return fmt.Errorf("peers file is corrupt: %w", err)

	case errors.Is(err, addrmgr.ErrUnsupportedVersion):
		return fmt.Errorf("peers file was written by an incompatible "+
			"version: %w", err)

	case errors.Is(err, addrmgr.ErrMalformedPeersState):
		return fmt.Errorf("peers file is malformed: %w", err)

	default:
		return err
	}
}

func main() {
	cfg := config{
		DataDir:    ".",
		DebugLevel: "info",
	}
	parser := flags.NewParser(&cfg, flags.Default)
	parser.Usage = "[OPTIONS] command"
	args, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if cfg.ShowVersion {
		fmt.Printf("addrtool version %s (Go version %s %s/%s)\n",
			version.String(), runtime.Version(), runtime.GOOS,
			runtime.GOARCH)
		os.Exit(0)
	}

	if len(args) != 1 {
		usage(parser)
	}

	if cfg.LogFile != "" {
		if err := initLogRotator(cfg.LogFile); err != nil {
			fatalf("%v\n", err)
		}
		defer logRotator.Close()
	}
	if !setLogLevels(cfg.DebugLevel) {
		fatalf("invalid debug level %q\n", cfg.DebugLevel)
	}

	switch args[0] {
	case "info":
		err = infoCommand(&cfg)
	case "dump":
		err = dumpCommand(&cfg)
	case "check":
		err = checkCommand(&cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage(parser)
	}
	if err != nil {
		mainLog.Error(err)
		os.Exit(1)
	}
}
