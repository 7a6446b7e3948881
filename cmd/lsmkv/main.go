// Command lsmkv is a thin interactive demo driver over the lsmtree
// engine: put/get/delete/stats/compact subcommands against a data and
// WAL directory pair, nothing more.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/flashkv/lsmtree"
	"github.com/flashkv/lsmtree/config"
)

func main() {
	dataDir := flag.String("data-dir", "/tmp/lsm-data", "base path for sorted runs")
	walDir := flag.String("wal-dir", "/tmp/lsm-wal", "base path for the write-ahead log")
	syncImmediate := flag.Bool("wal-sync-immediate", false, "fsync every WAL append")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "lsmkv: logger init failed:", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := config.New(*dataDir, *walDir, config.WithWALSyncImmediate(*syncImmediate))
	db, err := lsmtree.Open(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lsmkv: open failed:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := dispatch(db, args); err != nil {
		fmt.Fprintln(os.Stderr, "lsmkv:", err)
		os.Exit(1)
	}
}

func dispatch(db *lsmtree.DB, args []string) error {
	switch cmd := args[0]; cmd {
	case "put":
		if len(args) != 3 {
			return fmt.Errorf("usage: lsmkv put <key> <value>")
		}
		return db.Put([]byte(args[1]), []byte(args[2]))
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: lsmkv get <key>")
		}
		v, ok := db.Get([]byte(args[1]))
		if !ok {
			fmt.Println("(absent)")
			return nil
		}
		fmt.Println(string(v))
		return nil
	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: lsmkv delete <key>")
		}
		return db.Delete([]byte(args[1]))
	case "compact":
		db.Compact()
		return nil
	case "stats":
		fmt.Print(db.Stats())
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: lsmkv [--data-dir path] [--wal-dir path] <put|get|delete|compact|stats> [args...]")
	flag.PrintDefaults()
}
