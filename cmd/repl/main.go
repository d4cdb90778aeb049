// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides an interactive REPL over the MVCC engine and its
// garbage collector.
//
// The REPL stores key/value pairs as "key=value" tuples in one table with a
// unique hash index on the key. Every command runs in its own transaction
// unless one was opened with begin. The collector runs manually, so the
// effect of each step on epochs, garbage and recycled slots can be observed.
//
// # Usage
//
// Start the REPL:
//
//	go run ./cmd/repl -config engine.jsonnet
//
// Available commands:
//
//	put <key> <value>   - Insert or update a key
//	get <key>           - Read a key
//	del <key>           - Delete a key
//	scan                - List every visible pair
//	begin               - Open an explicit transaction
//	commit, abort       - End the explicit transaction
//	advance             - Open a new epoch
//	gc                  - Run one unlink and reclaim pass
//	tree                - Print the epoch tree
//	entries             - List the key index, including entries the collector has not removed yet
//	stats               - Print collector metrics as JSON
//	quit, exit          - Exit the REPL
//
// Example session:
//
//	> put user alice
//	OK
//	> put user bob
//	OK
//	> gc
//	reclaimed 1 transaction(s), 1 slot(s) ready for reuse
//	> get user
//	bob
//
// # Dangers and Warnings
//
//   - **Open Transactions**: A transaction left open with begin pins its epoch;
//     gc reclaims nothing younger until it ends.
//   - **Key Encoding**: Keys must not contain '='.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kianostad/epochgc/internal/config"
	"github.com/kianostad/epochgc/internal/core"
	"github.com/kianostad/epochgc/internal/storage"
	"github.com/kianostad/epochgc/internal/storage/index"
)

const sep = '='

// REPL is a line-oriented shell over one key/value table.
type REPL struct {
	engine *core.Engine
	db     storage.OID
	table  storage.OID
	byKey  storage.OID
	tx     *core.Txn
	out    io.Writer
}

// NewREPL creates the key/value table on engine.
func NewREPL(engine *core.Engine, out io.Writer) (*REPL, error) {
	r := &REPL{engine: engine, out: out, db: engine.CreateDatabase("repl")}
	var err error
	if r.table, err = engine.CreateTable(r.db, "kv", storage.TableOptions{}); err != nil {
		return nil, err
	}
	r.byKey, err = engine.CreateIndex(r.db, r.table, core.IndexOptions{Key: index.PrefixKey(sep), Unique: true})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Run reads commands from in until EOF or quit.
func (r *REPL) Run(ctx context.Context, in io.Reader) {
	fmt.Fprintln(r.out, "epochgc REPL. Type a command, or quit to exit.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			break
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		if parts[0] == "quit" || parts[0] == "exit" {
			fmt.Fprintln(r.out, "Goodbye!")
			break
		}
		if err := r.Exec(ctx, parts[0], parts[1:]); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
	if r.tx != nil {
		_ = r.tx.Abort()
		r.tx = nil
	}
}

// Exec runs one command.
func (r *REPL) Exec(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "begin":
		if r.tx != nil {
			return errors.New("transaction already open")
		}
		tx, err := r.engine.Begin(ctx)
		if err != nil {
			return err
		}
		r.tx = tx
		fmt.Fprintf(r.out, "txn %d reading snapshot %d in epoch %d\n", tx.ID(), tx.ReadID(), tx.Epoch())
		return nil
	case "commit", "abort":
		if r.tx == nil {
			return errors.New("no open transaction")
		}
		tx := r.tx
		r.tx = nil
		if cmd == "abort" {
			return tx.Abort()
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "OK")
		return nil
	case "put":
		if len(args) != 2 || strings.IndexByte(args[0], sep) >= 0 {
			return errors.New("usage: put <key> <value>")
		}
		return r.do(ctx, strings.Join(append([]string{cmd}, args...), " "), func(tx *core.Txn) error {
			return r.put(tx, args[0], args[1])
		})
	case "get":
		if len(args) != 1 {
			return errors.New("usage: get <key>")
		}
		return r.do(ctx, "", func(tx *core.Txn) error {
			row, err := r.lookup(tx, args[0])
			if err != nil {
				return err
			}
			_, value, _ := strings.Cut(string(row.Tuple), string(sep))
			fmt.Fprintln(r.out, value)
			return nil
		})
	case "del":
		if len(args) != 1 {
			return errors.New("usage: del <key>")
		}
		return r.do(ctx, "del "+args[0], func(tx *core.Txn) error {
			row, err := r.lookup(tx, args[0])
			if err != nil {
				return err
			}
			if err := tx.Delete(row.ID); err != nil {
				return err
			}
			fmt.Fprintln(r.out, "Deleted")
			return nil
		})
	case "scan":
		return r.do(ctx, "", func(tx *core.Txn) error {
			return tx.Scan(r.db, r.table, func(row core.Row) bool {
				fmt.Fprintln(r.out, string(row.Tuple))
				return true
			})
		})
	case "advance":
		fmt.Fprintf(r.out, "epoch %d\n", r.engine.Epochs().Advance())
		return nil
	case "gc":
		n, err := r.engine.Collect(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "reclaimed %d transaction(s), %d slot(s) ready for reuse\n",
			n, r.engine.GC().RecycledSlots(r.table))
		return nil
	case "tree":
		fmt.Fprintln(r.out, r.engine.GC().Tree().String())
		return nil
	case "entries":
		return r.entries()
	case "stats":
		out, err := r.engine.Metrics().ExportJSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(r.out, string(out))
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// do runs fn in the open transaction, or in its own one.
func (r *REPL) do(ctx context.Context, statement string, fn func(tx *core.Txn) error) error {
	if r.tx != nil {
		if statement != "" {
			r.tx.Record(statement)
		}
		return fn(r.tx)
	}
	return r.engine.Update(ctx, func(tx *core.Txn) error {
		if statement != "" {
			tx.Record(statement)
		}
		return fn(tx)
	})
}

func (r *REPL) entries() error {
	t, ok := r.engine.Storage().Table(r.db, r.table)
	if !ok {
		return storage.ErrTableNotFound
	}
	idx, ok := t.Index(r.byKey)
	if !ok {
		return storage.ErrIndexNotFound
	}
	n := 0
	index.Each(idx, func(key []byte, row *storage.Indirection) bool {
		loc := row.Load()
		fmt.Fprintf(r.out, "%s -> %d:%d\n", key, loc.Block, loc.Offset)
		n++
		return true
	})
	fmt.Fprintf(r.out, "%d entries\n", n)
	return nil
}

func (r *REPL) lookup(tx *core.Txn, key string) (core.Row, error) {
	rows, err := tx.Lookup(r.db, r.table, r.byKey, []byte(key))
	if err != nil {
		return core.Row{}, err
	}
	if len(rows) == 0 {
		return core.Row{}, core.ErrNotFound
	}
	return rows[0], nil
}

func (r *REPL) put(tx *core.Txn, key, value string) error {
	tuple := []byte(key + string(sep) + value)
	row, err := r.lookup(tx, key)
	switch {
	case errors.Is(err, core.ErrNotFound):
		_, err = tx.Insert(r.db, r.table, tuple)
	case err == nil:
		err = tx.Update(row.ID, tuple)
	}
	if err == nil {
		fmt.Fprintln(r.out, "OK")
	}
	return err
}

func main() {
	configPath := flag.String("config", "", "Jsonnet configuration file, or - for stdin")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := core.New(ctx, cfg, core.WithLogger(logger), core.WithManualCollection())
	if err != nil {
		logger.Error("open engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	repl, err := NewREPL(engine, os.Stdout)
	if err != nil {
		logger.Error("create table", "error", err)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		repl.Run(ctx, os.Stdin)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		fmt.Println("\nReceived shutdown signal. Closing engine...")
	}
}
