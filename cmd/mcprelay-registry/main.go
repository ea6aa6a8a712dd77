package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/mcprelay/core/config"
	"github.com/gaspardpetit/mcprelay/internal/executor"
	"github.com/gaspardpetit/mcprelay/internal/registry"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	yellow := color.New(color.FgYellow)
	_, _ = fmt.Fprintln(w, "Usage: mcprelay-registry [--backend file|sqlite|redis] [--dsn <location>] <command> [args]")
	_, _ = fmt.Fprintln(w)
	_, _ = yellow.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  put <id> <file|->     Register a server from a YAML or JSON document")
	_, _ = fmt.Fprintln(w, "  get <id>              Print a server's metadata")
	_, _ = fmt.Fprintln(w, "  list [prefix]         List registered server ids")
	_, _ = fmt.Fprintln(w, "  delete <id>           Remove a server")
	_, _ = fmt.Fprintln(w)
	_, _ = yellow.Fprintln(w, "Environment:")
	_, _ = fmt.Fprintln(w, "  REGISTRY_BACKEND      Backend name (default: file)")
	_, _ = fmt.Fprintln(w, "  REGISTRY_DSN          Directory, sqlite path or redis URL")
	_, _ = fmt.Fprintf(w, "                        (file default: %s)\n", commoncfg.DefaultRegistryDir())
	_, _ = fmt.Fprintln(w, "  REDIS_ADDR            Redis address used when the redis backend has no DSN")
}

// defaultDSN matches the relay's registry location so both find the same
// entries without extra flags.
func defaultDSN(backend string) string {
	switch backend {
	case registry.BackendFile:
		return commoncfg.DefaultRegistryDir()
	case registry.BackendRedis:
		return commoncfg.GetEnv("REDIS_ADDR", "")
	}
	return ""
}

func run(ctx context.Context, args []string, stdin io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("mcprelay-registry", flag.ContinueOnError)
	fs.SetOutput(out)
	backend := fs.String("backend", commoncfg.GetEnv("REGISTRY_BACKEND", registry.BackendFile), "registry backend (file, sqlite, redis)")
	dsn := fs.String("dsn", commoncfg.GetEnv("REGISTRY_DSN", ""), "registry directory, sqlite path or redis URL")
	fs.Usage = func() { printUsage(out) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(out)
		return fmt.Errorf("missing command")
	}
	if *backend == registry.BackendMemory {
		return fmt.Errorf("the memory backend does not persist; use file, sqlite or redis")
	}

	if *dsn == "" {
		*dsn = defaultDSN(*backend)
	}
	store, err := registry.Open(ctx, *backend, *dsn)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	switch cmd, params := rest[0], rest[1:]; cmd {
	case "put":
		if len(params) != 2 {
			return fmt.Errorf("usage: put <id> <file|->")
		}
		return cmdPut(ctx, store, params[0], params[1], stdin, out)
	case "get":
		if len(params) != 1 {
			return fmt.Errorf("usage: get <id>")
		}
		return cmdGet(ctx, store, params[0], out)
	case "list":
		prefix := ""
		if len(params) > 0 {
			prefix = params[0]
		}
		return cmdList(ctx, store, prefix, out)
	case "delete":
		if len(params) != 1 {
			return fmt.Errorf("usage: delete <id>")
		}
		return cmdDelete(ctx, store, params[0], out)
	case "help":
		printUsage(out)
		return nil
	default:
		printUsage(out)
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// toJSON accepts YAML (a superset of JSON) and returns a compact JSON object.
func toJSON(doc []byte) (json.RawMessage, error) {
	var v any
	if err := yaml.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("metadata must be a mapping")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func cmdPut(ctx context.Context, store registry.Store, id, src string, stdin io.Reader, out io.Writer) error {
	var (
		raw []byte
		err error
	)
	if src == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(src)
	}
	if err != nil {
		return err
	}
	doc, err := toJSON(raw)
	if err != nil {
		return err
	}
	md, err := registry.Entry{ID: id, Doc: doc}.Metadata()
	if err != nil {
		return err
	}
	if err := store.Put(ctx, id, doc); err != nil {
		return err
	}
	green := color.New(color.FgGreen)
	_, _ = green.Fprintf(out, "✓ Registered server: %s\n", id)
	switch {
	case md.URL != "":
		_, _ = fmt.Fprintf(out, "  URL:      %s\n", md.URL)
	case md.Command != "":
		_, _ = fmt.Fprintf(out, "  Command:  %s\n", md.Command)
	case md.Entrypoint != "":
		_, _ = fmt.Fprintf(out, "  Entry:    %s (%s)\n", md.Entrypoint, md.Lang)
	}
	return nil
}

func cmdGet(ctx context.Context, store registry.Store, id string, out io.Writer) error {
	e, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, e.Doc, "", "  "); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, buf.String())
	return nil
}

func cmdList(ctx context.Context, store registry.Store, prefix string, out io.Writer) error {
	ids, err := store.List(ctx, prefix)
	if err != nil {
		return err
	}
	cyan := color.New(color.FgCyan)
	_, _ = cyan.Fprintln(out, "  Registered Servers")
	_, _ = cyan.Fprintln(out, "  ------------------")
	if len(ids) == 0 {
		_, _ = fmt.Fprintln(out, "  (no servers)")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "  ID\tTRANSPORT\tTARGET")
	for _, id := range ids {
		kind, target := "?", ""
		if e, err := store.Get(ctx, id); err == nil {
			if md, err := e.Metadata(); err == nil {
				kind, target = describe(md)
			} else {
				kind = "invalid"
			}
		}
		_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\n", id, kind, target)
	}
	return w.Flush()
}

func describe(md registry.Metadata) (string, string) {
	kind, err := executor.KindOf(md)
	if err != nil {
		return "invalid", md.Transport
	}
	switch {
	case kind == executor.KindHTTP:
		return kind, md.URL
	case md.Command != "":
		return kind, md.Command
	default:
		return kind, md.Entrypoint
	}
}

func cmdDelete(ctx context.Context, store registry.Store, id string, out io.Writer) error {
	if err := store.Delete(ctx, id); err != nil {
		return err
	}
	green := color.New(color.FgGreen)
	_, _ = green.Fprintf(out, "✓ Deleted server: %s\n", id)
	return nil
}
