package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"sasi-cats/internal/cache"
	"sasi-cats/internal/memory"

	"github.com/joho/godotenv"
	"golang.org/x/term"
)

const (
	// Default timeout for cache operations
	defaultTimeout = 2 * time.Minute
	// Default media directory; the cache lives beneath it unless CACHE_DIR is set
	defaultMediaDir = "/media"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}

	command := os.Args[1]

	// Create a context that cancels on interrupt signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	var ok bool
	switch command {
	case "status":
		ok = runStatus(ctx, os.Args[2:], os.Stdout, os.Stderr)
	case "wipe":
		interactive := term.IsTerminal(int(os.Stdin.Fd())) //nolint:gosec // G115 - file descriptors fit in int
		ok = runWipe(ctx, os.Args[2:], os.Stdin, interactive, os.Stdout, os.Stderr)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		ok = true
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", sanitizeCommand(command))
		printUsage(os.Stderr)
	}
	if !ok {
		os.Exit(1)
	}
}

// sanitizeCommand replaces anything outside [a-zA-Z0-9_-] with '_'.
func sanitizeCommand(cmd string) string {
	var b strings.Builder
	b.Grow(len(cmd))
	for _, r := range cmd {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "SasiCats Cache Management")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: cachectl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  status [-v]  - Summarize published artifacts")
	fmt.Fprintln(w, "  wipe [-yes]  - Delete every artifact (stop the server first)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -cache DIR   - Cache directory (overrides CACHE_DIR)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  MEDIA_DIR - Media directory (default: %s)\n", defaultMediaDir)
	fmt.Fprintln(w, "  CACHE_DIR - Cache directory (default: $MEDIA_DIR/_sasi_cache)")
}

// cacheDir resolves the cache root the same way the server does.
func cacheDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if dir := os.Getenv("CACHE_DIR"); dir != "" {
		return dir
	}
	mediaDir := os.Getenv("MEDIA_DIR")
	if mediaDir == "" {
		mediaDir = defaultMediaDir
	}
	return filepath.Join(mediaDir, "_sasi_cache")
}

func runStatus(ctx context.Context, args []string, stdout, stderr io.Writer) bool {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("cache", "", "cache directory")
	verbose := fs.Bool("v", false, "list every artifact")
	if err := fs.Parse(args); err != nil {
		return false
	}

	root := cacheDir(*dir)
	indexPath := filepath.Join(root, "index.db")
	if _, err := os.Stat(indexPath); err != nil {
		fmt.Fprintf(stderr, "Error: no cache index at %s\n", indexPath)
		fmt.Fprintln(stderr, "Make sure CACHE_DIR is set correctly")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	// Opening the Store would reconcile away a live server's temp files
	ix, err := cache.OpenIndex(ctx, indexPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return false
	}
	defer func() {
		if err := ix.Close(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to close index: %v\n", err)
		}
	}()

	records, err := ix.All(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return false
	}

	var total, missing int64
	for _, r := range records {
		total += r.Size
		if _, err := os.Stat(filepath.Join(root, r.RelPath)); err != nil {
			missing++
		}
	}

	fmt.Fprintf(stdout, "Cache:     %s\n", root)
	fmt.Fprintf(stdout, "Artifacts: %d\n", len(records))
	fmt.Fprintf(stdout, "Size:      %s\n", memory.FormatBytes(total))
	if missing > 0 {
		fmt.Fprintf(stdout, "Missing:   %d (dropped on next server start)\n", missing)
	}

	if *verbose {
		fmt.Fprintln(stdout, "")
		for _, r := range records {
			fmt.Fprintf(stdout, "  %s  %-10s  %-12s  %s\n",
				r.Key.Short(), memory.FormatBytes(r.Size), r.Workflow, r.Source)
		}
	}
	return true
}

func runWipe(ctx context.Context, args []string, stdin io.Reader, interactive bool, stdout, stderr io.Writer) bool {
	fs := flag.NewFlagSet("wipe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("cache", "", "cache directory")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return false
	}

	root := cacheDir(*dir)
	if _, err := os.Stat(root); err != nil {
		fmt.Fprintf(stderr, "Error: cache directory %s not found\n", root)
		return false
	}

	if !*yes {
		if !interactive {
			fmt.Fprintln(stderr, "Error: refusing to wipe without a terminal; pass -yes")
			return false
		}
		if !confirm(stdin, stdout, fmt.Sprintf("Delete every artifact under %s? [y/N] ", root)) {
			fmt.Fprintln(stdout, "Aborted.")
			return false
		}
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	store, err := cache.Open(ctx, root, cache.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open cache: %v\n", err)
		return false
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to close cache: %v\n", err)
		}
	}()

	stats, err := store.WipeAll(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: wipe failed: %v\n", err)
		return false
	}

	fmt.Fprintf(stdout, "Wiped %d artifacts, freed %s.\n", stats.Entries, memory.FormatBytes(stats.FreedBytes))
	return true
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
