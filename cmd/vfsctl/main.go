// Package main provides a CLI for working with a vaultfs bolt database
// directly, or with a running server through its HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/vaultfs/vaultfs/internal/archive"
	"github.com/vaultfs/vaultfs/internal/auth"
	"github.com/vaultfs/vaultfs/internal/client"
	"github.com/vaultfs/vaultfs/internal/events"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/sink"
	"github.com/vaultfs/vaultfs/internal/store/bolt"
	"github.com/vaultfs/vaultfs/internal/vfs"
)

var (
	dirColor = color.New(color.FgBlue, color.Bold).SprintFunc()
	okColor  = color.New(color.FgGreen).SprintFunc()
	errColor = color.New(color.FgRed, color.Bold).SprintFunc()
	dimColor = color.New(color.Faint).SprintFunc()
)

// fileSystem is the operation surface shared by a local VFS and a remote
// server.
type fileSystem interface {
	ReadDir(ctx context.Context, dir string, recursive bool) ([]vfs.EntryInfo, error)
	Info(ctx context.Context, path string) (vfs.EntryInfo, error)
	Mkdir(ctx context.Context, path string) error
	Mkdirs(ctx context.Context, path string) error
	Rename(ctx context.Context, src, dst string) error
	Copy(ctx context.Context, src, dst string) error
	Remove(ctx context.Context, path string) error
	Upload(ctx context.Context, dir string, files []vfs.UploadFile, dirs []string) ([]string, error)
	Download(ctx context.Context, path string, sink vfs.Sink, progress archive.ProgressFunc) error
}

var (
	_ fileSystem = (*vfs.VFS)(nil)
	_ fileSystem = (*client.Client)(nil)
)

func main() {
	dbPath := flag.String("db", "vaultfs.db", "Bolt database file")
	server := flag.String("server", os.Getenv("VAULTFS_SERVER"), "Server URL; commands go through its API instead of -db")
	apiToken := flag.String("token", os.Getenv("VAULTFS_TOKEN"), "Bearer token for -server")
	format := flag.String("format", "zip", "Archive format for directory downloads (zip, tar.gz, tar.zst)")
	secret := flag.String("secret", os.Getenv("API_JWT_SECRET"), "Signing secret for the token command")
	ttl := flag.Duration("ttl", 30*24*time.Hour, "Lifetime of tokens minted by the token command")
	verbose := flag.Bool("v", false, "Log operations to stderr")
	noColor := flag.Bool("no-color", false, "Disable colored output")

	flag.Parse()

	if *noColor {
		color.NoColor = true
	}
	if *verbose {
		if err := logging.Init(logging.Config{Level: "debug", Format: "console", OutputPath: "stderr"}); err != nil {
			fatalf("logging init: %v", err)
		}
	} else {
		logging.SetLogger(zap.NewNop())
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	cmd, cmdArgs := args[0], args[1:]

	switch cmd {
	case "help":
		printUsage()
		return
	case "token":
		cmdToken(*secret, *ttl, cmdArgs)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var (
		fs       fileSystem
		progress archive.ProgressFunc
		cleanup  = func() {}
	)
	if *server != "" {
		c := client.New(client.Config{BaseURL: *server, AuthToken: *apiToken})
		if cmd == "watch" {
			if err := cmdWatch(ctx, c); err != nil {
				fatalf("%v", err)
			}
			return
		}
		fs = c
		progress = downloadProgress(cmdArgs)
	} else {
		if cmd == "watch" {
			fatalf("watch needs -server")
		}
		archiveFormat, err := archive.ParseFormat(*format)
		if err != nil {
			fatalf("%v", err)
		}
		st, err := bolt.Open(bolt.Config{Path: *dbPath, OpenTimeout: 2 * time.Second})
		if err != nil {
			fatalf("open %s: %v", *dbPath, err)
		}
		cleanup = func() { st.Close() }
		defer cleanup()

		local := vfs.New(st, vfs.Options{ArchiveFormat: archiveFormat, Publisher: progressPrinter{}})
		if err := local.Refresh(ctx); err != nil {
			cleanup()
			fatalf("load index: %v", err)
		}
		fs = local
	}

	var err error
	switch cmd {
	case "list", "ls":
		err = cmdList(ctx, fs, cmdArgs)
	case "mkdir":
		err = cmdMkdir(ctx, fs, cmdArgs)
	case "put":
		err = cmdPut(ctx, fs, cmdArgs)
	case "mv":
		err = twoArgs("mv", cmdArgs, func(a, b string) error { return fs.Rename(ctx, a, b) })
	case "cp":
		err = twoArgs("cp", cmdArgs, func(a, b string) error { return fs.Copy(ctx, a, b) })
	case "rm":
		err = oneArg("rm", cmdArgs, func(p string) error { return fs.Remove(ctx, p) })
	case "get":
		err = cmdGet(ctx, fs, cmdArgs, progress)
	case "stat":
		err = oneArg("stat", cmdArgs, func(p string) error { return cmdStat(ctx, fs, p) })
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		cleanup()
		os.Exit(1)
	}
	if err != nil {
		cleanup()
		fatalf("%v", err)
	}
}

func printUsage() {
	fmt.Println(`vaultfs CLI

Usage: vfsctl [flags] <command> [args]

Flags:
  -db <file>         Bolt database file (default: vaultfs.db)
  -server <url>      Work against a running server (default: $VAULTFS_SERVER)
  -token <jwt>       Bearer token for -server (default: $VAULTFS_TOKEN)
  -format <fmt>      Archive format for directory downloads (default: zip)
  -secret <s>        Token signing secret (default: $API_JWT_SECRET)
  -ttl <duration>    Token lifetime (default: 720h)
  -v                 Log operations to stderr
  -no-color          Disable colored output

Commands:
  ls [-r] <path>            List a directory
  mkdir [-p] <path>         Create a directory
  put <local...> <dir>      Upload local files and directory trees
  mv <src> <dst>            Move or rename
  cp <src> <dst>            Copy recursively
  rm <path>                 Remove recursively
  get <path> <localdir>     Download a file, or a directory as an archive
  stat <path>               Show entry details
  watch                     Stream server events (needs -server)
  token <subject>           Mint an API bearer token
  help                      Show this help message

Examples:
  vfsctl -db data/vaultfs.db mkdir -p /photos/2024
  vfsctl put ~/Pictures/trip /photos/2024
  vfsctl ls -r /photos
  vfsctl -format tar.zst get /photos ./backup
  vfsctl -server http://localhost:8080 -token $(vfsctl token me) watch`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", errColor("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}

func oneArg(cmd string, args []string, fn func(string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: vfsctl %s <path>", cmd)
	}
	return fn(args[0])
}

func twoArgs(cmd string, args []string, fn func(a, b string) error) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: vfsctl %s <src> <dst>", cmd)
	}
	if err := fn(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("%s %s -> %s\n", okColor(cmd), args[0], args[1])
	return nil
}

func cmdList(ctx context.Context, fs fileSystem, args []string) error {
	flags := flag.NewFlagSet("ls", flag.ContinueOnError)
	recursive := flags.Bool("r", false, "List recursively")
	if err := flags.Parse(args); err != nil {
		return err
	}
	dir := "/"
	if flags.NArg() > 0 {
		dir = flags.Arg(0)
	}

	entries, err := fs.ReadDir(ctx, dir, *recursive)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println(dimColor("(empty)"))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		name, size := e.Path, formatSize(e.Size)
		if !*recursive {
			name = e.Name
		}
		if e.IsDir {
			name, size = dirColor(name+"/"), "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", size, formatTime(e.ModTime), name)
	}
	return w.Flush()
}

func cmdMkdir(ctx context.Context, fs fileSystem, args []string) error {
	flags := flag.NewFlagSet("mkdir", flag.ContinueOnError)
	parents := flags.Bool("p", false, "Create missing parents")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: vfsctl mkdir [-p] <path>")
	}
	p := flags.Arg(0)
	if *parents {
		return fs.Mkdirs(ctx, p)
	}
	return fs.Mkdir(ctx, p)
}

func cmdPut(ctx context.Context, fs fileSystem, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: vfsctl put <local...> <dir>")
	}
	dest := args[len(args)-1]

	files, dirs, err := collectUploads(args[:len(args)-1])
	if err != nil {
		return err
	}
	paths, err := fs.Upload(ctx, dest, files, dirs)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Printf("%s %s\n", okColor("stored"), p)
	}
	return nil
}

func cmdGet(ctx context.Context, fs fileSystem, args []string, progress archive.ProgressFunc) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: vfsctl get <path> <localdir>")
	}
	out, err := sink.NewDir(sink.DirConfig{Root: args[1], CreateDirs: true})
	if err != nil {
		return err
	}

	var name string
	capture := vfs.SinkFunc(func(ctx context.Context, n, contentType string, data []byte) error {
		name = n
		return out.Deliver(ctx, n, contentType, data)
	})
	if err := fs.Download(ctx, args[0], capture, progress); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", okColor("saved"), name)
	return nil
}

func cmdStat(ctx context.Context, fs fileSystem, p string) error {
	info, err := fs.Info(ctx, p)
	if err != nil {
		return err
	}
	kind := "file"
	if info.IsDir {
		kind = "directory"
	}
	fmt.Printf("Path:      %s\n", info.Path)
	fmt.Printf("Type:      %s\n", kind)
	if !info.IsDir {
		fmt.Printf("Size:      %s\n", formatSize(info.Size))
		if ct, ok := vfs.ContentTypeByExt(info.Name); ok {
			fmt.Printf("MIME:      %s\n", ct)
		}
	}
	fmt.Printf("Modified:  %s\n", formatTime(info.ModTime))
	return nil
}

func cmdToken(secret string, ttl time.Duration, args []string) {
	if len(args) != 1 {
		fatalf("usage: vfsctl token <subject>")
	}
	if secret == "" {
		fatalf("a signing secret is required (-secret or API_JWT_SECRET)")
	}
	token, expires, err := auth.IssueToken(secret, args[0], ttl)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "%s %s\n", dimColor("expires"), expires.Format(time.RFC3339))
}

func cmdWatch(ctx context.Context, c *client.Client) error {
	if err := c.Ping(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, dimColor("watching, Ctrl-C to stop"))

	ch, errs := c.Subscribe(ctx)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			printEvent(e)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(os.Stderr, "%s %v\n", errColor("stream:"), err)
		}
	}
}

func printEvent(e events.Event) {
	ts := time.Unix(e.Timestamp, 0).Local().Format("15:04:05")
	switch e.Type {
	case events.EventEntryAdded:
		fmt.Printf("%s %s %s\n", dimColor(ts), okColor("+"), e.Path)
	case events.EventEntryRemoved:
		fmt.Printf("%s %s %s\n", dimColor(ts), errColor("-"), e.Path)
	case events.EventTransferProgress:
		if e.Progress == events.ProgressFailed {
			fmt.Printf("%s %s %s failed\n", dimColor(ts), e.Kind, e.Path)
		} else if e.Progress >= 1 {
			fmt.Printf("%s %s %s done\n", dimColor(ts), e.Kind, e.Path)
		}
	}
}

// downloadProgress reports remote get progress through the same printer
// local transfers use.
func downloadProgress(args []string) archive.ProgressFunc {
	if len(args) == 0 {
		return nil
	}
	p := args[0]
	return func(f float64) {
		progressPrinter{}.Publish(events.TransferProgress(events.KindDownload, p, f))
	}
}

// progressPrinter draws transfer progress on stderr.
type progressPrinter struct{}

func (progressPrinter) Publish(e events.Event) {
	if e.Type != events.EventTransferProgress {
		return
	}
	if e.Progress == events.ProgressFailed {
		fmt.Fprintf(os.Stderr, "\r%s %s failed\n", e.Kind, e.Path)
		return
	}
	fmt.Fprintf(os.Stderr, "\r%s %s %3.0f%%", e.Kind, e.Path, e.Progress*100)
	if e.Progress >= 1 {
		fmt.Fprintln(os.Stderr)
	}
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
