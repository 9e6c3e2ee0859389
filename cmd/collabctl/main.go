package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"collab-relay/internal/apiclient"
	"collab-relay/internal/client"
	"collab-relay/internal/crdt"
	"collab-relay/internal/logging"
	"collab-relay/internal/snapshot"

	"golang.org/x/term"
)

type flags struct {
	api      string
	document string
	userID   string
	name     string
	email    string
	store    string
	env      string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("collabctl", flag.ContinueOnError)
	fs.StringVar(&f.api, "api", "http://localhost:8080", "document API base url")
	fs.StringVar(&f.document, "doc", "", "document id")
	fs.StringVar(&f.userID, "user", "", "user id shown to other editors")
	fs.StringVar(&f.name, "name", "", "display name")
	fs.StringVar(&f.email, "email", "", "email")
	fs.StringVar(&f.store, "store", filepath.Join(os.TempDir(), "collabctl.db"), "local snapshot file")
	fs.StringVar(&f.env, "env", "development", "log format")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	if f.document == "" {
		return flags{}, fmt.Errorf("-doc is required")
	}
	if f.name == "" {
		f.name = f.userID
	}
	return f, nil
}

// readPassword is replaced in tests.
var readPassword = term.ReadPassword

// apiToken reads the API bearer from COLLAB_TOKEN, or prompts for it without
// echo when stdin is a terminal.
func apiToken(w io.Writer) (string, error) {
	if tok := os.Getenv("COLLAB_TOKEN"); tok != "" {
		return tok, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("COLLAB_TOKEN is not set and stdin is not a terminal")
	}
	fmt.Fprint(w, "API token: ")
	tok, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(tok)), nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.NewWithWriter(f.env, os.Stderr)

	tok, err := apiToken(os.Stdout)
	if err != nil {
		logger.Fatal().Err(err).Msg("read api token")
	}

	local, err := snapshot.OpenBoltStore(f.store)
	if err != nil {
		logger.Fatal().Err(err).Msg("open local store")
	}
	defer local.Close()

	opts := client.DefaultOptions()
	opts.User = client.User{ID: f.userID, Name: f.name, Email: f.email}
	opts.Logger = logger
	opts.Provider.Logger = logger

	ctl := client.New(f.document, apiclient.New(f.api, apiclient.WithBearer(tok), apiclient.WithPathPrefix("/documents")), local, opts)
	defer ctl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctl.OnState(func(s client.State) {
		logger.Info().Str("state", string(s)).Msg("session state")
	})
	if err := ctl.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start session")
	}
	unobserve := ctl.Doc().Observe(func([]byte, bool) {
		fmt.Fprintf(os.Stdout, "--- %s\n%s\n", f.document, ctl.Doc().Text())
	})
	defer unobserve()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			ctl.Unload()
			return
		case line, ok := <-lines:
			if !ok {
				ctl.Unload()
				return
			}
			quit, err := handleLine(ctx, ctl, line)
			if err != nil {
				logger.Warn().Err(err).Str("line", line).Msg("command failed")
			}
			if quit {
				ctl.Unload()
				return
			}
		}
	}
}

type editor interface {
	Doc() *crdt.Doc
	SaveNow(ctx context.Context) error
	SetHidden(hidden bool)
}

// handleLine runs one input line: a command, or text appended as a new line.
func handleLine(ctx context.Context, e editor, line string) (quit bool, err error) {
	switch strings.TrimSpace(line) {
	case ":quit", ":q":
		return true, nil
	case ":save":
		return false, e.SaveNow(ctx)
	case ":hide":
		e.SetHidden(true)
		return false, nil
	case ":show":
		e.SetHidden(false)
		return false, nil
	}
	doc := e.Doc()
	text := line
	if doc.Len() > 0 {
		text = "\n" + line
	}
	return false, doc.Insert(doc.Len(), text)
}
