package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/alexjbarnes/rs-auth/internal/authz"
	autherrors "github.com/alexjbarnes/rs-auth/internal/errors"
	"github.com/alexjbarnes/rs-auth/internal/logging"
	"github.com/alexjbarnes/rs-auth/internal/models"
	"github.com/alexjbarnes/rs-auth/internal/scope"
	"github.com/alexjbarnes/rs-auth/internal/state"
	"github.com/jessevdk/go-flags"
)

// options are shared by every subcommand.
type options struct {
	DB       string `long:"db" env:"AUTHZ_DB_PATH" description:"Authorization database (default ~/.rs-auth/authz.db)"`
	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"warn" description:"Log level"`
}

type app struct {
	opts options
	out  io.Writer
}

func newParser(a *app) *flags.Parser {
	parser := flags.NewParser(&a.opts, flags.Default)
	parser.Usage = "[OPTIONS] <add | lookup | remove | list>"

	mustAdd(parser, "add", "Add an authorization", "Store a record for a token chosen by the caller. Scopes are category:mode pairs.", &addCommand{app: a})
	mustAdd(parser, "lookup", "Show an authorization", "Print the scope of one of a user's tokens.", &lookupCommand{app: a})
	mustAdd(parser, "remove", "Remove an authorization", "Delete one of a user's tokens.", &removeCommand{app: a})
	mustAdd(parser, "list", "List authorizations", "List every record, or one user's records.", &listCommand{app: a})

	return parser
}

func mustAdd(p *flags.Parser, name, short, long string, cmd any) {
	if _, err := p.AddCommand(name, short, long, cmd); err != nil {
		panic(err)
	}
}

// withRegistry opens the database, runs fn, and closes it again.
func (a *app) withRegistry(fn func(*authz.Registry) error) error {
	path := a.opts.DB
	if path == "" {
		var err error
		if path, err = state.DefaultPath(); err != nil {
			return err
		}
	}

	st, err := state.LoadAt(path)
	if err != nil {
		return err
	}
	defer st.Close()

	// Logs go to stderr so they never mix with command output.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.ParseLevel(a.opts.LogLevel),
	}))

	return fn(authz.NewRegistry(st, nil, logger))
}

func (a *app) print(recs ...models.AuthorizationRecord) {
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tTOKEN\tSCOPE\tCREATED")

	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.Username, rec.Token, rec.Scope, rec.CreatedAt.Format("2006-01-02 15:04:05"))
	}

	w.Flush()
}

type userToken struct {
	User  string `positional-arg-name:"user"`
	Token string `positional-arg-name:"token"`
}

type addCommand struct {
	Args struct {
		User   string   `positional-arg-name:"user"`
		Token  string   `positional-arg-name:"token"`
		Scopes []string `positional-arg-name:"scope" required:"1"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

func (c *addCommand) Execute([]string) error {
	sc := scope.Parse(strings.Join(c.Args.Scopes, " "))

	// Parse drops malformed pairs silently; an admin typo should fail.
	if len(sc) != len(c.Args.Scopes) {
		return fmt.Errorf("%w: expected category:mode pairs, got %q", autherrors.ErrInvalidScope, strings.Join(c.Args.Scopes, " "))
	}

	return c.app.withRegistry(func(r *authz.Registry) error {
		if err := r.Add(c.Args.User, c.Args.Token, sc); err != nil {
			return err
		}

		fmt.Fprintf(c.app.out, "added %s for %s\n", sc, models.NormalizeUsername(c.Args.User))

		return nil
	})
}

type lookupCommand struct {
	Args userToken `positional-args:"yes" required:"yes"`

	app *app
}

func (c *lookupCommand) Execute([]string) error {
	return c.app.withRegistry(func(r *authz.Registry) error {
		rec, err := r.Lookup(c.Args.User, c.Args.Token)
		if errors.Is(err, autherrors.ErrNotFound) {
			return fmt.Errorf("no such token for %s", models.NormalizeUsername(c.Args.User))
		}

		if err != nil {
			return err
		}

		c.app.print(*rec)

		return nil
	})
}

type removeCommand struct {
	Args userToken `positional-args:"yes" required:"yes"`

	app *app
}

func (c *removeCommand) Execute([]string) error {
	return c.app.withRegistry(func(r *authz.Registry) error {
		if err := r.Revoke(c.Args.User, c.Args.Token); err != nil {
			return err
		}

		fmt.Fprintf(c.app.out, "removed token for %s\n", models.NormalizeUsername(c.Args.User))

		return nil
	})
}

type listCommand struct {
	Args struct {
		User string `positional-arg-name:"user"`
	} `positional-args:"yes"`

	app *app
}

func (c *listCommand) Execute([]string) error {
	return c.app.withRegistry(func(r *authz.Registry) error {
		var (
			recs []models.AuthorizationRecord
			err  error
		)

		if c.Args.User == "" {
			recs, err = r.All()
		} else {
			recs, err = r.List(c.Args.User)
		}

		if err != nil {
			return err
		}

		c.app.print(recs...)

		return nil
	})
}
