package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-authgate/scan-cli/tui"
)

// secret is a value read from the environment or, failing that, one line
// of stdin.
type secret struct {
	env    string
	prompt string
}

var (
	secretPassword    = secret{env: "SCAN_PASSWORD", prompt: "Password: "}
	secretOldPassword = secret{env: "SCAN_OLD_PASSWORD", prompt: "Current password: "}
	secretNewPassword = secret{env: "SCAN_NEW_PASSWORD", prompt: "New password: "}
)

type command struct {
	name  string
	usage string
	help  string

	minArgs, maxArgs int
	secrets          []secret
	// needsSession commands report whether a stored session was found.
	needsSession bool

	run func(ctx context.Context, a *app, d tui.Displayer, inv *invocation) error
}

// invocation is a parsed command line.
type invocation struct {
	cmd     *command
	args    []string
	secrets []string
}

var errNotSignedIn = errors.New("not signed in; run: scan-cli login EMAIL")

var commands = []*command{
	{
		name: "login", usage: "login EMAIL", help: "sign in and store the session",
		minArgs: 1, maxArgs: 1, secrets: []secret{secretPassword},
		run: func(ctx context.Context, a *app, d tui.Displayer, inv *invocation) error {
			d.Working("Signing in...")
			profile, err := a.accounts.Login(ctx, inv.args[0], inv.secrets[0])
			if err != nil {
				return err
			}
			d.LoggedIn(profile)
			return nil
		},
	},
	{
		name: "register", usage: "register EMAIL USERNAME [FIELD=VALUE...]", help: "create an account",
		minArgs: 2, maxArgs: -1, secrets: []secret{secretPassword},
		run: func(ctx context.Context, a *app, d tui.Displayer, inv *invocation) error {
			fields, err := parseFields(inv.args[2:])
			if err != nil {
				return err
			}
			fields["email"] = inv.args[0]
			fields["username"] = inv.args[1]
			fields["password"] = inv.secrets[0]

			d.Working("Creating account...")
			msg, err := a.accounts.Register(ctx, fields)
			if err != nil {
				return err
			}
			d.Registered(msg)
			return nil
		},
	},
	{
		name: "logout", usage: "logout", help: "remove the stored session",
		run: func(ctx context.Context, a *app, d tui.Displayer, _ *invocation) error {
			if err := a.accounts.Logout(ctx); err != nil {
				return err
			}
			d.LoggedOut()
			return nil
		},
	},
	{
		name: "whoami", usage: "whoami", help: "show the cached profile without contacting the server",
		run: func(_ context.Context, a *app, d tui.Displayer, _ *invocation) error {
			if !a.accounts.IsAuthenticated() {
				return errNotSignedIn
			}
			user, _ := a.accounts.CurrentUser()
			d.Profile(user)
			return nil
		},
	},
	{
		name: "profile", usage: "profile [FIELD=VALUE...]", help: "show or update the profile",
		maxArgs: -1, needsSession: true,
		run: func(ctx context.Context, a *app, d tui.Displayer, inv *invocation) error {
			var (
				profile map[string]any
				err     error
			)
			if len(inv.args) == 0 {
				d.Working("Loading profile...")
				profile, err = a.accounts.FetchProfile(ctx)
			} else {
				var fields map[string]any
				if fields, err = parseFields(inv.args); err != nil {
					return err
				}
				d.Working("Updating profile...")
				profile, err = a.accounts.UpdateProfile(ctx, fields)
			}
			if err != nil {
				return err
			}
			d.Profile(profile)
			return nil
		},
	},
	{
		name: "passwd", usage: "passwd", help: "change the password",
		secrets: []secret{secretOldPassword, secretNewPassword}, needsSession: true,
		run: func(ctx context.Context, a *app, d tui.Displayer, inv *invocation) error {
			d.Working("Changing password...")
			msg, err := a.accounts.ChangePassword(ctx, inv.secrets[0], inv.secrets[1])
			if err != nil {
				return err
			}
			d.PasswordChanged(msg)
			return nil
		},
	},
	{
		name: "documents", usage: "documents", help: "list uploaded documents",
		needsSession: true,
		run: func(ctx context.Context, a *app, d tui.Displayer, _ *invocation) error {
			d.Working("Loading documents...")
			docs, err := a.scans.ListDocuments(ctx)
			if err != nil {
				return err
			}
			d.Documents(docs)
			return nil
		},
	},
	{
		name: "document", usage: "document ID", help: "show one document",
		minArgs: 1, maxArgs: 1, needsSession: true,
		run: func(ctx context.Context, a *app, d tui.Displayer, inv *invocation) error {
			id, err := parseID(inv.args[0])
			if err != nil {
				return err
			}
			d.Working("Loading document...")
			doc, err := a.scans.Document(ctx, id)
			if err != nil {
				return err
			}
			d.Document(doc)
			return nil
		},
	},
	{
		name: "delete", usage: "delete ID", help: "delete a document",
		minArgs: 1, maxArgs: 1, needsSession: true,
		run: func(ctx context.Context, a *app, d tui.Displayer, inv *invocation) error {
			id, err := parseID(inv.args[0])
			if err != nil {
				return err
			}
			d.Working("Deleting document...")
			if err := a.scans.DeleteDocument(ctx, id); err != nil {
				return err
			}
			d.DocumentDeleted(id)
			return nil
		},
	},
	{
		name: "detect", usage: "detect FILE", help: "upload a file and scan it for sensitive data",
		minArgs: 1, maxArgs: 1, needsSession: true,
		run: func(ctx context.Context, a *app, d tui.Displayer, inv *invocation) error {
			f, err := os.Open(inv.args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			d.Working("Scanning " + inv.args[0] + "...")
			result, err := a.scans.Detect(ctx, inv.args[0], f)
			if err != nil {
				return err
			}
			d.Detection(inv.args[0], result)
			return nil
		},
	},
	{
		name: "stats", usage: "stats", help: "show usage statistics",
		needsSession: true,
		run: func(ctx context.Context, a *app, d tui.Displayer, _ *invocation) error {
			d.Working("Loading statistics...")
			stats, err := a.scans.Stats(ctx)
			if err != nil {
				return err
			}
			d.Stats(stats)
			return nil
		},
	},
}

func lookupCommand(name string) *command {
	for _, c := range commands {
		if c.name == name {
			return c
		}
	}
	return nil
}

// parseInvocation resolves the command and reads its secrets. Secrets come
// from the environment first, then from in, one per line; prompts go to
// prompt when in is a terminal.
func parseInvocation(args []string, in *os.File, prompt io.Writer) (*invocation, error) {
	if len(args) == 0 {
		return nil, errors.New("missing command")
	}
	cmd := lookupCommand(args[0])
	if cmd == nil {
		return nil, fmt.Errorf("unknown command %q", args[0])
	}
	rest := args[1:]
	if len(rest) < cmd.minArgs || (cmd.maxArgs >= 0 && len(rest) > cmd.maxArgs) {
		return nil, fmt.Errorf("usage: scan-cli %s", cmd.usage)
	}

	if !isTerminal(in) {
		prompt = io.Discard
	}
	secrets, err := readSecrets(in, prompt, cmd.secrets)
	if err != nil {
		return nil, err
	}
	return &invocation{cmd: cmd, args: rest, secrets: secrets}, nil
}

func readSecrets(in io.Reader, prompt io.Writer, wanted []secret) ([]string, error) {
	if len(wanted) == 0 {
		return nil, nil
	}
	var sc *bufio.Scanner
	values := make([]string, 0, len(wanted))
	for _, s := range wanted {
		if v := os.Getenv(s.env); v != "" {
			values = append(values, v)
			continue
		}
		if sc == nil {
			sc = bufio.NewScanner(in)
		}
		fmt.Fprint(prompt, s.prompt)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", strings.TrimSuffix(s.prompt, ": "), err)
			}
			return nil, fmt.Errorf("%s not provided (set %s or pipe it on stdin)",
				strings.TrimSuffix(s.prompt, ": "), s.env)
		}
		values = append(values, strings.TrimRight(sc.Text(), "\r"))
	}
	return values, nil
}

func isTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// parseFields turns FIELD=VALUE arguments into a request body.
func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected FIELD=VALUE, got %q", arg)
		}
		fields[k] = v
	}
	return fields, nil
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid document id %q", s)
	}
	return id, nil
}

func printUsage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "Usage: scan-cli [flags] COMMAND [ARGS]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(out, "  %-42s %s\n", c.usage, c.help)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Passwords are read from SCAN_PASSWORD, SCAN_OLD_PASSWORD and")
	fmt.Fprintln(out, "SCAN_NEW_PASSWORD, or from stdin one per line.")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Flags:")
	flag.PrintDefaults()
}
