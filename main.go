package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/redis/go-redis/v9"

	"github.com/go-authgate/scan-cli/account"
	"github.com/go-authgate/scan-cli/credstore"
	"github.com/go-authgate/scan-cli/scanapi"
	"github.com/go-authgate/scan-cli/session"
	"github.com/go-authgate/scan-cli/tui"
)

const redisPingTimeout = 3 * time.Second

// app is the wired client: one credential store, one Authority and the two
// API surfaces built on it.
type app struct {
	store     *credstore.Store
	authority *session.Authority
	accounts  *account.Service
	scans     *scanapi.Client
	closers   []func() error
}

func newApp(ctx context.Context, cfg *config, d tui.Displayer, log *slog.Logger) (*app, error) {
	a := &app{}

	backend, err := a.openBackend(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	if cfg.SealKey != "" {
		if backend, err = credstore.Sealed(backend, []byte(cfg.SealKey)); err != nil {
			a.close()
			return nil, err
		}
	}

	// One entry per server, so switching SERVER_URL keeps other sessions.
	a.store = credstore.New(backend, cfg.ServerURL, credstore.WithLogger(log))
	if err := a.store.Load(); err != nil {
		log.Warn("stored credentials unavailable", "error", err)
		d.StorageFailed(err)
	}

	transport, err := session.NewTransport(cfg.Retries, log)
	if err != nil {
		a.close()
		return nil, err
	}
	a.authority, err = session.NewAuthority(a.store, session.Options{
		BaseURL: cfg.ServerURL,
		Doer:    transport,
		Timeout: cfg.RequestTimeout,
		Logger:  log,
		Hooks: session.Hooks{
			OnRejected: func(req session.Request) {
				d.AccessTokenRejected(req.Method, req.Path)
			},
			OnRefreshStart: d.Refreshing,
			OnRefreshed:    d.RefreshOK,
			OnStorageError: d.StorageFailed,
		},
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.authority.OnSessionExpired(func(error) { d.SessionExpired() })

	a.accounts = account.New(session.NewGateway(a.authority), account.WithLogger(log))
	a.scans = scanapi.New(session.NewGateway(a.authority), log)
	return a, nil
}

func (a *app) openBackend(ctx context.Context, cfg *config) (credstore.Backend, error) {
	switch cfg.Backend {
	case backendMemory:
		return credstore.NewMemoryBackend(), nil
	case backendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, rdb.Close)

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, &credstore.StorageError{Op: "connect", Key: cfg.RedisAddr, Err: err}
		}
		return credstore.NewRedisBackend(rdb, ""), nil
	default:
		return credstore.NewFileBackend(cfg.CredentialFile), nil
	}
}

func (a *app) close() {
	for _, c := range a.closers {
		_ = c()
	}
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	inv, err := parseInvocation(flag.Args(), os.Stdin, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.CommandLine.SetOutput(os.Stderr)
		printUsage()
		os.Exit(2)
	}
	log := newLogger(cfg.LogLevel)

	if isTTY() {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		runErr := run(cfg, inv, d, log)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		if err := run(cfg, inv, d, log); err != nil {
			os.Exit(1)
		}
	}
}

func run(cfg *config, inv *invocation, d tui.Displayer, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d.Banner(inv.cmd.name)

	a, err := newApp(ctx, cfg, d, log)
	if err != nil {
		d.Fatal(account.Message(err))
		return err
	}
	defer a.close()

	if inv.cmd.needsSession {
		if user, ok := a.accounts.CurrentUser(); ok {
			d.SessionRestored(tui.DisplayName(user))
		} else {
			d.NotAuthenticated()
		}
	}

	if err := inv.cmd.run(ctx, a, d, inv); err != nil {
		if errors.Is(err, context.Canceled) {
			d.Fatal("Interrupted.")
			return err
		}
		log.Debug("command failed", "command", inv.cmd.name, "error", err)
		d.Fatal(account.Message(err))
		return err
	}
	return nil
}
