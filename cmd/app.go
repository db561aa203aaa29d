package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	retry "github.com/appleboy/go-httpretry"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pocketbudget/budget-cli/api"
	"github.com/pocketbudget/budget-cli/config"
	"github.com/pocketbudget/budget-cli/credential"
	"github.com/pocketbudget/budget-cli/session"
	"github.com/pocketbudget/budget-cli/tui"
)

const userAgent = "budget-cli/1.0"

// app is everything a command needs, built once per invocation.
type app struct {
	cfg     config.Config
	store   credential.Store
	session *session.Controller
	display tui.Displayer
	out     io.Writer
	closers []func() error
}

func (a *app) close() {
	for _, fn := range a.closers {
		if err := fn(); err != nil {
			log.WithError(err).Warn("close failed")
		}
	}
}

// commandFunc runs one command and returns the line shown on success.
type commandFunc func(ctx context.Context, a *app) (string, error)

// newDisplay picks the displayer. The returned func stops it and waits for
// its final frame. Tests replace it.
var newDisplay = func() (tui.Displayer, func(), bool) {
	if isTTY() && !flagPlain {
		// WithInput(nil): no keyboard input, so BubbleTea skips terminal
		// capability queries. Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(tui.NewModel(), tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()
		return tui.NewProgramDisplayer(p), func() {
			p.Quit()
			wg.Wait()
		}, true
	}
	return tui.NewPlainDisplayer(os.Stderr), func() {}, false
}

// run builds the app for cmd and executes fn under a signal-aware context.
func run(cmd *cobra.Command, fn commandFunc) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := resolveConfig(cmd.Flags().Changed)
	if err != nil {
		return err
	}

	display, stopDisplay, interactive := newDisplay()
	defer stopDisplay()

	closeLog := setupLogging(cfg, interactive)
	defer closeLog()

	display.Banner(cfg.ServerURL)
	if cfg.Insecure() {
		log.Warn("using HTTP instead of HTTPS, tokens are transmitted in plaintext")
	}

	a, err := newApp(cfg, display, cmd.OutOrStdout())
	if err != nil {
		display.Fatal(err)
		return err
	}
	defer a.close()

	start := time.Now()
	summary, err := fn(ctx, a)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, api.ErrCancelled) {
			err = fmt.Errorf("%w: %w", api.ErrCancelled, err)
		}
		display.Fatal(err)
		return err
	}
	display.Done(summary, time.Since(start))
	return nil
}

// resolveConfig layers defaults, the config file, .env and environment,
// and the flags that were set on the command line.
func resolveConfig(changed func(string) bool) (config.Config, error) {
	config.LoadDotEnv()

	path := flagConfig
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}

	overrides := []struct {
		flag string
		set  func()
	}{
		{"server-url", func() { cfg.ServerURL = flagServerURL }},
		{"store", func() { cfg.Store = flagStore }},
		{"token-file", func() { cfg.TokenFile = flagTokenFile }},
		{"profile", func() { cfg.Profile = flagProfile }},
		{"timeout", func() { cfg.Timeout.Duration = flagTimeout }},
		{"log-level", func() { cfg.LogLevel = flagLogLevel }},
		{"log-file", func() { cfg.LogFile = flagLogFile }},
	}
	for _, o := range overrides {
		if changed(o.flag) {
			o.set()
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// setupLogging points logrus at the rotated log file when one is
// configured. With the TUI on stderr and no file, logs are dropped so they
// do not tear the screen.
func setupLogging(cfg config.Config, interactive bool) func() {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.WarnLevel
	}
	log.SetLevel(level)

	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		log.SetFormatter(&log.JSONFormatter{})
		log.SetOutput(lj)
		return func() { _ = lj.Close() }
	}

	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	if interactive {
		log.SetOutput(io.Discard)
	} else {
		log.SetOutput(os.Stderr)
	}
	return func() {}
}

func openStore(cfg config.Config) (credential.Store, func() error, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := credential.OpenSQLiteStore(cfg.TokenFile, cfg.Profile)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.StoreMemory:
		return credential.NewMemoryStore(credential.Credentials{}), func() error { return nil }, nil
	default:
		s, err := credential.OpenFileStore(cfg.TokenFile, cfg.Profile)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	}
}

// newTransport returns the client for API calls, which retries idempotent
// requests only, and the plain client the refresh call goes through.
func newTransport() (api.Doer, api.Doer, error) {
	base := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	retryClient, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(base),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	once := api.HTTPClientDoer{Client: base}
	return api.IdempotentDoer{Retry: retryClient, Once: once}, once, nil
}

func newApp(cfg config.Config, display tui.Displayer, out io.Writer) (*app, error) {
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	client, refreshClient, err := newTransport()
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	sess := session.New(session.Config{
		BaseURL:       cfg.ServerURL,
		Store:         store,
		HTTPClient:    client,
		RefreshClient: refreshClient,
		Timeout:       cfg.Timeout.Duration,
		UserAgent:     userAgent,
		Observer:      display,
		Logger:        log.WithFields(log.Fields{"component": "session", "profile": cfg.Profile}),
	})
	sess.OnExpired(display.SessionExpired)

	return &app{
		cfg:     cfg,
		store:   store,
		session: sess,
		display: display,
		out:     out,
		closers: []func() error{closeStore},
	}, nil
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
