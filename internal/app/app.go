package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"warden/internal/authority"
	"warden/internal/config"
	"warden/internal/db"
	"warden/internal/health"
	"warden/internal/ledger"
	"warden/internal/migrate"
	"warden/internal/orchestrator"
	"warden/internal/sandbox"
	"warden/internal/secretstore"
)

// App bundles the wired-up Warden stack for one workspace.
type App struct {
	Config       *config.Config
	DB           *sql.DB
	Secrets      secretstore.Store
	Ledger       *ledger.Ledger
	Authority    *authority.Authority
	Orchestrator *orchestrator.Orchestrator
	Logger       *slog.Logger
}

// Options controls Build. Runtime is required; the CLI passes the
// in-memory runtime unless an external one is configured.
type Options struct {
	Workspace string
	Logger    *slog.Logger
	Runtime   sandbox.Runtime
}

// Build resolves workspace configuration, opens and migrates the ledger
// database, and constructs the authority and orchestrator on top.
func Build(opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	secrets, err := secretstore.NewEnv()
	if err != nil {
		conn.Close()
		return nil, err
	}
	ledgerSecret, err := resolveLedgerSecret(secrets)
	if err != nil {
		conn.Close()
		return nil, err
	}
	led := ledger.New(conn, ledgerSecret, logger)
	auth, err := authority.New(cfg, secrets, led, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	prober := health.NewProber(cfg.ProbeTimeout())
	orch := orchestrator.New(cfg, auth, opts.Runtime, prober, led, logger)
	return &App{
		Config:       cfg,
		DB:           conn,
		Secrets:      secrets,
		Ledger:       led,
		Authority:    auth,
		Orchestrator: orch,
		Logger:       logger,
	}, nil
}

// Shutdown terminates monitors and revokes outstanding tokens, then
// closes the database. Safe to call once.
func (a *App) Shutdown(ctx context.Context) error {
	a.Orchestrator.Shutdown(ctx)
	err := a.Authority.Shutdown(ctx)
	if cerr := a.DB.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close releases the database without revoking tokens. Used by
// short-lived commands that never minted anything.
func (a *App) Close() error {
	return a.DB.Close()
}

// OpenLedger opens just the audit ledger for offline commands such as
// verify and export. The returned close func must be called.
func OpenLedger(workspace string, logger *slog.Logger) (*ledger.Ledger, func() error, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	secret := os.Getenv("WARDEN_LEDGER_SECRET")
	if secret == "" {
		secret = os.Getenv("WARDEN_SIGNING_KEY")
	}
	if secret == "" {
		conn.Close()
		return nil, nil, fmt.Errorf("WARDEN_LEDGER_SECRET (or WARDEN_SIGNING_KEY) is required to read the ledger")
	}
	return ledger.New(conn, []byte(secret), logger), conn.Close, nil
}

func resolveLedgerSecret(secrets secretstore.Store) ([]byte, error) {
	if s := os.Getenv("WARDEN_LEDGER_SECRET"); s != "" {
		return []byte(s), nil
	}
	key, err := secrets.SigningKey()
	if err != nil {
		return nil, err
	}
	return key, nil
}
