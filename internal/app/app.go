package app

import (
	"context"
	"database/sql"
	"log"
	"os"

	"lootline/internal/captcha"
	"lootline/internal/chain"
	"lootline/internal/config"
	"lootline/internal/db"
	"lootline/internal/events"
	"lootline/internal/feed"
	"lootline/internal/game"
	"lootline/internal/ledger"
	"lootline/internal/matcher"
	"lootline/internal/migrate"
	"lootline/internal/notify"
	"lootline/internal/orchestrator"
	"lootline/internal/roster"
	"lootline/internal/server"
	"lootline/internal/strength"
)

// App holds every wired component. Built once per process from config plus
// an open, migrated database.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Game     *game.Client
	Chain    chain.Client
	Guard    *matcher.Guard
	Roster   *roster.Roster
	Feed     *feed.Feed
	Bridge   *captcha.Bridge
	Ledger   ledger.Repo
	Executor *ledger.Executor
	Events   events.Reader
	Logger   *log.Logger

	comparator strength.Comparator
}

// New loads config from the workspace, opens and migrates the database, and
// wires every component.
func New(workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return build(cfg, conn), nil
}

// NewWithDB wires components over an already-migrated database. Tests use it.
func NewWithDB(cfg *config.Config, conn *sql.DB) *App {
	return build(cfg, conn)
}

func build(cfg *config.Config, conn *sql.DB) *App {
	logger := log.New(os.Stderr, "lootline ", log.LstdFlags)

	gameClient := game.New(cfg.Game.BaseURL, cfg.GameTimeout())
	chainClient := chain.NewRPC(cfg.Chain.RPCURL, cfg.Chain.Contract, cfg.ChainTimeout())

	comparator := strength.New(cfg.Matching.AdvantageDiscount, cfg.Matching.NeutralDiscount, cfg.Matching.MinBattlePoints)
	guard := matcher.NewGuard(cfg.Cooldown())

	repo := ledger.Repo{DB: conn}
	writer := events.Writer{DB: conn}
	reader := events.Reader{DB: conn}

	executor := &ledger.Executor{
		Repo:          repo,
		Chain:         chainClient,
		Events:        writer,
		Confirmations: cfg.Chain.Confirmations,
		Logger:        logger,
	}
	bridge := captcha.New(gameClient, repo, guard, writer, cfg.PollInterval())
	bridge.Logger = logger

	rost := roster.New(gameClient, cfg.LootersDomain())
	rost.Logger = logger
	fd := feed.New(gameClient, cfg.LootWindow(), cfg.Game.PageSize)
	fd.Logger = logger

	return &App{
		Config:     cfg,
		DB:         conn,
		Game:       gameClient,
		Chain:      chainClient,
		Guard:      guard,
		Roster:     rost,
		Feed:       fd,
		Bridge:     bridge,
		Ledger:     repo,
		Executor:   executor,
		Events:     reader,
		Logger:     logger,
		comparator: comparator,
	}
}

// Orchestrator builds the main loop over the wired components.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return &orchestrator.Orchestrator{
		Roster:   a.Roster,
		Feed:     a.Feed,
		Engine:   &matcher.Engine{Comparator: a.comparator, Guard: a.Guard},
		Bridge:   a.Bridge,
		Executor: a.Executor,
		Ledger:   a.Ledger,
		Intervals: orchestrator.Intervals{
			Poll:     a.Config.PollInterval(),
			Refresh:  a.Config.RefreshInterval(),
			Executor: a.Config.ExecutorInterval(),
		},
		Logger: a.Logger,
	}
}

// StartNotifier launches webhook delivery when hooks are configured.
func (a *App) StartNotifier(ctx context.Context) {
	notify.Start(ctx, a.Events, a.Config.Webhooks, a.Logger)
}

// ServerConfig builds the HTTP server config over the wired components.
func (a *App) ServerConfig(jwtSecret string) server.Config {
	return server.Config{
		Bridge:   a.Bridge,
		Roster:   a.Roster,
		Guard:    a.Guard,
		Ledger:   a.Ledger,
		Executor: a.Executor,
		Events:   a.Events,
		Auth: server.AuthConfig{
			JWTSecret:   jwtSecret,
			OperatorKey: a.Config.Server.OperatorKey,
		},
	}
}

// Close releases the database handle.
func (a *App) Close() error {
	return a.DB.Close()
}
