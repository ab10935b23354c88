/*
Levelup runs a Discord bot that awards experience for chatting and sitting in
voice channels, and mirrors moderation actions into a log channel.

It takes in no flags but multiple environment variables, which can also be put
in a .env file next to the binary. Gateway events (messages, voice, bans) come in
over the websocket; slash commands come in over an HTTP interactions endpoint.
It will not serve TLS by default, but can be enabled if a cert and key file are
provided.

It's backed by SQLite by default, and does not require CGO to compile. Postgres
or a directory of JSON files can be used instead. SQL migrations are embedded and
run on startup before anything connects to Discord.
*/
package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	_ "modernc.org/sqlite"

	"github.com/jdholdren/levelup/internal/core"
	"github.com/jdholdren/levelup/internal/core/db"
	"github.com/jdholdren/levelup/internal/core/filestore"
	"github.com/jdholdren/levelup/internal/discord"
	"github.com/jdholdren/levelup/internal/discserv"
	"github.com/jdholdren/levelup/internal/gateway"
	"github.com/jdholdren/levelup/internal/logging"
	"github.com/jdholdren/levelup/internal/metrics"
	"github.com/jdholdren/levelup/internal/notify"
)

//go:embed migrate/*
var f embed.FS

func main() {
	// A missing .env is fine, the environment may already be set
	envErr := godotenv.Load()

	l := logging.NewLogger()
	defer func() {
		if err := l.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
			log.Printf("error syncing logger: %s", err)
		}
	}()
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		l.Warnw("error loading .env", "err", envErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l.Debug("parsing config...")
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		l.Fatalf("error parsing config: %s", err)
	}
	l.Infow("parsed config", zap.Object("config", cfg))

	store, closeStore, err := setupStore(ctx, cfg)
	if err != nil {
		l.Fatalw("error opening store", "err", err, "driver", cfg.DBDriver)
	}
	defer closeStore()

	cr := core.New(store)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		l.Fatalw("error creating discord session", "err", err)
	}

	n := notify.New(session, cr, m, l.Named("notify"))
	gw := gateway.New(cr, n, session, m, l.Named("gateway"))
	gw.Register(session)

	if err := session.Open(); err != nil {
		l.Fatalw("error opening gateway connection", "err", err)
	}
	defer session.Close()

	gwDone := make(chan struct{})
	go func() {
		defer close(gwDone)
		gw.Run(ctx)
	}()

	if !cfg.SkipRegister {
		dCli := discord.NewClient(
			discord.ClientConfig{
				AppID: cfg.DiscordAppID,
				Token: cfg.DiscordToken,
			},
			l.Named("discord_client"),
		)
		for _, guildID := range cfg.DiscordGuildIDs {
			if err := dCli.RegisterCommands(ctx, guildID); err != nil {
				l.Fatalw("error registering commands", "err", err, "guild_id", guildID)
			}
		}
	}

	s, err := discserv.New(
		l.Named("discserv"),
		discserv.Config{
			Port:        cfg.Port,
			VerifyKey:   cfg.DiscordVerifyKey,
			TLSCertFile: cfg.TLSCertFile,
			TLSKeyFile:  cfg.TLSKeyFile,
		},
		cr,
		n,
		session,
		m,
		reg,
	)
	if err != nil {
		l.Fatalw("error creating discord server", "err", err)
	}

	go func() {
		l.Infof("serving on port %d", cfg.Port)
		var err error
		if s.TLSConfig != nil {
			err = s.ListenAndServeTLS("", "")
		} else {
			err = s.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Errorw("error while serving", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	l.Info("shutting down...")

	// Let the gateway pay out open voice sessions before the store closes
	<-gwDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		l.Errorw("error shutting down server", "err", err)
	}
}

type config struct {
	// Server
	Port        int    `env:"PORT,default=8080"`
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	// Database
	// One of sqlite, postgres or json
	DBDriver string `env:"DB_DRIVER,default=sqlite"`
	// A file for sqlite, a DSN for postgres, a directory for json
	DBPath string `env:"DB_PATH,default=levelup.db"`

	// Discord stuffs
	DiscordToken     string   `env:"DISCORD_TOKEN,required"`
	DiscordAppID     string   `env:"DISCORD_APP_ID"`
	DiscordGuildIDs  []string `env:"DISCORD_GUILD_IDS"`
	DiscordVerifyKey string   `env:"DISCORD_VERIFY_KEY"`
	// If we should not try to register commands with discord
	SkipRegister bool `env:"SKIP_REGISTER"`
}

// Secrets (the token, and the postgres DSN which may hold a password) are left out
func (c config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("port", c.Port)
	enc.AddString("db_driver", c.DBDriver)
	if c.DBDriver != "postgres" {
		enc.AddString("db_path", c.DBPath)
	}
	enc.AddString("tls_cert_file", c.TLSCertFile)
	enc.AddString("tls_key_file", c.TLSKeyFile)
	enc.AddString("discord_app_id", c.DiscordAppID)
	if err := enc.AddArray("discord_guild_ids", zapcore.ArrayMarshalerFunc(func(ae zapcore.ArrayEncoder) error {
		for _, id := range c.DiscordGuildIDs {
			ae.AppendString(id)
		}
		return nil
	})); err != nil {
		return err
	}
	enc.AddBool("skip_register", c.SkipRegister)

	return nil
}

// Opens the configured store. SQL stores are migrated before they're returned.
func setupStore(ctx context.Context, c config) (core.Store, func(), error) {
	switch c.DBDriver {
	case "json":
		s, err := filestore.Open(c.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("error opening json store: %w", err)
		}
		return s, func() {}, nil
	case "sqlite", "postgres":
		sqlDB, err := setupDB(ctx, c)
		if err != nil {
			return nil, nil, err
		}
		return db.New(sqlDB), func() { _ = sqlDB.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown DB_DRIVER '%s'", c.DBDriver)
	}
}

// Connects to the db and migrates it
func setupDB(ctx context.Context, c config) (*sqlx.DB, error) {
	dsn := c.DBPath
	if c.DBDriver == "sqlite" {
		u, err := url.Parse(c.DBPath)
		if err != nil {
			return nil, fmt.Errorf("error parsing db path: %w", err)
		}
		q := u.Query()
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "busy_timeout(5000)")
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	sqlDB, err := sqlx.Open(c.DBDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("error connecting to db: %w", err)
	}
	if c.DBDriver == "sqlite" {
		// One writer at a time keeps sqlite from returning SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	}

	migrations, err := fs.Sub(f, "migrate")
	if err != nil {
		return nil, fmt.Errorf("error opening migrations: %w", err)
	}
	if err := db.Migrate(ctx, sqlDB, migrations); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("error migrating db: %w", err)
	}

	return sqlDB, nil
}
