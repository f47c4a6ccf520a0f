package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/zsprackett/pi-control/internal/applog"
	"github.com/zsprackett/pi-control/internal/config"
	"github.com/zsprackett/pi-control/internal/db"
	"github.com/zsprackett/pi-control/internal/notify"
	"github.com/zsprackett/pi-control/internal/relay"
	"github.com/zsprackett/pi-control/internal/retention"
	"github.com/zsprackett/pi-control/internal/webserver"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "pi-control",
		Short:        "Relay between a Raspberry Pi agent and its browser dashboard",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "path to config file")

	root.AddCommand(
		serveCmd(&configPath),
		hashSecretCmd(&configPath),
		versionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay and dashboard (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func hashSecretCmd(configPath *string) *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "hash-secret",
		Short: "Prompt for the shared secret and store its bcrypt hash in the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print("Secret: ")
			pw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return err
			}
			fmt.Print("Confirm: ")
			confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return err
			}
			if len(pw) == 0 {
				return errors.New("secret must not be empty")
			}
			if !bytes.Equal(pw, confirm) {
				return errors.New("secrets do not match")
			}
			hash, err := bcrypt.GenerateFromPassword(pw, bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			if printOnly {
				fmt.Println(string(hash))
				return nil
			}
			if err := config.SetSecretHash(*configPath, string(hash)); err != nil {
				return err
			}
			fmt.Printf("Secret hash written to %s\n", *configPath)
			if cfg, err := config.Load(*configPath); err == nil && cfg.Secret != "" {
				fmt.Fprintln(os.Stderr, "warning: a plain secret is also set and takes precedence over the hash")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the hash instead of writing the config")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func openAuditDB(path string) (*db.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	store, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.EnsureJWTSecret(configPath, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not persist JWT secret: %v\n", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	tokenTTL, err := time.ParseDuration(cfg.Webserver.TokenTTL)
	if err != nil {
		return fmt.Errorf("webserver.tokenTTL: %w", err)
	}

	logger, logCloser, err := applog.Init(applog.InitConfig{
		LogDir:   cfg.LogDir,
		LogLevel: cfg.LogLevel,
		Format:   cfg.LogFormat,
		Version:  version,
		Console:  os.Stderr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		logger = slog.Default()
	} else {
		defer logCloser.Close()
	}

	opts := relay.Options{
		Catalog: cfg.Tasks,
		Auth:    relay.NewAuthenticator(cfg.Secret, cfg.SecretHash),
		Notifier: notify.New(notify.Config{
			Enabled: cfg.Notifications.Enabled,
			Webhook: cfg.Notifications.Webhook,
			NtfyURL: cfg.Notifications.NtfyURL,
		}, logger),
	}
	var audit webserver.AuditReader
	if cfg.Audit.Enabled {
		store, err := openAuditDB(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer store.Close()
		opts.Audit = store
		audit = store

		if cfg.Audit.RetentionDays > 0 {
			pruner := retention.New(store, time.Duration(cfg.Audit.RetentionDays)*24*time.Hour, logger)
			pruner.Start()
			defer pruner.Stop()
		}
	}

	r := relay.New(opts, logger)

	tlsCfg := cfg.Webserver.TLS
	if tlsCfg.CacheDir == "" {
		tlsCfg.CacheDir = filepath.Join(config.Dir(), "certs")
	}
	srv := webserver.New(r, opts.Auth, audit, webserver.Config{
		Port: cfg.Webserver.Port,
		Host: cfg.Webserver.Host,
		TLS: webserver.TLSConfig{
			Mode:     tlsCfg.Mode,
			Domain:   tlsCfg.Domain,
			CertFile: tlsCfg.CertFile,
			KeyFile:  tlsCfg.KeyFile,
			CacheDir: tlsCfg.CacheDir,
			HTTPAddr: tlsCfg.HTTPAddr,
		},
		AllowedOrigins: cfg.Webserver.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		TokenTTL:       tokenTTL,
	}, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	relayDone := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(relayDone)
	}()

	logger.Info("pi-control starting", "version", version, "tasks", cfg.Tasks.IDs(), "audit", cfg.Audit.Enabled)
	err = srv.Serve(ctx)
	cancel()
	<-relayDone
	if err != nil {
		logger.Error("server stopped", "err", err)
		return err
	}
	logger.Info("pi-control stopped")
	return nil
}
