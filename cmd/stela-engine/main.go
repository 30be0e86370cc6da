// Command stela-engine runs the document transmission engine.
package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/sophyphreak/stela/internal/config"
	"github.com/sophyphreak/stela/internal/delivery"
	"github.com/sophyphreak/stela/internal/engine"
	"github.com/sophyphreak/stela/internal/events"
	"github.com/sophyphreak/stela/internal/profile"
	"github.com/sophyphreak/stela/internal/storage/mongodb"
	"github.com/sophyphreak/stela/pkg/antivirus"
	"github.com/sophyphreak/stela/pkg/archive"
	"github.com/sophyphreak/stela/pkg/sesile"
	"github.com/sophyphreak/stela/pkg/signature"
)

func main() {
	app := &cli.App{
		Name:  "stela-engine",
		Usage: "document transmission engine for local authorities",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				Value:   "stela.yaml",
				EnvVars: []string{"STELA_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Value:   "info",
				EnvVars: []string{"STELA_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the engine and its circuit and retry sweeps",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "sweep-interval",
						Usage: "how often the signing circuit and retry sweeps run",
						Value: 5 * time.Minute,
					},
				},
				Action: runCommand,
			},
			{
				Name:      "cancel",
				Usage:     "ask the prefecture to withdraw a transmitted document",
				ArgsUsage: "<document-id>",
				Action:    documentCommand(func(ctx context.Context, e *engine.Engine, id string) error {
					return e.Cancel(ctx, id)
				}),
			},
			{
				Name:      "resend",
				Usage:     "push the latest deliverable payload again",
				ArgsUsage: "<document-id>",
				Action:    documentCommand(func(ctx context.Context, e *engine.Engine, id string) error {
					return e.ManualResend(ctx, id)
				}),
			},
			{
				Name:      "republish",
				Usage:     "restart a document's pipeline from scratch",
				ArgsUsage: "<document-id>",
				Action:    documentCommand(func(ctx context.Context, e *engine.Engine, id string) error {
					return e.Republish(ctx, id)
				}),
			},
			{
				Name:   "blocked",
				Usage:  "list flux sent but never settled by the prefecture",
				Action: blockedCommand,
			},
			{
				Name:      "nomenclature-ask",
				Usage:     "build a classification refresh request archive",
				ArgsUsage: "<authority-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out",
						Usage: "directory to write the archive into",
						Value: ".",
					},
				},
				Action: nomenclatureCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// buildEngine wires every component from the configuration. The returned
// cleanup closes the store and the event publisher.
func buildEngine(ctx context.Context, c *cli.Context) (*engine.Engine, func(), error) {
	logger := setupLogger(c.String("log-level"))

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}

	store, err := mongodb.NewStore(ctx, &mongodb.Config{
		URI:            cfg.Storage.MongoDB.URI,
		Database:       cfg.Storage.MongoDB.Database,
		GridFSBucket:   cfg.Storage.MongoDB.GridFS.BucketName,
		ChunkSizeBytes: int32(cfg.Storage.MongoDB.GridFS.ChunkSizeBytes),
	})
	if err != nil {
		return nil, nil, err
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Events.URL != "" {
		publisher, err = events.NewAMQPPublisher(cfg.Events.URL, cfg.Events.Exchange,
			events.WithLogger(logger))
		if err != nil {
			store.Close(ctx)
			return nil, nil, err
		}
	}

	certValidator, err := buildCertValidator(cfg)
	if err != nil {
		publisher.Close()
		store.Close(ctx)
		return nil, nil, err
	}

	var validatorOpts []signature.Option
	if cfg.Signature.PolicyRequired {
		validatorOpts = append(validatorOpts, signature.WithPolicyRequired())
	}

	builder := archive.NewBuilder(cfg.Archive.Trigraph, archive.Referent{
		Name:  cfg.Archive.Referent.Name,
		Email: cfg.Archive.Referent.Email,
		Phone: cfg.Archive.Referent.Phone,
	})

	eng := engine.New(
		store,
		builder,
		antivirus.NewClamScanner(cfg.Antivirus.Address, antivirus.WithLogger(logger)),
		signature.NewValidator(certValidator, validatorOpts...),
		sesile.NewClient(cfg.Circuit.V3URL, cfg.Circuit.V4URL, sesile.WithLogger(logger)),
		profile.NewClient(cfg.Profile.URL),
		delivery.NewFTPUploader(cfg.Delivery.Address, cfg.Delivery.User,
			cfg.Delivery.Password, cfg.Delivery.Dir, delivery.WithLogger(logger)),
		engine.Config{
			MaxArchiveSize:          cfg.Archive.MaxSize,
			MaxRetries:              cfg.Archive.MaxRetries,
			ClasseurType:            cfg.Circuit.ClasseurType,
			ClasseurVisibility:      cfg.Circuit.Visibility,
			DaysToValidated:         cfg.Circuit.DaysToValidated,
			BlockOnSignatureMissing: cfg.Signature.BlockOnMissing,
		},
		engine.WithLogger(logger),
		engine.WithPublisher(publisher),
	)

	cleanup := func() {
		publisher.Close()
		store.Close(context.Background())
	}
	return eng, cleanup, nil
}

func buildCertValidator(cfg *config.Config) (signature.CertificateValidator, error) {
	if cfg.Signature.PDPEndpoint != "" {
		return signature.NewAuthZENTrustValidator(cfg.Signature.PDPEndpoint), nil
	}

	if cfg.Signature.TrustBundle != "" {
		pem, err := os.ReadFile(cfg.Signature.TrustBundle)
		if err != nil {
			return nil, fmt.Errorf("reading trust bundle: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("trust bundle %s contains no certificates", cfg.Signature.TrustBundle)
		}
		return signature.NewPKIValidator(roots), nil
	}

	// system roots
	return signature.NewPKIValidator(nil), nil
}

func runCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, cleanup, err := buildEngine(ctx, c)
	if err != nil {
		return err
	}
	defer cleanup()

	interval := c.Duration("sweep-interval")
	slog.Info("engine started", "sweep_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("engine stopping")
			return nil
		case <-ticker.C:
			if err := eng.CheckWithdrawn(ctx); err != nil {
				slog.Error("withdrawal sweep failed", "error", err)
			}
			if err := eng.CheckSigned(ctx); err != nil {
				slog.Error("signature sweep failed", "error", err)
			}
			if err := eng.RetryUnsent(ctx); err != nil {
				slog.Error("retry sweep failed", "error", err)
			}
		}
	}
}

func documentCommand(fn func(ctx context.Context, e *engine.Engine, id string) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("expected exactly one document id")
		}

		eng, cleanup, err := buildEngine(c.Context, c)
		if err != nil {
			return err
		}
		defer cleanup()

		return fn(c.Context, eng, c.Args().First())
	}
}

func blockedCommand(c *cli.Context) error {
	eng, cleanup, err := buildEngine(c.Context, c)
	if err != nil {
		return err
	}
	defer cleanup()

	blocked, err := eng.BlockedFlux(c.Context)
	if err != nil {
		return err
	}
	for _, id := range blocked {
		fmt.Println(id)
	}
	return nil
}

func nomenclatureCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one authority id")
	}

	eng, cleanup, err := buildEngine(c.Context, c)
	if err != nil {
		return err
	}
	defer cleanup()

	attachment, err := eng.NomenclatureAsk(c.Context, c.Args().First())
	if err != nil {
		return err
	}

	path := filepath.Join(c.String("out"), attachment.Filename)
	if err := os.WriteFile(path, attachment.Content, 0o644); err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}
