package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"taxdocs/pkg/config"
	"taxdocs/pkg/render"
	"taxdocs/pkg/telemetry"
	"taxdocs/services/backend"
	"taxdocs/services/docs"
	"taxdocs/services/export"
	"taxdocs/services/identity"
)

const serviceName = "taxdocs"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "taxdocs",
		Short:         "Keep your tax documents in one place",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newShellCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newExportCommand())
	cmd.AddCommand(newExtractCommand())
	return cmd
}

// env is what every command that talks to the backend needs.
type env struct {
	cfg     config.Config
	logger  zerolog.Logger
	backend *backend.Backend
	client  *identity.Client
	close   func()
}

func openEnv(ctx context.Context, logOut io.Writer) (*env, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := telemetry.NewLogger(serviceName, cfg.LogLevel, logOut)

	shutdownTelemetry, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	flush := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}

	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		flush()
		return nil, err
	}

	sessionPath, err := cfg.SessionPath()
	if err != nil {
		b.Close()
		flush()
		return nil, err
	}
	client := identity.NewClient(b.Identity, identity.FileTokenStore{Path: sessionPath}, logger)

	return &env{
		cfg:     cfg,
		logger:  logger,
		backend: b,
		client:  client,
		close: func() {
			b.Close()
			flush()
		},
	}, nil
}

func newShellCommand() *cobra.Command {
	var logFile string

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Sign in and manage your documents interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			logOut := io.Writer(os.Stderr)
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
				if err != nil {
					return fmt.Errorf("open log file: %w", err)
				}
				defer f.Close()
				logOut = f
			}

			e, err := openEnv(ctx, logOut)
			if err != nil {
				return err
			}
			defer e.close()

			engine, err := render.New()
			if err != nil {
				return err
			}
			app, err := docs.NewApp(ctx, e.client, e.backend.Records, e.backend.Objects, engine, docs.AppOptions{
				Root:     e.backend.Root,
				Rollback: e.cfg.UploadRollback,
			}, e.logger)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := e.client.Restore(ctx); err != nil {
				return fmt.Errorf("restore session: %w", err)
			}
			go refreshSession(ctx, e.client, e.logger)

			return docs.NewShell(app, os.Stdin, os.Stdout, e.logger).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	return cmd
}

// refreshSession notices sessions that expire or are revoked while the shell is open.
func refreshSession(ctx context.Context, client *identity.Client, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Refresh(ctx); err != nil {
				logger.Warn().Err(err).Msg("refresh session")
			}
		}
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := backend.Migrate(cmd.Context(), cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newExportCommand() *cobra.Command {
	var (
		output     string
		recipients []string
		passphrase bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write all of your documents into a tar.zst archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, os.Stderr)
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.client.Restore(ctx); err != nil {
				return fmt.Errorf("restore session: %w", err)
			}
			sess := e.client.Current()
			if sess == nil {
				return errors.New("not signed in; run `taxdocs shell` first")
			}

			var pass string
			if passphrase {
				if pass, err = promptPassphrase(cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
			ageRecipients, err := export.ParseRecipients(recipients, pass)
			if err != nil {
				return err
			}

			f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			_, err = export.Build(ctx, export.BuildConfig{
				Records:    e.backend.Records,
				Objects:    e.backend.Objects,
				UserID:     sess.UserID,
				Email:      sess.Email,
				Output:     f,
				Recipients: ageRecipients,
				Stdout:     cmd.OutOrStdout(),
			})
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(output)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "Destination archive (tar.zst)")
	cmd.Flags().StringSliceVar(&recipients, "recipient", nil, "Encrypt to this age public key (repeatable)")
	cmd.Flags().BoolVar(&passphrase, "passphrase", false, "Encrypt with a passphrase read from the terminal")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newExtractCommand() *cobra.Command {
	var (
		file         string
		dir          string
		identityFile string
		passphrase   bool
	)

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Verify an export archive and unpack its documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			var keys []string
			if identityFile != "" {
				data, err := os.ReadFile(identityFile)
				if err != nil {
					return fmt.Errorf("read identity file: %w", err)
				}
				keys = identityLines(string(data))
			}
			var pass string
			if passphrase {
				var err error
				if pass, err = promptPassphrase(cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
			identities, err := export.ParseIdentities(keys, pass)
			if err != nil {
				return err
			}

			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer f.Close()

			m, err := export.Extract(cmd.Context(), f, identities, dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "extracted %d documents for %s into %s\n", len(m.Documents), m.Email, dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Archive to read")
	cmd.Flags().StringVar(&dir, "dir", ".", "Directory to write documents into")
	cmd.Flags().StringVar(&identityFile, "identity", "", "File holding age secret keys")
	cmd.Flags().BoolVar(&passphrase, "passphrase", false, "Decrypt with a passphrase read from the terminal")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func promptPassphrase(out io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--passphrase needs an interactive terminal")
	}
	fmt.Fprint(out, "Passphrase: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if len(b) == 0 {
		return "", errors.New("empty passphrase")
	}
	return string(b), nil
}

// identityLines drops blank lines and comments from an age identity file.
func identityLines(data string) []string {
	var out []string
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
