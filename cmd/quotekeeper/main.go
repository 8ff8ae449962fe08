package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"quotekeeper/internal/app"
	"quotekeeper/internal/config"
	"quotekeeper/internal/encryption"
	"quotekeeper/internal/qk"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies environment overrides.
func loadConfig() (*config.Config, map[string]string, error) {
	if err := app.LoadEnvFile(); err != nil {
		return nil, nil, err
	}
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, defaults, nil
}

// newApp reads the config and creates a QKApp. The caller must defer
// closeApp. command identifies the CLI command being run (e.g. "QuoteSave").
// When unlock is set and a sealed provider is configured, the passphrase is
// requested so sealed attachments can be read.
func newApp(ctx context.Context, command string, unlock bool) (*app.QKApp, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var opener qk.Opener
	if unlock && hasSealedProvider(cfg) {
		opener, err = unlockSealer(cfg)
		if err != nil {
			return nil, err
		}
	}

	a, err := app.NewQKApp(ctx, cfg, app.Options{Command: command, Opener: opener})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func closeApp(a *app.QKApp, err *error) {
	a.Finish(*err)
	if cerr := a.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}

func hasSealedProvider(cfg *config.Config) bool {
	for _, p := range cfg.Providers {
		if p.Sealed {
			return true
		}
	}
	return false
}

func unlockSealer(cfg *config.Config) (qk.Opener, error) {
	sealer, err := encryption.NewSealerFromConfig(cfg.Encryption)
	if err != nil {
		return nil, err
	}
	passphrase, err := readPassphrase("Passphrase: ")
	if err != nil {
		return nil, err
	}
	opener, err := sealer.Unlock(passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlocking keys: %w", err)
	}
	return opener, nil
}

// readPassphrase returns QK_PASSPHRASE when set, otherwise prompts on the
// terminal without echo.
func readPassphrase(prompt string) (string, error) {
	if p := os.Getenv("QK_PASSPHRASE"); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal for passphrase prompt: set QK_PASSPHRASE")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// readInput reads a whole file, or stdin for "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printRecord(r *qk.Record) {
	fmt.Printf("Key:       %s\n", r.BusinessKey)
	fmt.Printf("Revision:  %d\n", r.Revision)
	fmt.Printf("Created:   %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Modified:  %s\n", r.ModifiedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Sync:      %s\n", r.SyncState)
	if r.Attachment != nil {
		var where []string
		for name := range r.Attachment.Locations {
			where = append(where, name)
		}
		fmt.Printf("PDF:       %s (%d bytes) on %s\n", r.Attachment.ContentHash[:12], r.Attachment.SizeBytes, strings.Join(where, ", "))
	}
	fmt.Printf("Payload:   %s\n", r.Payload)
}

func printSaveResult(res *qk.SaveResult) {
	fmt.Printf("Saved %s (%s)\n", res.BusinessKey, res.SyncState)
	if res.Verification != nil && !res.Verification.Durable() {
		fmt.Printf("Remote write not confirmed (%s); kept locally for the next sync\n", res.Verification)
	}
}

var rootCmd = &cobra.Command{
	Use:          "quotekeeper",
	Short:        "Resilient storage for quotations and their PDFs",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.LoadEnvFile(); err != nil {
			return err
		}
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, defaults, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:  %s\n", cfg.HostID)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:  %s\n", cfg.LogDir)
		fmt.Printf("Local:    %s %s\n", cfg.Local.Type, cfg.Local.DataDir)
		remote := cfg.Remote.Type
		if cfg.Remote.Type == "embedded" {
			remote += fmt.Sprintf(" (port %d)", cfg.Remote.Port())
		}
		fmt.Printf("Remote:   %s\n", remote)
		for _, p := range cfg.Providers {
			sealed := ""
			if p.Sealed {
				sealed = " sealed"
			}
			fmt.Printf("Provider: %-12s %-10s %s%s\n", p.Name, p.Role, p.Type, sealed)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys for sealed providers",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		sealer, err := encryption.NewSealerFromConfig(cfg.Encryption)
		if err != nil {
			return err
		}

		passphrase, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		if os.Getenv("QK_PASSPHRASE") == "" {
			confirm, err := readPassphrase("Repeat passphrase: ")
			if err != nil {
				return err
			}
			if confirm != passphrase {
				return fmt.Errorf("passphrases do not match")
			}
		}

		if err := sealer.Setup(passphrase); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Printf("Keys written to %s\n", cfg.Encryption.PublicKeyPath)
		return nil
	},
}

// quote command
var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Save and look up quotations",
}

var quoteSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save a new quotation, or correct one with --key",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		file, _ := cmd.Flags().GetString("file")
		client, _ := cmd.Flags().GetString("client")
		sales, _ := cmd.Flags().GetString("sales")
		project, _ := cmd.Flags().GetString("project")
		key, _ := cmd.Flags().GetString("key")

		payload, err := readInput(file)
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON")
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, "QuoteSave", false)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		res, err := a.SaveQuote(ctx, qk.SaveRequest{
			BusinessKey: key,
			Client:      client,
			Salesperson: sales,
			Project:     project,
			Payload:     payload,
		})
		if err != nil {
			return err
		}
		printSaveResult(res)
		return nil
	},
}

var quoteReviseCmd = &cobra.Command{
	Use:   "revise KEY",
	Short: "Store a new revision of a quotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		file, _ := cmd.Flags().GetString("file")
		payload, err := readInput(file)
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON")
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, "QuoteRevise", false)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		res, err := a.ReviseQuote(ctx, args[0], payload)
		if err != nil {
			return err
		}
		printSaveResult(res)
		return nil
	},
}

var quoteGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Show a quotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		latest, _ := cmd.Flags().GetBool("latest")

		ctx := cmd.Context()
		a, err := newApp(ctx, "QuoteGet", false)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		rec, err := a.GetQuote(ctx, args[0], latest)
		if err != nil {
			return err
		}
		printRecord(rec)
		return nil
	},
}

var quoteSearchCmd = &cobra.Command{
	Use:   "search [QUERY]",
	Short: "Search the latest revision of every quotation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		page, _ := cmd.Flags().GetInt("page")
		size, _ := cmd.Flags().GetInt("size")
		query := ""
		if len(args) > 0 {
			query = args[0]
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, "QuoteSearch", false)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		res, err := a.SearchQuotes(ctx, query, page, size)
		if err != nil {
			return err
		}
		if len(res.Items) == 0 {
			fmt.Println("No quotations found.")
			return nil
		}
		for _, it := range res.Items {
			pdf := "   "
			if it.HasAttachment {
				pdf = "PDF"
			}
			fmt.Printf("%-32s %s  %s\n", it.BusinessKey, pdf, it.ModifiedAt.Local().Format("2006-01-02 15:04"))
		}
		fmt.Printf("\npage %d, %d of %d\n", res.Page, len(res.Items), res.Total)
		return nil
	},
}

var quoteLogCmd = &cobra.Command{
	Use:   "log",
	Short: "View the sync log",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := cmd.Context()
		a, err := newApp(ctx, "QuoteLog", false)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		entries, err := a.SyncLog(ctx, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No sync activity recorded.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-8s  %-17s  %s",
				e.LoggedAt.Local().Format("2006-01-02 15:04:05"),
				e.Direction,
				e.Outcome,
				strings.Join(e.BusinessKeys, ","),
			)
			if e.Detail != "" {
				fmt.Printf("  %s", e.Detail)
			}
			fmt.Println()
		}
		return nil
	},
}

// attach command
var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Store and locate quotation PDFs",
}

var attachPutCmd = &cobra.Command{
	Use:   "put KEY FILE",
	Short: "Store the PDF of a quotation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		f, err := os.Open(args[1])
		if err != nil {
			return fmt.Errorf("opening %s: %w", args[1], err)
		}
		defer f.Close()

		ctx := cmd.Context()
		a, err := newApp(ctx, "AttachPut", false)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		att, err := a.PutAttachment(ctx, args[0], f)
		if err != nil {
			return err
		}
		for name, loc := range att.Locations {
			fmt.Printf("%-12s %s\n", name, loc)
		}
		return nil
	},
}

var attachFindCmd = &cobra.Command{
	Use:   "find KEY",
	Short: "Locate the PDF of a quotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		a, err := newApp(ctx, "AttachFind", true)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		found, err := a.FindAttachment(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s (%d bytes)\n", found.Provider, found.Location, found.Size)
		return nil
	},
}

var attachGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Download the PDF of a quotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			out = qk.ObjectName(args[0])
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, "AttachGet", true)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
		if err != nil {
			return fmt.Errorf("creating %s: %w", out, err)
		}

		found, err := a.GetAttachment(ctx, args[0], f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(out)
			return err
		}
		fmt.Printf("Wrote %s from %s\n", out, found.Provider)
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the local and remote stores",
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Run one reconciliation pass",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		a, err := newApp(ctx, "SyncNow", false)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		report, err := a.SyncNow(ctx)
		if errors.Is(err, qk.ErrRemoteUnavailable) {
			return fmt.Errorf("remote store unavailable, nothing synced")
		}
		if err != nil {
			return err
		}
		fmt.Println(report.String())
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mode, pending uploads and provider health",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		a, err := newApp(ctx, "SyncStatus", false)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		st, err := a.Status(ctx, true)
		if err != nil {
			return err
		}
		fmt.Printf("Mode:            %s\n", st.Manager.Mode)
		if !st.Manager.LastHealthCheck.IsZero() {
			fmt.Printf("Last check:      %s\n", st.Manager.LastHealthCheck.Local().Format(time.DateTime))
		}
		if st.Manager.LastHealthError != "" {
			fmt.Printf("Last error:      %s\n", st.Manager.LastHealthError)
		}
		fmt.Printf("Pending uploads: %d\n", st.Pending)
		for _, p := range st.Providers {
			state := "ok"
			if p.Error != "" {
				state = p.Error
			}
			fmt.Printf("Provider %-12s %-10s %s\n", p.Name, p.Role, state)
		}
		return nil
	},
}

// health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the remote store",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		a, err := newApp(ctx, "Health", false)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		fmt.Println(a.HealthCheck(ctx))
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background sync loop and the ops HTTP endpoints",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = cfg.Ops.Listen
		}
		if listen == "" {
			listen = config.DefaultOpsListen
		}

		a, err := newApp(ctx, "Serve", true)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		fmt.Printf("Serving ops endpoints on %s\n", listen)
		return a.Serve(ctx, listen)
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)

	// quote subcommands
	quoteCmd.AddCommand(quoteSaveCmd)
	quoteSaveCmd.Flags().StringP("file", "f", "-", "JSON payload file, - for stdin")
	quoteSaveCmd.Flags().String("client", "", "Client name")
	quoteSaveCmd.Flags().String("sales", "", "Salesperson initials")
	quoteSaveCmd.Flags().String("project", "", "Optional project name")
	quoteSaveCmd.Flags().String("key", "", "Correct this existing revision in place")
	quoteCmd.AddCommand(quoteReviseCmd)
	quoteReviseCmd.Flags().StringP("file", "f", "-", "JSON payload file, - for stdin")
	quoteCmd.AddCommand(quoteGetCmd)
	quoteGetCmd.Flags().Bool("latest", false, "Show the highest revision")
	quoteCmd.AddCommand(quoteSearchCmd)
	quoteSearchCmd.Flags().Int("page", 1, "Page number")
	quoteSearchCmd.Flags().Int("size", qk.DefaultPageSize, "Page size")
	quoteCmd.AddCommand(quoteLogCmd)
	quoteLogCmd.Flags().IntP("limit", "n", 50, "Maximum number of entries to show")

	// attach subcommands
	attachCmd.AddCommand(attachPutCmd)
	attachCmd.AddCommand(attachFindCmd)
	attachCmd.AddCommand(attachGetCmd)
	attachGetCmd.Flags().StringP("output", "o", "", "Output file (default: canonical object name)")

	// sync subcommands
	syncCmd.AddCommand(syncNowCmd)
	syncCmd.AddCommand(syncStatusCmd)

	serveCmd.Flags().String("listen", "", "Listen address (default: ops.listen)")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(quoteCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(serveCmd)
}
