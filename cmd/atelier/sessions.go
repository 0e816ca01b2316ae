package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/atelier-dev/atelier/internal/common/config"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect recorded sessions",
	Long: `List and prune the session directory. Rows describe sessions this host
has run; live state exists only inside a running atelier process.`,
}

var sessionsListCmd = &cobra.Command{
	Use:          "list",
	Short:        "List recorded sessions",
	SilenceUsage: true,
	RunE:         runSessionsList,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:          "delete <session-id>",
	Short:        "Remove a session from the directory",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runSessionsDelete,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

// openDirectory builds the configured directory backend with a stderr logger.
func openDirectory() (session.Directory, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logCfg := cfg.Logging
	if logCfg.OutputPath == "" || logCfg.OutputPath == "stdout" {
		logCfg.OutputPath = "stderr"
	}
	log, err := logger.New(logger.LoggingConfig(logCfg))
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	return session.ProvideDirectory(cfg, log)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	dir, err := openDirectory()
	if err != nil {
		return err
	}
	defer func() { _ = dir.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := dir.List(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}

	fmt.Printf("%-38s %-16s %-10s %-9s %s\n", "SESSION ID", "WORKSPACE", "PROVIDER", "STATUS", "CREATED")
	fmt.Println(strings.Repeat("-", 88))
	for _, e := range entries {
		provider := e.Provider
		if provider == "" {
			provider = "n/a"
		}
		fmt.Printf("%-38s %-16s %-10s %-9s %s\n",
			e.SessionID, e.WorkspaceID, provider, e.Status, formatAge(e.CreatedAt))
	}
	fmt.Printf("\n%d session(s)\n", len(entries))
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	dir, err := openDirectory()
	if err != nil {
		return err
	}
	defer func() { _ = dir.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := dir.Delete(ctx, args[0]); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	fmt.Printf("Deleted session %s from the directory.\n", args[0])
	return nil
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
