package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/gobby-dev/gobby/internal/store/sqlite"
	"github.com/gobby-dev/gobby/internal/workflow"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the local gobby installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				fmt.Printf("[fail] config: %v\n", err)
				return err
			}
			fmt.Printf("[ok]   config loaded from %s\n", resolveConfigPath())

			path, err := cfg.DatabasePath()
			if err != nil {
				fmt.Printf("[fail] database path: %v\n", err)
				return err
			}
			db, err := sqlite.Open(path)
			if err != nil {
				fmt.Printf("[fail] database open: %v\n", err)
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := sqlite.Ping(ctx, db); err != nil {
				fmt.Printf("[fail] database ping: %v\n", err)
				return err
			}
			if v, dirty, err := sqlite.SchemaVersion(db); err != nil {
				fmt.Printf("[warn] schema version: %v\n", err)
			} else {
				fmt.Printf("[ok]   database %s (schema %d, dirty=%v)\n", path, v, dirty)
			}

			cwd, err := os.Getwd()
			if err != nil {
				cwd = "."
			}
			loader := workflow.NewLoader(cfg.WorkflowDirs(cwd), newLogger())
			if err := loader.Reload(); err != nil {
				fmt.Printf("[warn] workflows: %v\n", err)
			} else {
				fmt.Printf("[ok]   %d workflow definitions parse\n", len(loader.All()))
			}

			if _, err := exec.LookPath("git"); err != nil {
				fmt.Println("[warn] git not found; worktree isolation unavailable")
			} else {
				fmt.Println("[ok]   git found")
			}

			for _, name := range []string{"claude", "gemini", "codex"} {
				pcfg := cfg.Provider(name)
				if pcfg.Command == "" {
					fmt.Printf("[warn] provider %s has no command configured\n", name)
					continue
				}
				if _, err := exec.LookPath(pcfg.Command); err != nil {
					fmt.Printf("[warn] provider %s: %q not on PATH\n", name, pcfg.Command)
				} else {
					fmt.Printf("[ok]   provider %s (%s)\n", name, pcfg.Command)
				}
			}

			conn, err := net.DialTimeout("tcp", cfg.ListenAddr(), time.Second)
			if err != nil {
				fmt.Printf("[info] daemon not running on %s\n", cfg.ListenAddr())
			} else {
				conn.Close()
				fmt.Printf("[ok]   daemon listening on %s\n", cfg.ListenAddr())
			}
			return nil
		},
	}
}
