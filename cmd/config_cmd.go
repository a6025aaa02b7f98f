package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gorp/internal/config"
)

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize the Gorp config file",
	}
	c.AddCommand(configCheckCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configPathCmd())
	c.AddCommand(configInitCmd())
	return c
}

func configCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file loads without error",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			fmt.Printf("config OK: %s (hash %s)\n", path, cfg.Hash())
			return nil
		},
	}
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved config as JSON (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			body, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path that would be used",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(config.ExpandHome(resolveConfigPath()))
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	var nonInteractive bool
	c := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file, prompting for the essentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ExpandHome(resolveConfigPath())
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists; pass --force to overwrite", path)
				}
			}
			cfg := config.Default()
			if !nonInteractive {
				if err := runInitWizard(cfg); err != nil {
					return fmt.Errorf("config wizard: %w", err)
				}
			}
			return config.Save(path, cfg)
		},
	}
	c.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	c.Flags().BoolVar(&nonInteractive, "yes", false, "skip the interactive wizard and write defaults")
	return c
}

// runInitWizard prompts for the fields a fresh install needs before
// it can serve its first session: where agent workspaces live and
// which timezone the scheduler evaluates cron expressions in.
func runInitWizard(cfg *config.Config) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace directory").
				Description("Where per-session agent working directories are created").
				Value(&cfg.Workspace),
			huh.NewInput().
				Title("Scheduler timezone").
				Description("IANA zone name cron expressions are evaluated in").
				Value(&cfg.Scheduler.Timezone),
			huh.NewInput().
				Title("Agent backend binary").
				Description("Path to the subprocess agent binary new sessions spawn").
				Value(&cfg.Backend.Binary),
		),
	).Run()
}
