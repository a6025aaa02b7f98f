package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gorp/internal/config"
)

func scheduleCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect or clear scheduled prompts",
	}
	c.AddCommand(scheduleListCmd())
	c.AddCommand(scheduleClearCmd())
	return c
}

func scheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all scheduled prompts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			stores, closeStore, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			rows, err := stores.Scheduler.ListSchedules(ctx)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("no scheduled prompts")
				return nil
			}
			for _, s := range rows {
				cadence := "one-shot"
				if s.IsRecurring() {
					cadence = s.CronExpression
				}
				fmt.Printf("%d\t%s\t%s\tnext=%s\t%q\n",
					s.ID, s.ChannelName, cadence,
					s.NextExecutionAt.Format("2006-01-02T15:04:05Z07:00"), s.Prompt)
			}
			return nil
		},
	}
}

func scheduleClearCmd() *cobra.Command {
	var force bool
	c := &cobra.Command{
		Use:   "clear",
		Short: "Delete all scheduled prompts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("this deletes every scheduled prompt; pass --force to confirm")
			}
			ctx := context.Background()
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			stores, closeStore, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			rows, err := stores.Scheduler.ListSchedules(ctx)
			if err != nil {
				return err
			}
			for _, s := range rows {
				if delErr := stores.Scheduler.DeleteSchedule(ctx, s.ID); delErr != nil {
					return delErr
				}
			}
			fmt.Printf("cleared %d scheduled prompt(s)\n", len(rows))
			return nil
		},
	}
	c.Flags().BoolVar(&force, "force", false, "confirm deleting every scheduled prompt")
	return c
}
