package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gorp/internal/config"
	"github.com/nextlevelbuilder/gorp/internal/orchestrator"
)

func roomsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "rooms",
		Short: "Inspect or reconcile platform rooms",
	}
	c.AddCommand(roomsSyncCmd())
	return c
}

// roomsSyncCmd implements spec's "reconcile platform room names with
// the operator-chosen prefix": for every non-DISPATCH session whose
// name doesn't carry the configured prefix, report the room name it
// should have, and report matching sessions that have no bound
// platform connection. Actually renaming the platform-side room is a gateway
// adapter's job (spec's Non-goal on platform SDKs keeps that out of
// core scope), so this reports what needs fixing rather than calling
// out to a platform API itself.
func roomsSyncCmd() *cobra.Command {
	var prefix string
	c := &cobra.Command{
		Use:   "sync",
		Short: "Report sessions whose bound platform rooms don't match the naming prefix",
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

			sessions, err := stores.Sessions.ListSessions(ctx)
			if err != nil {
				return err
			}

			drift := 0
			for _, sess := range sessions {
				if sess.Dispatch || sess.Name == orchestrator.DispatchSessionName {
					continue
				}
				expected := prefix + sess.Name
				if !strings.HasPrefix(sess.Name, prefix) {
					fmt.Printf("session %q: expected platform room name %q\n", sess.Name, expected)
					drift++
					continue
				}
				bindings, err := stores.Sessions.ListBindings(ctx, sess.Name)
				if err != nil {
					return err
				}
				if len(bindings) == 0 {
					fmt.Printf("session %q: no bound platform connections\n", sess.Name)
				}
			}
			if drift == 0 {
				fmt.Println("all sessions match the naming prefix")
			}
			return nil
		},
	}
	c.Flags().StringVar(&prefix, "prefix", "gorp-", "required session-name prefix reflecting the platform room name")
	return c
}
