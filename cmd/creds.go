package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/creds"
)

func credsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "creds",
		Short: "Manage encrypted credentials",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <name> <value>",
			Short: "Store a secret",
			Args:  cobra.ExactArgs(2),
			Run: func(cmd *cobra.Command, args []string) {
				store := openCredStore()
				if err := store.Set(args[0], args[1]); err != nil {
					fmt.Fprintf(os.Stderr, "set: %v\n", err)
					os.Exit(1)
				}
				fmt.Printf("Stored %s.\n", args[0])
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored secret names",
			Run: func(cmd *cobra.Command, args []string) {
				store := openCredStore()
				names := store.Names()
				if len(names) == 0 {
					fmt.Println("No secrets stored.")
					return
				}
				for _, n := range names {
					fmt.Println(n)
				}
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Remove a secret",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				store := openCredStore()
				if err := store.Delete(args[0]); err != nil {
					fmt.Fprintf(os.Stderr, "delete: %v\n", err)
					os.Exit(1)
				}
				fmt.Printf("Deleted %s.\n", args[0])
			},
		},
	)
	return cmd
}

func openCredStore() *creds.Store {
	store, err := creds.Open(config.ExpandHome("~/.pocketpaw/credentials.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "credentials: %v\n", err)
		os.Exit(1)
	}
	return store
}
