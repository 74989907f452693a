package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/nhalm/quotagate/apikey"
	"github.com/spf13/cobra"
)

var keysFlags struct {
	owner string
	plan  string
	name  string
	id    string
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	Long: `Create, list, revoke, and delete subscriber API keys.

Keys are stored in the SQLite database at keys.db_path as argon2id hashes.
The plaintext key is printed once by "keys create" and cannot be recovered.

Examples:
  # Create a key
  quotagate keys create --owner sub_123 --plan pro --name ci

  # List a subscriber's keys
  quotagate keys list --owner sub_123

  # Revoke a key
  quotagate keys revoke --id 3f0c...`,
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withKeyStore(func(st apikey.Store) error {
			return createKey(cmd.Context(), st, cmd.OutOrStdout(), keysFlags.owner, keysFlags.plan, keysFlags.name, time.Now())
		})
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a subscriber's API keys",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withKeyStore(func(st apikey.Store) error {
			return listKeys(cmd.Context(), st, cmd.OutOrStdout(), keysFlags.owner)
		})
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke an API key",
	Long:  `Mark an API key revoked. Requests using it are rejected with 401 "API key revoked".`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withKeyStore(func(st apikey.Store) error {
			if err := st.SetStatus(cmd.Context(), keysFlags.id, apikey.StatusRevoked); err != nil {
				return fmt.Errorf("failed to revoke key %s: %w", keysFlags.id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", keysFlags.id)
			return nil
		})
	},
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete an API key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withKeyStore(func(st apikey.Store) error {
			if err := st.Delete(cmd.Context(), keysFlags.id); err != nil {
				return fmt.Errorf("failed to delete key %s: %w", keysFlags.id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", keysFlags.id)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysCreateCmd, keysListCmd, keysRevokeCmd, keysDeleteCmd)

	keysCreateCmd.Flags().StringVar(&keysFlags.owner, "owner", "", "subscriber id that owns the key")
	keysCreateCmd.Flags().StringVar(&keysFlags.plan, "plan", "", "plan id the key is billed against")
	keysCreateCmd.Flags().StringVar(&keysFlags.name, "name", "", "human-readable key name")
	_ = keysCreateCmd.MarkFlagRequired("owner")
	_ = keysCreateCmd.MarkFlagRequired("plan")

	keysListCmd.Flags().StringVar(&keysFlags.owner, "owner", "", "subscriber id")
	_ = keysListCmd.MarkFlagRequired("owner")

	for _, c := range []*cobra.Command{keysRevokeCmd, keysDeleteCmd} {
		c.Flags().StringVar(&keysFlags.id, "id", "", "key id")
		_ = c.MarkFlagRequired("id")
	}
}

func withKeyStore(fn func(apikey.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openKeyStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open key store: %w", err)
	}
	defer st.Close()
	return fn(st)
}

func createKey(ctx context.Context, st apikey.Store, w io.Writer, owner, plan, name string, now time.Time) error {
	plaintext, key, err := apikey.Generate(owner, plan, name, now)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	if err := st.Put(ctx, key); err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}

	fmt.Fprintf(w, "Key ID: %s\n", key.ID)
	fmt.Fprintf(w, "Owner:  %s\n", key.OwnerID)
	fmt.Fprintf(w, "Plan:   %s\n", key.PlanID)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "API key (shown once): %s\n", plaintext)
	return nil
}

func listKeys(ctx context.Context, st apikey.Store, w io.Writer, owner string) error {
	keys, err := st.ListByOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPLAN\tSTATUS\tCREATED\tLAST USED")
	for _, k := range keys {
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			k.ID, k.Name, k.PlanID, k.Status, k.CreatedAt.UTC().Format(time.RFC3339), lastUsed)
	}
	return tw.Flush()
}
