package main

import (
	"fmt"

	"github.com/SiriusScan/pypi-gate/sirius/store"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

var flagKeyLabel string

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "manage admin API keys for /api/db",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "create a key and print it once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withKV(func(kv store.KVStore) error {
			raw, err := store.GenerateAdminKey()
			if err != nil {
				return err
			}
			meta, err := store.StoreAdminKey(cmd.Context(), kv, raw, flagKeyLabel)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id:    %s\nlabel: %s\nkey:   %s\n", meta.ID, meta.Label, raw)
			return nil
		})
	},
}

var apikeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "list stored keys",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withKV(func(kv store.KVStore) error {
			keys, err := store.ListAdminKeys(cmd.Context(), kv)
			if err != nil {
				return err
			}
			table := uitable.New()
			table.AddRow("ID", "LABEL", "PREFIX", "CREATED", "LAST USED")
			for _, k := range keys {
				table.AddRow(k.ID, k.Label, k.Prefix, k.CreatedAt, k.LastUsedAt)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		})
	},
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "revoke a key by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKV(func(kv store.KVStore) error {
			return store.RevokeAdminKey(cmd.Context(), kv, args[0])
		})
	},
}

func init() {
	apikeyCreateCmd.Flags().StringVar(&flagKeyLabel, "label", "", "free text describing the key owner")
	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyListCmd, apikeyRevokeCmd)
}

func withKV(fn func(store.KVStore) error) error {
	kv, err := store.NewValkeyStore(cfg.Valkey.Addr)
	if err != nil {
		return fmt.Errorf("connecting to valkey at %s: %w", cfg.Valkey.Addr, err)
	}
	defer kv.Close()
	return fn(kv)
}
