package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/consul/api"
	"github.com/spf13/cobra"

	"github.com/fleetwork/drover/pkg/config"
	"github.com/fleetwork/drover/pkg/infra"
	"github.com/fleetwork/drover/pkg/keystore"
	"github.com/fleetwork/drover/pkg/logger"
)

// NewKeysCmd groups the out-of-band key management commands operators use
// to resolve pending minions.
func NewKeysCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "keys",
		Short: "Manage minion keys",
		Long:  "List, accept and reject minion keys",
	}

	var configPath string
	var passwordFile string
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.PersistentFlags().StringVarP(&passwordFile, "password-file", "f", "", "Path to file containing the keystore password")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List accepted minion identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openKeystore(configPath, passwordFile)
			if err != nil {
				return err
			}
			defer store.Close()
			ids, err := store.AcceptedIDs()
			if err != nil {
				return fmt.Errorf("failed to list accepted keys: %w", err)
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "accept <minion-id>",
		Short: "Accept a minion's key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setKeyState(configPath, passwordFile, args[0], keystore.StateAccepted)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reject <minion-id>",
		Short: "Reject a minion's key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setKeyState(configPath, passwordFile, args[0], keystore.StateRejected)
		},
	})

	return cmd
}

func setKeyState(configPath, passwordFile, minionID string, state keystore.KeyState) error {
	store, err := openKeystore(configPath, passwordFile)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.FetchKey(minionID)
	if err != nil {
		return fmt.Errorf("failed to fetch key for %s: %w", minionID, err)
	}
	if rec == nil {
		return fmt.Errorf("no key on file for %s", minionID)
	}
	if rec.State == state {
		fmt.Printf("%s is already %s\n", minionID, state)
		return nil
	}
	rec.State = state
	if err := store.StoreKey(minionID, rec); err != nil {
		return fmt.Errorf("failed to update key for %s: %w", minionID, err)
	}
	fmt.Printf("%s is now %s\n", minionID, state)
	return nil
}

func openKeystore(configPath, passwordFile string) (keystore.Store, error) {
	config.SetEnvConfigPath(configPath)
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Init(cfg.Environment, false)

	if passwordFile != "" {
		raw, err := os.ReadFile(passwordFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read password file: %w", err)
		}
		config.SetBadgerPassword(strings.TrimSpace(string(raw)))
	}

	var consulClient *api.Client
	if cfg.KeystoreType == config.KeystoreTypeConsul {
		consulClient = infra.GetConsulClient(cfg.Environment)
	}
	return keystore.NewStore(cfg, consulClient)
}
