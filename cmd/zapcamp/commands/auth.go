package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/config"
)

// newAuthCmd creates the `zapcamp auth` command group for credential management.
func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage credentials (keyring and encrypted vault)",
	}

	cmd.AddCommand(
		newAuthSetKeyCmd(),
		newAuthVaultInitCmd(),
		newAuthVaultSetCmd(),
		newAuthVaultListCmd(),
	)

	return cmd
}

// newAuthSetKeyCmd stores the API key in the OS keyring.
func newAuthSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the API key in the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !config.KeyringAvailable() {
				return fmt.Errorf("OS keyring is not available; use 'zapcamp auth vault-init' instead")
			}

			apiKey, err := config.ReadPassword("API key (hidden input): ")
			if err != nil {
				return fmt.Errorf("reading API key: %w", err)
			}
			if apiKey == "" {
				return fmt.Errorf("no API key entered")
			}

			logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
			return config.MigrateKeyToKeyring(apiKey, logger)
		},
	}
}

// newAuthVaultInitCmd creates a new encrypted vault.
func newAuthVaultInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vault-init",
		Short: "Create a new encrypted vault",
		RunE: func(_ *cobra.Command, _ []string) error {
			vault := config.NewVault(config.VaultFile)
			if vault.Exists() {
				return fmt.Errorf("vault already exists at %s", config.VaultFile)
			}

			password, err := config.ReadPassword("Master password (min 8 chars): ")
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			if len(password) < 8 {
				return fmt.Errorf("password too short (minimum 8 characters)")
			}

			confirm, err := config.ReadPassword("Confirm password: ")
			if err != nil || password != confirm {
				return fmt.Errorf("passwords don't match")
			}

			if err := vault.Create(password); err != nil {
				return fmt.Errorf("creating vault: %w", err)
			}

			fmt.Printf("Vault created at %s\n", config.VaultFile)
			fmt.Println("Store secrets with: zapcamp auth vault-set OPENAI_API_KEY")
			return nil
		},
	}
}

// newAuthVaultSetCmd stores a secret in the vault.
func newAuthVaultSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vault-set NAME",
		Short: "Store a secret in the encrypted vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			vault, err := unlockVault()
			if err != nil {
				return err
			}
			defer vault.Lock()

			value, err := config.ReadPassword(fmt.Sprintf("Value for %s (hidden input): ", args[0]))
			if err != nil {
				return fmt.Errorf("reading value: %w", err)
			}
			if value == "" {
				return fmt.Errorf("no value entered")
			}

			if err := vault.Set(args[0], value); err != nil {
				return fmt.Errorf("storing secret: %w", err)
			}

			fmt.Printf("Secret %s stored in vault.\n", args[0])
			return nil
		},
	}
}

// newAuthVaultListCmd lists secret names in the vault.
func newAuthVaultListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vault-list",
		Short: "List secret names stored in the vault",
		RunE: func(_ *cobra.Command, _ []string) error {
			vault, err := unlockVault()
			if err != nil {
				return err
			}
			defer vault.Lock()

			keys := vault.List()
			if len(keys) == 0 {
				fmt.Println("Vault is empty.")
				return nil
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		},
	}
}

// unlockVault opens and unlocks the vault, prompting for the password.
func unlockVault() (*config.Vault, error) {
	vault := config.NewVault(config.VaultFile)
	if !vault.Exists() {
		return nil, fmt.Errorf("no vault found; create one with 'zapcamp auth vault-init'")
	}

	password, err := config.ReadPassword("Vault password: ")
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if err := vault.Unlock(password); err != nil {
		return nil, fmt.Errorf("unlocking vault: %w", err)
	}
	return vault, nil
}
