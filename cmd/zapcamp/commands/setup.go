package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/zapcamp/zapcamp/pkg/zapcamp/config"
)

// newSetupCmd creates the `zapcamp setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your initial config.yaml.
Asks for the candidate, persona, channels and buffering window.
API keys are stored in an encrypted vault (AES-256-GCM) — never in plaintext.

Examples:
  zapcamp setup`,
		RunE: runSetup,
	}
}

// storageMethod tracks where the API key was stored during setup.
type storageMethod int

const (
	storageNone    storageMethod = iota
	storageVault                 // encrypted vault (.zapcamp.vault)
	storageKeyring               // OS keyring
)

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := config.DefaultConfig()
	keyStorage := storageNone

	var (
		windowChoice  = "45s"
		discordToken  string
		apiKey        string
		vaultPassword string
		confirmSave   = true
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Candidate name").
				Description("The candidate the assistant answers for.").
				Value(&cfg.Generation.Persona.Candidate).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("candidate name is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("City").
				Value(&cfg.Generation.Persona.City),
			huh.NewInput().
				Title("Ballot number").
				Value(&cfg.Generation.Persona.BallotNumber),
			huh.NewInput().
				Title("Assistant name").
				Description("How the assistant introduces itself.").
				Value(&cfg.Generation.Persona.AssistantName),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Buffering window").
				Description("How long to wait for follow-up messages before replying.").
				Options(
					huh.NewOption("30 seconds", "30s"),
					huh.NewOption("45 seconds", "45s"),
					huh.NewOption("1 minute", "1m"),
					huh.NewOption("2 minutes", "2m"),
				).
				Value(&windowChoice),
			huh.NewInput().
				Title("Operating hours start").
				Description("Replies are only sent inside this window (HH:MM).").
				Value(&cfg.Dispatch.Hours.Start),
			huh.NewInput().
				Title("Operating hours end").
				Value(&cfg.Dispatch.Hours.End),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable WhatsApp?").
				Value(&cfg.Channels.WhatsApp.Enabled),
			huh.NewConfirm().
				Title("Enable Discord?").
				Value(&cfg.Channels.Discord.Enabled),
			huh.NewInput().
				Title("Discord bot token").
				Description("Leave empty if Discord is disabled.").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("OpenAI API key").
				Description("Encrypted with AES-256-GCM in a password-protected vault.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Vault master password").
				Description("Minimum 8 characters. Never stored — only you know it.").
				EchoMode(huh.EchoModePassword).
				Value(&vaultPassword).
				Validate(func(s string) error {
					if s != "" && len(s) < 8 {
						return fmt.Errorf("password too short (minimum 8 characters)")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save to config.yaml?").
				Value(&confirmSave),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup cancelled: %w", err)
	}
	if !confirmSave {
		fmt.Println("Setup cancelled.")
		return nil
	}

	window, err := time.ParseDuration(windowChoice)
	if err == nil {
		cfg.Collector.Window = window
	}

	if apiKey != "" {
		keyStorage = storeAPIKey(apiKey, discordToken, vaultPassword)
		if keyStorage == storageNone {
			fmt.Println("[!] Could not store the API key securely.")
			fmt.Println("    You can set it later with: zapcamp auth vault-init && zapcamp auth vault-set")
		}
	}

	// config.yaml never contains the real secrets.
	cfg.Generation.APIKey = "${OPENAI_API_KEY}"
	if cfg.Channels.Discord.Enabled {
		cfg.Channels.Discord.Token = "${DISCORD_TOKEN}"
	}

	target := "config.yaml"
	if _, err := os.Stat(target); err == nil {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("File %s already exists. Overwrite?", target)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil || !overwrite {
			fmt.Println("Setup cancelled. Existing file kept.")
			return nil
		}
	}

	if err := config.SaveToFile(cfg, target); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Println()
	fmt.Println("config.yaml created successfully!")
	fmt.Println()
	switch keyStorage {
	case storageVault:
		fmt.Println("  - API key encrypted in vault (AES-256-GCM + Argon2id)")
		fmt.Println("  - config.yaml has no secrets (permissions: 600)")
	case storageKeyring:
		fmt.Println("  - API key encrypted in OS keyring")
	default:
		fmt.Println("  - No API key configured yet")
		fmt.Println("  - Run: zapcamp auth vault-init && zapcamp auth vault-set")
	}
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Run: zapcamp serve")
	if cfg.Channels.WhatsApp.Enabled {
		fmt.Println("  2. Scan the QR code with your WhatsApp")
	}
	fmt.Println()

	return nil
}

// storeAPIKey creates the encrypted vault and stores the secrets in it,
// falling back to the OS keyring when no vault password was given.
func storeAPIKey(apiKey, discordToken, password string) storageMethod {
	if password == "" {
		return tryKeyringFallback(apiKey, discordToken)
	}

	vault := config.NewVault(config.VaultFile)

	// Fresh setup replaces any previous vault.
	if vault.Exists() {
		_ = os.Remove(config.VaultFile)
		vault = config.NewVault(config.VaultFile)
	}

	if err := vault.Create(password); err != nil {
		fmt.Printf("[!] Vault creation failed: %v\n", err)
		return tryKeyringFallback(apiKey, discordToken)
	}

	if err := vault.Set("OPENAI_API_KEY", apiKey); err != nil {
		fmt.Printf("[!] Failed to store key in vault: %v\n", err)
		vault.Lock()
		return tryKeyringFallback(apiKey, discordToken)
	}
	if discordToken != "" {
		if err := vault.Set("DISCORD_TOKEN", discordToken); err != nil {
			fmt.Printf("[!] Failed to store Discord token in vault: %v\n", err)
		}
	}

	vault.Lock()
	fmt.Println("API key encrypted and stored in vault.")
	return storageVault
}

// tryKeyringFallback attempts to store the secrets in the OS keyring.
func tryKeyringFallback(apiKey, discordToken string) storageMethod {
	if !config.KeyringAvailable() {
		return storageNone
	}
	if err := config.StoreKeyring("api_key", apiKey); err != nil {
		return storageNone
	}
	if discordToken != "" {
		_ = config.StoreKeyring("discord_token", discordToken)
	}
	fmt.Println("API key stored in OS keyring.")
	return storageKeyring
}
