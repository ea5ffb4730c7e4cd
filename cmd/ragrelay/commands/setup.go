package commands

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/relay"
)

// newSetupCmd creates the `ragrelay setup` wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Ask for the search service, model, API key and storage choices and
write config.yaml. The API key goes to the OS keyring, never to the file.

Examples:
  ragrelay setup
  ragrelay setup --config /etc/ragrelay/config.yaml`,
		Args: cobra.NoArgs,
		RunE: runSetup,
	}
}

// setupAnswers collects the wizard fields as the form widgets need them.
type setupAnswers struct {
	retrievalURL string
	topK         string
	model        string
	apiKey       string
	useKeyring   bool
	storeBackend string
	address      string
	groups       bool
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = "config.yaml"
	}

	cfg := relay.DefaultConfig()
	a := setupAnswers{
		retrievalURL: "http://localhost:8000",
		topK:         strconv.Itoa(cfg.Retrieval.TopK),
		model:        cfg.Generation.Model,
		useKeyring:   true,
		storeBackend: cfg.Session.Store.Backend,
		address:      cfg.Gateway.Address,
		groups:       cfg.WhatsApp.RespondToGroups,
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("ragrelay setup").
				Description("Answers WhatsApp messages with Gemini, grounded on your search service."),
			huh.NewInput().
				Title("Search service URL").
				Description("Queried as GET <url>/search?q=<question>&k=<top k>").
				Value(&a.retrievalURL).
				Validate(validateURL),
			huh.NewInput().
				Title("Snippets per question").
				Value(&a.topK).
				Validate(validatePositiveInt),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Gemini model").
				Options(
					huh.NewOption("gemini-1.5-flash (default)", "gemini-1.5-flash"),
					huh.NewOption("gemini-1.5-pro", "gemini-1.5-pro"),
					huh.NewOption("gemini-2.0-flash", "gemini-2.0-flash"),
					huh.NewOption("gemini-2.5-flash", "gemini-2.5-flash"),
				).
				Value(&a.model),
			huh.NewInput().
				Title("Gemini API key").
				Description("Leave empty to use GEMINI_API_KEY at runtime.").
				EchoMode(huh.EchoModePassword).
				Value(&a.apiKey),
			huh.NewConfirm().
				Title("Store the key in the OS keyring?").
				Value(&a.useKeyring),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Session store").
				Description("Where the WhatsApp session is backed up between restarts.").
				Options(
					huh.NewOption("SQL database (database section)", relay.StoreSQL),
					huh.NewOption("Local bbolt file", relay.StoreBolt),
					huh.NewOption("Memory (no persistence)", relay.StoreMemory),
				).
				Value(&a.storeBackend),
			huh.NewInput().
				Title("Status page address").
				Value(&a.address),
			huh.NewConfirm().
				Title("Answer in group chats?").
				Value(&a.groups),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(cmd.OutOrStdout(), "Setup cancelled.")
			return nil
		}
		return err
	}

	if err := a.apply(cfg); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case a.apiKey == "":
		cfg.Generation.APIKey = "${GEMINI_API_KEY}"
		fmt.Fprintln(out, "No API key given. Export GEMINI_API_KEY before 'ragrelay serve'.")
	case a.useKeyring:
		if err := relay.StoreAPIKey(a.apiKey); err != nil {
			return fmt.Errorf("storing key in keyring: %w", err)
		}
		fmt.Fprintln(out, "API key stored in the OS keyring.")
	default:
		cfg.Generation.APIKey = "${GEMINI_API_KEY}"
		fmt.Fprintf(out, "Key not stored. Run: export GEMINI_API_KEY=...\n")
	}

	if err := relay.SaveConfigToFile(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(out, "Config written to %s. Start with: ragrelay serve\n", path)
	return nil
}

// apply copies the answers into cfg. The API key is handled by the caller.
func (a setupAnswers) apply(cfg *relay.Config) error {
	topK, err := strconv.Atoi(strings.TrimSpace(a.topK))
	if err != nil {
		return fmt.Errorf("top k: %w", err)
	}
	cfg.Retrieval.BaseURL = strings.TrimRight(strings.TrimSpace(a.retrievalURL), "/")
	cfg.Retrieval.TopK = topK
	cfg.Generation.Model = a.model
	cfg.Session.Store.Backend = a.storeBackend
	if addr := strings.TrimSpace(a.address); addr != "" {
		cfg.Gateway.Address = addr
	}
	cfg.WhatsApp.RespondToGroups = a.groups
	return nil
}

func validateURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("enter an http(s) URL")
	}
	return nil
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return errors.New("enter a number greater than zero")
	}
	return nil
}
