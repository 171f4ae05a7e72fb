package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/multiproxy/internal/config"
)

func configInitCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively generate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := runInitWizard()
			if err != nil {
				return err
			}
			return writeConfig(cfg, outputPath)
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "./config.yaml", "path to write the generated configuration")
	return cmd
}

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))

// runInitWizard asks which protocols to enable, their listen addresses, and
// optional credentials, one listener at a time.
func runInitWizard() (*config.Config, error) {
	fmt.Println(headerStyle.Render("proxyd configuration wizard"))

	var protocols []string
	if err := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Which protocols should proxyd serve?").
				Options(
					huh.NewOption("SOCKS5", config.ProtocolSOCKS5).Selected(true),
					huh.NewOption("SOCKS4/4a", config.ProtocolSOCKS4),
					huh.NewOption("HTTP CONNECT", config.ProtocolHTTPConnect),
				).
				Value(&protocols),
		),
	).Run(); err != nil {
		return nil, fmt.Errorf("wizard: %w", err)
	}

	cfg := config.Default()
	for _, proto := range protocols {
		lc, err := promptListener(proto)
		if err != nil {
			return nil, err
		}
		cfg.Listeners = append(cfg.Listeners, lc)
	}

	var metricsEnabled bool
	if err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Expose a Prometheus /metrics endpoint?").
				Value(&metricsEnabled),
		),
	).Run(); err != nil {
		return nil, fmt.Errorf("wizard: %w", err)
	}
	cfg.Metrics.Enabled = metricsEnabled

	return cfg, nil
}

func promptListener(protocol string) (config.ListenerConfig, error) {
	lc := config.ListenerConfig{Protocol: protocol}
	var useAuth bool

	fields := []huh.Field{
		huh.NewInput().
			Title(fmt.Sprintf("Listen address for %s", protocol)).
			Value(&lc.Address),
	}

	switch protocol {
	case config.ProtocolSOCKS4:
		fields = append(fields, huh.NewInput().
			Title("Require a userid (leave blank to accept any)").
			Value(&lc.UserID))
	default:
		fields = append(fields, huh.NewConfirm().
			Title("Require username/password authentication?").
			Value(&useAuth))
	}

	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return lc, fmt.Errorf("wizard: %w", err)
	}

	if useAuth {
		if err := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().Title("Username").Value(&lc.Username),
				huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&lc.Password),
			),
		).Run(); err != nil {
			return lc, fmt.Errorf("wizard: %w", err)
		}
	}

	return lc, nil
}

func writeConfig(cfg *config.Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
