package main

import (
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/chicogong/media-dubbing/pkg/config"
)

const (
	envServerURL = "DUBBER_URL"
	envAPIKey    = "DUBBER_API_KEY"
)

type commandContext struct {
	configFlag string
	serverFlag string
	apiKeyFlag string
	jsonFlag   bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load(strings.TrimSpace(c.configFlag))
	})
	return c.config, c.configErr
}

func (c *commandContext) serverURL() string {
	if v := strings.TrimSpace(c.serverFlag); v != "" {
		return strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv(envServerURL)); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:8080"
}

func (c *commandContext) apiKey() string {
	if v := strings.TrimSpace(c.apiKeyFlag); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv(envAPIKey))
}

func (c *commandContext) client() *apiClient {
	return newAPIClient(c.serverURL(), c.apiKey())
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "dubber",
		Short:         "AI dubbing job service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path (.yaml, .yml or .toml)")
	flags.StringVar(&ctx.serverFlag, "server", "", "Base URL of a running dubber server (env "+envServerURL+")")
	flags.StringVar(&ctx.apiKeyFlag, "api-key", "", "API key for the server (env "+envAPIKey+")")
	flags.BoolVar(&ctx.jsonFlag, "json", false, "Print raw JSON instead of tables")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newProvidersCommand(ctx))

	return rootCmd
}
