package app

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"bangate/internal/config"
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}
	return NewRootCommand().Execute()
}

type cli struct {
	cfg      config.Config
	logLevel string
}

func NewRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "bangate",
		Short:         "Ban registry and login gate",
		Long:          "bangate keeps the list of banned players and addresses and refuses them at login.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
		RunE: c.runServe,
	}
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")

	root.AddCommand(
		c.serveCommand(),
		c.banCommand(),
		c.unbanCommand(),
		c.checkCommand(),
		c.exportCommand(),
		c.importCommand(),
		c.tokenCommand(),
		versionCommand(),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	c.cfg = cfg

	level := cfg.LogLevel
	if c.logLevel != "" {
		level = c.logLevel
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(parsed)
	return nil
}
