// Command jinja renders, inspects and checks templates.
//
// Settings come from flags, a YAML file named by --config and JINJA_*
// environment variables, in that order of precedence. Engine options live
// under the engine key, so JINJA_ENGINE_AUTOESCAPE=true enables escaping.
package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type app struct {
	v       *viper.Viper
	cfgFile string
	verbose bool
	stderr  io.Writer
	logger  *slog.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: viper.New(), stderr: stderr, logger: slog.Default()}

	rootCmd := &cobra.Command{
		Use:           "jinja",
		Short:         "Render and inspect Jinja templates",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	settings := settingsFlags()
	rootCmd.PersistentFlags().AddFlagSet(settings)
	for flag, key := range settingKeys {
		if err := a.v.BindPFlag(key, settings.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(
		a.renderCmd(),
		a.tokensCmd(),
		a.astCmd(),
		a.checkCmd(),
		a.dbCmd(),
	)
	return rootCmd
}

// setup configures logging and reads the configuration sources.
func (a *app) setup() error {
	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)

	a.v.SetEnvPrefix("JINJA")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return err
		}
		a.logger.Debug("using config file", "file", a.v.ConfigFileUsed())
	}
	return nil
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
