package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/endorse-tools/endorse/internal/config"
	"github.com/endorse-tools/endorse/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app carries state shared by every command.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config
	log     *zap.Logger
	exit    func(code int)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root, _ := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "endorse:", err)
		return 1
	}
	return 0
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{v: viper.New(), log: zap.NewNop(), exit: os.Exit}

	root := &cobra.Command{
		Use:               "endorse",
		Short:             "Bulk endorsement orchestrator",
		Long:              "endorse drives a pool of stored accounts through login and a single endorsement action against one target, in sequential chunks handled by isolated worker processes.",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.init,
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = a.log.Sync()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (toml, yaml or json); defaults to ./endorse.*")
	flags.String("database", "", "credential store DSN: a postgres:// URL or a SQLite path")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (console or json)")
	bindFlags(a.v, root, map[string]string{
		"database":   "database.dsn",
		"log-level":  "log.level",
		"log-format": "log.format",
	})

	root.AddCommand(
		newRunCmd(a),
		newWorkerCmd(a),
		newAccountsCmd(a),
		newVersionCmd(),
	)
	return root, a
}

func (a *app) init(*cobra.Command, []string) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	return nil
}

// bindFlags lets explicitly set flags override config and env values.
func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for name, key := range keys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(name)
		}
		if f == nil {
			panic(errors.New("bind unknown flag " + name))
		}
		if err := v.BindPFlag(key, f); err != nil {
			panic(err)
		}
	}
}
