package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"dqx0.com/go/httpengine/internal/config"
	"dqx0.com/go/httpengine/internal/obs"
)

type app struct {
	cfgFile  string
	envFiles []string

	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New(), logger: zap.NewNop()}
	root := &cobra.Command{
		Use:          "httpengine",
		Short:        "Prioritized, pipelining HTTP/1.1 and HTTP/2 fetcher",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = a.logger.Sync()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "", "config file (default ./httpengine.yaml)")
	pf.StringSliceVar(&a.envFiles, "env-file", nil, "dotenv files to load (default .env)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: console or json")
	_ = a.v.BindPFlag("logger.level", pf.Lookup("log-level"))
	_ = a.v.BindPFlag("logger.format", pf.Lookup("log-format"))

	root.AddCommand(newFetchCmd(a))
	return root
}

func (a *app) init() error {
	if err := config.LoadEnvFiles(a.envFiles...); err != nil {
		return err
	}
	if err := config.ReadFile(a.v, a.cfgFile); err != nil {
		return err
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	logger, err := obs.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	a.logger.Debug("configuration loaded", zap.String("file", a.v.ConfigFileUsed()))
	return nil
}
