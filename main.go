package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"livebridge/internal/broadcast"
	"livebridge/internal/capture"
	"livebridge/internal/config"
	"livebridge/internal/player"
)

var (
	players *player.Manager
	caster  *broadcast.Coordinator
)

func main() {
	var cfgFile string
	var verbose bool

	root := &cobra.Command{
		Use:   "livebridge",
		Short: "Live streaming bridge: multi-session playback and camera broadcast",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.Flags().StringVar(&cfgFile, "config", "", "config file path")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	if err := root.Execute(); err != nil {
		logrus.Fatalln(err)
	}
}

func loadConfig(path string) (config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("livebridge")
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config.Default(), err
		}
		logrus.Infof("Using config file %s", v.ConfigFileUsed())
	}
	return config.Load(v)
}

func run(cfg config.Config) error {
	log := logrus.WithField("app", "livebridge")

	players = player.NewManager(cfg, player.NewRTSPFactory(log), player.NopSurface{}, log)
	players.StartMaintenance()

	provider := capture.NewMediaDevicesProvider(log)
	factory := broadcast.NewWHIPFactory(broadcast.Options{
		ICEServers:    cfg.ICEServers,
		ICEUsername:   cfg.ICEUsername,
		ICECredential: cfg.ICECredential,
		PortMin:       cfg.PortMin,
		PortMax:       cfg.PortMax,
	}, log)
	caster = broadcast.NewCoordinator(cfg, provider, factory, nil, log)

	go serveHTTP(cfg.ListenAddr)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	log.Info("Server start, awaiting signal")
	sig := <-sigs
	log.Infof("Received %s, exiting", sig)

	caster.Close()
	players.Close()
	return nil
}
