// Package cmd contains the service commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/HendrickFS/bio-supply-twin/config"
)

var (
	cfgPath string
	cfg     *config.Config
	log     *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bio-supply-twin",
	Short: "Compliance digital twin for bio supply chain telemetry",
	Long: `Ingests transport box and sample telemetry, classifies readings
against SLA thresholds, tracks excursion episodes, and serves cached
compliance aggregates over HTTP.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config directory (default is . and ./config)")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	log = logrus.New()
	if cfg.Logging.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
}
