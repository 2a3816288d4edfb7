// Package telemetry wires the New Relic agent.
package telemetry

import (
	"fmt"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"

	"github.com/HendrickFS/bio-supply-twin/config"
)

// InitNewRelic initializes the New Relic application. Returns nil without
// error when New Relic is disabled.
func InitNewRelic(cfg config.NewRelicConfig, log *logrus.Logger) (*newrelic.Application, error) {
	if !cfg.Enabled || cfg.LicenseKey == "" {
		log.Info("New Relic disabled")
		return nil, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize new relic: %w", err)
	}

	log.WithField("app_name", cfg.AppName).Info("New Relic initialized")
	return app, nil
}
