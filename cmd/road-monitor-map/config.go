package main

import (
	"io"
	"time"

	"github.com/diwise/road-monitor-map/internal/pkg/application/events"
	"github.com/diwise/road-monitor-map/internal/pkg/application/overlay"
	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/roadapi"
	"gopkg.in/yaml.v2"
)

type appConfig struct {
	Engine           overlay.Config        `yaml:"engine"`
	Upstream         roadapi.Config        `yaml:"upstream"`
	RefreshInterval  time.Duration         `yaml:"refreshInterval"`
	StaleAfter       time.Duration         `yaml:"staleAfter"`
	AlertLocationTTL time.Duration         `yaml:"alertLocationTTL"`
	AllowedOrigins   []string              `yaml:"allowedOrigins"`
	Notifications    []events.Notification `yaml:"notifications"`
}

func defaultConfig() *appConfig {
	return &appConfig{
		Engine:           overlay.DefaultConfig(),
		RefreshInterval:  60 * time.Second,
		StaleAfter:       3 * time.Minute,
		AlertLocationTTL: 10 * time.Minute,
	}
}

func loadConfig(r io.Reader) (*appConfig, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *appConfig) eventsConfig() *events.Config {
	return &events.Config{Notifications: c.Notifications}
}
