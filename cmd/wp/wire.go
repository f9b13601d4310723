package main

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/zulandar/waypost/internal/alert"
	"github.com/zulandar/waypost/internal/alert/discord"
	"github.com/zulandar/waypost/internal/alert/slack"
	"github.com/zulandar/waypost/internal/api"
	"github.com/zulandar/waypost/internal/config"
	"github.com/zulandar/waypost/internal/db"
	"github.com/zulandar/waypost/internal/metrics"
	"github.com/zulandar/waypost/internal/realtime"
	"github.com/zulandar/waypost/internal/session"
)

// recentAlerts is how many alerts the dashboard replays to a new client.
const recentAlerts = 50

// newTransport returns the realtime transport. Tests replace it.
var newTransport = func(cfg *config.Config) realtime.Transport {
	return &realtime.WebSocketTransport{URL: cfg.Server.SocketURL}
}

// app is everything a running command needs.
type app struct {
	cfg      *config.Config
	owner    *session.Owner
	alerts   *alert.Broadcaster
	registry *prometheus.Registry
}

// buildApp loads the config and wires the store, sinks, API client and
// session owner. It fails early when nobody is logged in.
func buildApp(configPath string, out io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	token, err := cfg.ResolveToken()
	if err != nil {
		return nil, err
	}
	if token == "" || cfg.Session.UserID == "" {
		return nil, fmt.Errorf("not logged in (run 'wp login'): %w", realtime.ErrNoSession)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	broadcaster := alert.NewBroadcaster(recentAlerts)
	sinks, err := buildSinks(cfg.Alerts, out)
	if err != nil {
		return nil, err
	}

	client, err := api.NewClient(api.ClientOpts{
		BaseURL:    cfg.Server.APIURL,
		Token:      token,
		Timeout:    time.Duration(cfg.API.TimeoutSec) * time.Second,
		RatePerSec: cfg.API.RatePerSec,
		Burst:      cfg.API.Burst,
	})
	if err != nil {
		return nil, err
	}

	owner, err := session.NewOwner(session.OwnerOpts{
		DB:        gormDB,
		Config:    cfg,
		Transport: newTransport(cfg),
		API:       client,
		Alerter:   append(alert.Multi{broadcaster}, sinks...),
		Metrics:   m,
		Out:       out,
	})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, owner: owner, alerts: broadcaster, registry: reg}, nil
}

// buildSinks creates one alerter per configured sink name.
func buildSinks(cfg config.AlertsConfig, out io.Writer) (alert.Multi, error) {
	var sinks alert.Multi
	for _, name := range cfg.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, alert.LogAlerter{Out: out})
		case "slack":
			s, err := slack.New(slack.SinkOpts{
				BotToken:  cfg.Slack.BotToken,
				ChannelID: cfg.Slack.ChannelID,
			})
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		case "discord":
			s, err := discord.New(discord.SinkOpts{
				BotToken:  cfg.Discord.BotToken,
				ChannelID: cfg.Discord.ChannelID,
			})
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		default:
			return nil, fmt.Errorf("unknown alert sink %q", name)
		}
	}
	return sinks, nil
}
