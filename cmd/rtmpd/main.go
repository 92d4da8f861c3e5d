// Command rtmpd runs the RTMP ingest/fan-out server: it loads configuration
// from the environment, wires the broker, optional control-plane
// coordinator and Redis receiver together, and accepts connections until
// killed.
package main

import (
	"context"
	"strconv"

	"github.com/streamforge/rtmp-ingest/internal/broker"
	"github.com/streamforge/rtmp-ingest/internal/config"
	"github.com/streamforge/rtmp-ingest/internal/control"
	"github.com/streamforge/rtmp-ingest/internal/rtmplog"
	"github.com/streamforge/rtmp-ingest/internal/server"
)

func main() {
	log := rtmplog.New()
	defer log.Sync()

	cfg := config.Load()
	gopCacheLimit := cfg.GopCacheLimit
	if !cfg.GopCache {
		gopCacheLimit = 0
	}
	b := broker.New(gopCacheLimit)

	srv := server.New(cfg, b, nil, log)

	if cfg.HasControl() {
		coord := control.NewCoordinator(cfg.ControlBaseURL, cfg.ControlSecret, srv, log)
		srv.SetCoordinator(coord)
		coord.Start()
	}

	if cfg.RedisUse {
		go control.RunRedisCommandReceiver(context.Background(), control.RedisConfig{
			Use:      cfg.RedisUse,
			Host:     cfg.RedisHost,
			Port:     strconv.Itoa(cfg.RedisPort),
			Password: cfg.RedisPassword,
			Channel:  cfg.RedisChannel,
			TLS:      cfg.RedisTLS,
		}, srv, log)
	}

	log.Info("starting RTMP server", "bind", cfg.BindAddress, "port", cfg.TCPPort)

	if err := srv.Listen(); err != nil {
		log.Error(err)
		return
	}

	srv.Run()
}
