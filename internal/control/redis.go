package control

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamforge/rtmp-ingest/internal/rtmplog"
)

// RedisConfig configures the optional Redis control-channel subscriber.
type RedisConfig struct {
	Use      bool
	Host     string
	Port     string
	Password string
	Channel  string
	TLS      bool
}

// RunRedisCommandReceiver subscribes to cfg.Channel and applies every
// "name>arg1|arg2" command it receives against owner, reconnecting every
// 10s on failure. It blocks and should be run in its own goroutine; it
// returns immediately if cfg.Use is false.
func RunRedisCommandReceiver(ctx context.Context, cfg RedisConfig, owner PublisherKiller, log *rtmplog.Logger) {
	if !cfg.Use {
		return
	}

	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == "" {
		port = "6379"
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "rtmp_commands"
	}

	opts := &redis.Options{Addr: host + ":" + port, Password: cfg.Password}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{}
	}

	client := redis.NewClient(opts)
	sub := client.Subscribe(ctx, channel)

	log.Info("[REDIS] listening for commands on channel '" + channel + "'")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			log.Warn("[REDIS] connection error: " + err.Error())
			time.Sleep(10 * time.Second)
			continue
		}

		parseRedisCommand(owner, msg.Payload, log)
	}
}

func parseRedisCommand(owner PublisherKiller, cmd string, log *rtmplog.Logger) {
	parts := strings.SplitN(cmd, ">", 2)
	if len(parts) != 2 {
		log.Warn("[REDIS] invalid message: " + cmd)
		return
	}

	name := parts[0]
	args := strings.Split(parts[1], "|")

	switch name {
	case "kill-session":
		if len(args) < 1 {
			log.Warn("[REDIS] invalid message: " + cmd)
			return
		}
		owner.KillPublisher(args[0], "")
	case "close-stream":
		if len(args) < 2 {
			log.Warn("[REDIS] invalid message: " + cmd)
			return
		}
		streamID := args[1]
		if streamID == "*" {
			streamID = ""
		}
		owner.KillPublisher(args[0], streamID)
	default:
		log.Warn("[REDIS] unknown command: " + cmd)
	}
}
