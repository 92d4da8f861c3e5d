// Package config loads the server's configuration from the environment
// (with optional .env file support) into one immutable snapshot.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the immutable configuration snapshot threaded into the broker,
// the server and every session at construction time.
type Config struct {
	BindAddress string
	TCPPort     int
	SSLPort     int
	SSLCert     string
	SSLKey      string

	ChunkSize        uint32
	GopCache         bool
	GopCacheLimit    int64
	PingInterval     int
	PingTimeout      int
	MaxConnsPerIP    uint32
	ConcurrencyWhitelist string
	PlayWhitelist        string

	AuthPublish bool
	AuthPlay    bool
	AuthSecret  string

	ControlBaseURL string
	ControlSecret  string

	CallbackURL      string
	JWTSecret        string
	CustomJWTSubject string

	RedisUse      bool
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisChannel  string
	RedisTLS      bool
}

const (
	defaultTCPPort    = 1935
	defaultSSLPort    = 443
	defaultChunkSize  = 128
	defaultPing       = 60
	defaultPingTO     = 30
	defaultIPLimit    = 4
	defaultGopCacheMB = 256
)

// Load reads a .env file if present (ignoring its absence, matching the
// teacher's process bootstrap) and then builds a Config from the process
// environment, falling back to the documented defaults whenever a variable
// is unset or fails to parse.
func Load() *Config {
	_ = godotenv.Load()

	c := &Config{
		BindAddress:   os.Getenv("BIND_ADDRESS"),
		TCPPort:       envInt("RTMP_PORT", defaultTCPPort),
		SSLPort:       envInt("SSL_PORT", defaultSSLPort),
		SSLCert:       os.Getenv("SSL_CERT"),
		SSLKey:        os.Getenv("SSL_KEY"),
		ChunkSize:     uint32(envInt("RTMP_CHUNK_SIZE", defaultChunkSize)),
		GopCache:      os.Getenv("GOP_CACHE") != "NO",
		GopCacheLimit: int64(envInt("GOP_CACHE_SIZE_MB", defaultGopCacheMB)) * 1024 * 1024,
		PingInterval:  envInt("RTMP_PING", defaultPing),
		PingTimeout:   envInt("RTMP_PING_TIMEOUT", defaultPingTO),
		MaxConnsPerIP: uint32(envInt("MAX_IP_CONCURRENT_CONNECTIONS", defaultIPLimit)),

		ConcurrencyWhitelist: os.Getenv("CONCURRENT_LIMIT_WHITELIST"),
		PlayWhitelist:        os.Getenv("RTMP_PLAY_WHITELIST"),

		AuthPublish: os.Getenv("AUTH_PUBLISH") == "YES",
		AuthPlay:    os.Getenv("AUTH_PLAY") == "YES",
		AuthSecret:  os.Getenv("AUTH_SECRET"),

		ControlBaseURL: os.Getenv("CONTROL_BASE_URL"),
		ControlSecret:  os.Getenv("CONTROL_SECRET"),

		CallbackURL:      os.Getenv("CALLBACK_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		CustomJWTSubject: os.Getenv("CUSTOM_JWT_SUBJECT"),

		RedisUse:      os.Getenv("REDIS_USE") == "YES",
		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPort:     envInt("REDIS_PORT", 6379),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisChannel:  os.Getenv("REDIS_CHANNEL"),
		RedisTLS:      os.Getenv("REDIS_TLS") == "YES",
	}

	if c.ChunkSize < defaultChunkSize {
		c.ChunkSize = defaultChunkSize
	}

	return c
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// HasControl reports whether an external coordinator connection is
// configured.
func (c *Config) HasControl() bool {
	return strings.TrimSpace(c.ControlBaseURL) != ""
}

// HasCallback reports whether JWT-signed HTTP lifecycle callbacks are
// configured.
func (c *Config) HasCallback() bool {
	return strings.TrimSpace(c.CallbackURL) != ""
}

// HasTLS reports whether the RTMPS listener should be started.
func (c *Config) HasTLS() bool {
	return strings.TrimSpace(c.SSLCert) != "" && strings.TrimSpace(c.SSLKey) != ""
}
