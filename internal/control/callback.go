package control

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/streamforge/rtmp-ingest/internal/rtmplog"
)

const jwtExpirationSeconds = 120

// CallbackConfig configures the JWT-signed HTTP start/stop callback sent
// when no coordinator is configured.
type CallbackConfig struct {
	URL     string
	Secret  string
	Subject string // defaults to "rtmp_event"
}

func (cfg CallbackConfig) subject() string {
	if cfg.Subject == "" {
		return "rtmp_event"
	}
	return cfg.Subject
}

// StartEvent describes the publisher a start callback reports.
type StartEvent struct {
	Channel, Key, ClientIP, RTMPHost string
	RTMPPort                         int
}

// SendStart POSTs a signed "start" event and returns the stream id the
// remote endpoint assigned via the "stream-id" response header (empty if
// none, or if CallbackConfig.URL is empty — in which case this always
// succeeds, matching a standalone deployment with no callback wired up).
func SendStart(cfg CallbackConfig, ev StartEvent, log *rtmplog.Logger) (ok bool, streamID string) {
	if cfg.URL == "" {
		return true, ""
	}

	claims := jwt.MapClaims{
		"sub":       cfg.subject(),
		"event":     "start",
		"channel":   ev.Channel,
		"key":       ev.Key,
		"client_ip": ev.ClientIP,
		"rtmp_host": ev.RTMPHost,
		"rtmp_port": ev.RTMPPort,
		"exp":       time.Now().Unix() + jwtExpirationSeconds,
	}

	res, err := postSigned(cfg, claims, log)
	if err != nil || res == nil {
		return false, ""
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		log.Debug("callback ended with status " + strconv.Itoa(res.StatusCode))
		return false, ""
	}

	return true, res.Header.Get("stream-id")
}

// StopEvent describes the publisher a stop callback reports.
type StopEvent struct {
	Channel, Key, StreamID, ClientIP string
}

// SendStop POSTs a signed "stop" event.
func SendStop(cfg CallbackConfig, ev StopEvent, log *rtmplog.Logger) bool {
	if cfg.URL == "" {
		return true
	}

	claims := jwt.MapClaims{
		"sub":       cfg.subject(),
		"event":     "stop",
		"channel":   ev.Channel,
		"key":       ev.Key,
		"stream_id": ev.StreamID,
		"client_ip": ev.ClientIP,
		"exp":       time.Now().Unix() + jwtExpirationSeconds,
	}

	res, err := postSigned(cfg, claims, log)
	if err != nil || res == nil {
		return false
	}
	defer res.Body.Close()

	return res.StatusCode == http.StatusOK
}

func postSigned(cfg CallbackConfig, claims jwt.MapClaims, log *rtmplog.Logger) (*http.Response, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.Secret))
	if err != nil {
		log.Error(fmt.Errorf("signing callback token: %w", err))
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, cfg.URL, nil)
	if err != nil {
		log.Error(fmt.Errorf("building callback request: %w", err))
		return nil, err
	}
	req.Header.Set("rtmp-event", signed)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Error(fmt.Errorf("callback request failed: %w", err))
		return nil, err
	}
	return res, nil
}
