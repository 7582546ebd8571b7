// Package config loads the host's runtime configuration from an optional
// JSON file, a .env file and LOCKSTEP_* environment variables, in that
// order of increasing precedence.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"lockstepd/internal/lockstep"
	"lockstepd/internal/session"
	"lockstepd/internal/telemetry"
)

// Config is the document read from the config file. Durations are whole
// milliseconds or seconds as their names say.
type Config struct {
	Listen     string `json:"listen,omitempty" jsonschema:"title=TCP listen address,description=Address for raw TCP peers; empty disables the listener"`
	WSListen   string `json:"wsListen,omitempty" jsonschema:"title=Websocket listen address,description=Dedicated websocket address; when empty websockets are served at /ws on the HTTP address"`
	HTTPListen string `json:"httpListen,omitempty" jsonschema:"title=HTTP listen address,description=Serves /health and /diagnostics and /results"`

	HostName     string `json:"hostName,omitempty" jsonschema:"description=Name of the host user in the lobby"`
	Slots        int    `json:"slots" jsonschema:"minimum=0,description=Number of player slots"`
	HostSlot     int    `json:"hostSlot" jsonschema:"description=Slot of the host user; ignored when dedicated"`
	Dedicated    bool   `json:"dedicated,omitempty" jsonschema:"description=Host takes no part in the game and has no vote on speed"`
	DesiredSpeed int    `json:"desiredSpeed" jsonschema:"minimum=0,maximum=65535,description=Host speed wish in thousandths of real time"`

	CommitIntervalMS     int `json:"commitIntervalMs" jsonschema:"minimum=1"`
	AckIntervalMS        int `json:"ackIntervalMs" jsonschema:"minimum=1"`
	SyncIntervalMS       int `json:"syncIntervalMs" jsonschema:"minimum=1,description=Game time between sync checks"`
	HangFactor           int `json:"hangFactor" jsonschema:"minimum=1,description=Multiple of the ack interval after which a lagging client counts as hung"`
	HangWarnAfterSeconds int `json:"hangWarnAfterSeconds" jsonschema:"minimum=1"`
	HangWarnEverySeconds int `json:"hangWarnEverySeconds" jsonschema:"minimum=1"`
	HangKickAfterSeconds int `json:"hangKickAfterSeconds" jsonschema:"minimum=1"`
	PingIntervalMS       int `json:"pingIntervalMs" jsonschema:"minimum=1"`
	PingTimeoutSeconds   int `json:"pingTimeoutSeconds" jsonschema:"minimum=1"`
	TickIntervalMS       int `json:"tickIntervalMs" jsonschema:"minimum=1"`

	ChatRate    float64 `json:"chatRate" jsonschema:"minimum=0,description=Chat lines per second allowed per client"`
	ChatBurst   int     `json:"chatBurst" jsonschema:"minimum=1"`
	JournalSize int     `json:"journalSize" jsonschema:"minimum=1"`

	DataDir     string `json:"dataDir,omitempty" jsonschema:"description=Directory for desync dumps and autosaves"`
	ResultsPath string `json:"resultsPath,omitempty" jsonschema:"description=SQLite database recording finished games; empty disables it"`
	EnablePprof bool   `json:"enablePprof,omitempty"`

	Logging Logging `json:"logging"`
}

// Logging selects the structured event sinks.
type Logging struct {
	Sinks           []string `json:"sinks,omitempty" jsonschema:"description=Enabled sinks: console and json"`
	MinimumSeverity string   `json:"minimumSeverity,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	JSONPath        string   `json:"jsonPath,omitempty" jsonschema:"description=File receiving JSON lines when the json sink is enabled"`
}

// DefaultConfig mirrors lockstep.DefaultHostConfig.
func DefaultConfig() Config {
	host := lockstep.DefaultHostConfig()
	return Config{
		Listen:               ":7744",
		HTTPListen:           ":8080",
		HostName:             host.HostName,
		Slots:                host.Slots,
		HostSlot:             int(host.HostSlot),
		DesiredSpeed:         int(host.DesiredSpeed),
		CommitIntervalMS:     int(host.CommitInterval.Milliseconds()),
		AckIntervalMS:        int(host.ClientAckInterval.Milliseconds()),
		SyncIntervalMS:       int(host.SyncInterval),
		HangFactor:           host.HangFactor,
		HangWarnAfterSeconds: int(host.HangWarnAfter / time.Second),
		HangWarnEverySeconds: int(host.HangWarnEvery / time.Second),
		HangKickAfterSeconds: int(host.HangKickAfter / time.Second),
		PingIntervalMS:       int(host.PingInterval.Milliseconds()),
		PingTimeoutSeconds:   int(host.PingTimeout / time.Second),
		TickIntervalMS:       int(host.TickInterval.Milliseconds()),
		ChatRate:             host.ChatRate,
		ChatBurst:            host.ChatBurst,
		JournalSize:          host.JournalSize,
		Logging: Logging{
			Sinks:           []string{"console"},
			MinimumSeverity: "info",
		},
	}
}

// Load builds the configuration. path names an optional JSON file; envFiles
// default to ".env", and a missing env file is not an error. Invalid
// environment values are logged and ignored.
func Load(path string, logger telemetry.Logger, envFiles ...string) (Config, error) {
	logger = telemetry.Or(logger)
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}

	cfg.applyEnv(os.LookupEnv, logger)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func (c *Config) applyEnv(lookup func(string) (string, bool), logger telemetry.Logger) {
	str := func(key string, dst *string) {
		if raw, ok := lookup(key); ok {
			*dst = raw
		}
	}
	num := func(key string, dst *int) {
		raw, ok := lookup(key)
		if !ok || raw == "" {
			return
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			logger.Printf("invalid %s=%q: %v", key, raw, err)
			return
		}
		*dst = value
	}
	flag := func(key string, dst *bool) {
		raw, ok := lookup(key)
		if !ok || raw == "" {
			return
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			logger.Printf("invalid %s=%q: %v", key, raw, err)
			return
		}
		*dst = value
	}
	seconds := func(key string, dst *int) {
		raw, ok := lookup(key)
		if !ok || raw == "" {
			return
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			logger.Printf("invalid %s=%q: %v", key, raw, err)
			return
		}
		if d < time.Second {
			logger.Printf("invalid %s=%q: below one second", key, raw)
			return
		}
		*dst = int(d / time.Second)
	}

	str("LOCKSTEP_LISTEN", &c.Listen)
	str("LOCKSTEP_WS_LISTEN", &c.WSListen)
	str("LOCKSTEP_HTTP_LISTEN", &c.HTTPListen)
	num("LOCKSTEP_DESIRED_SPEED", &c.DesiredSpeed)
	num("LOCKSTEP_SYNC_INTERVAL_MS", &c.SyncIntervalMS)
	num("LOCKSTEP_HANG_FACTOR", &c.HangFactor)
	seconds("LOCKSTEP_HANG_WARN_AFTER", &c.HangWarnAfterSeconds)
	seconds("LOCKSTEP_HANG_KICK_AFTER", &c.HangKickAfterSeconds)
	flag("LOCKSTEP_DEDICATED", &c.Dedicated)
	str("LOCKSTEP_DATA_DIR", &c.DataDir)
	flag("LOCKSTEP_ENABLE_PPROF", &c.EnablePprof)
}

// Validate rejects values the coordinator cannot run with.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, value int) {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, value))
		}
	}
	positive("commitIntervalMs", c.CommitIntervalMS)
	positive("ackIntervalMs", c.AckIntervalMS)
	positive("syncIntervalMs", c.SyncIntervalMS)
	positive("hangFactor", c.HangFactor)
	positive("hangWarnAfterSeconds", c.HangWarnAfterSeconds)
	positive("hangWarnEverySeconds", c.HangWarnEverySeconds)
	positive("hangKickAfterSeconds", c.HangKickAfterSeconds)
	positive("pingIntervalMs", c.PingIntervalMS)
	positive("pingTimeoutSeconds", c.PingTimeoutSeconds)
	positive("tickIntervalMs", c.TickIntervalMS)
	positive("chatBurst", c.ChatBurst)
	positive("journalSize", c.JournalSize)

	if c.DesiredSpeed < 0 || c.DesiredSpeed > math.MaxUint16 {
		errs = append(errs, fmt.Errorf("desiredSpeed must be within 0..%d, got %d", math.MaxUint16, c.DesiredSpeed))
	}
	if c.SyncIntervalMS > math.MaxInt32 {
		errs = append(errs, fmt.Errorf("syncIntervalMs too large: %d", c.SyncIntervalMS))
	}
	if c.Slots < 0 {
		errs = append(errs, fmt.Errorf("slots must not be negative, got %d", c.Slots))
	}
	if !c.Dedicated && (c.HostSlot < 0 || c.HostSlot >= c.Slots) {
		errs = append(errs, fmt.Errorf("hostSlot %d outside 0..%d", c.HostSlot, c.Slots-1))
	}
	if c.ChatRate < 0 {
		errs = append(errs, fmt.Errorf("chatRate must not be negative, got %v", c.ChatRate))
	}
	if c.Listen == "" && c.WSListen == "" && c.HTTPListen == "" {
		errs = append(errs, errors.New("no listen address configured"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// HostConfig converts to the coordinator's settings.
func (c Config) HostConfig() lockstep.HostConfig {
	cfg := lockstep.DefaultHostConfig()
	cfg.Slots = c.Slots
	cfg.HostSlot = session.Position(c.HostSlot)
	if c.HostName != "" {
		cfg.HostName = c.HostName
	}
	cfg.DesiredSpeed = uint16(c.DesiredSpeed)
	cfg.Dedicated = c.Dedicated
	cfg.CommitInterval = time.Duration(c.CommitIntervalMS) * time.Millisecond
	cfg.ClientAckInterval = time.Duration(c.AckIntervalMS) * time.Millisecond
	cfg.SyncInterval = int32(c.SyncIntervalMS)
	cfg.HangFactor = c.HangFactor
	cfg.HangWarnAfter = time.Duration(c.HangWarnAfterSeconds) * time.Second
	cfg.HangWarnEvery = time.Duration(c.HangWarnEverySeconds) * time.Second
	cfg.HangKickAfter = time.Duration(c.HangKickAfterSeconds) * time.Second
	cfg.PingInterval = time.Duration(c.PingIntervalMS) * time.Millisecond
	cfg.PingTimeout = time.Duration(c.PingTimeoutSeconds) * time.Second
	cfg.TickInterval = time.Duration(c.TickIntervalMS) * time.Millisecond
	cfg.ChatRate = c.ChatRate
	cfg.ChatBurst = c.ChatBurst
	cfg.JournalSize = c.JournalSize
	cfg.DataDir = c.DataDir
	return cfg
}
