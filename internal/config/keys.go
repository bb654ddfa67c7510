package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.addr", typ: kString, env: "DRINKS_SERVER_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Server.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Addr },
	},
	{
		key: "server.max_streams", typ: kInt, env: "DRINKS_SERVER_MAX_STREAMS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxStreams = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxStreams },
	},
	{
		key: "server.token", typ: kString, env: "DRINKS_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DRINKS_DB_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.image_out", typ: kString, env: "DRINKS_IMAGE_OUT",
		apply:   func(cfg *Config, v any) { cfg.Storage.ImageOut = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.ImageOut },
	},
	{
		key: "capture.device", typ: kInt, env: "DRINKS_CAPTURE_DEVICE",
		apply:   func(cfg *Config, v any) { cfg.Capture.Device = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.Device },
	},
	{
		key: "capture.rate", typ: kInt, env: "DRINKS_CAPTURE_RATE",
		apply:   func(cfg *Config, v any) { cfg.Capture.Rate = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.Rate },
	},
	{
		key: "capture.command", typ: kString, env: "DRINKS_CAPTURE_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Capture.Command = v.(string) },
		extract: func(cfg Config) any { return cfg.Capture.Command },
	},
	{
		key: "capture.autostart", typ: kBool, env: "DRINKS_CAPTURE_AUTOSTART",
		apply:   func(cfg *Config, v any) { cfg.Capture.Autostart = v.(bool) },
		extract: func(cfg Config) any { return cfg.Capture.Autostart },
	},
	{
		key: "models.detection", typ: kString, env: "DRINKS_OBJ_DET_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Models.Detection = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Detection },
	},
	{
		key: "models.similarity", typ: kString, env: "DRINKS_IMG_FEAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Models.Similarity = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Similarity },
	},
	{
		key: "processor.command", typ: kString, env: "DRINKS_PROCESSOR_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Processor.Command = v.(string) },
		extract: func(cfg Config) any { return cfg.Processor.Command },
	},
	{
		key: "processor.workers", typ: kInt, env: "DRINKS_PROCESSOR_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Processor.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Processor.Workers },
	},
	{
		key: "feed.update_interval", typ: kInt, env: "DRINKS_FEED_UPDATE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Feed.UpdateInterval = v.(int) },
		extract: func(cfg Config) any { return cfg.Feed.UpdateInterval },
	},
	{
		key: "stock.types_file", typ: kString, env: "DRINKS_STOCK_TYPES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Stock.TypesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Stock.TypesFile },
	},
	{
		key: "mqtt.broker", typ: kString, env: "DRINKS_MQTT_BROKER",
		apply:   func(cfg *Config, v any) { cfg.MQTT.Broker = v.(string) },
		extract: func(cfg Config) any { return cfg.MQTT.Broker },
	},
	{
		key: "mqtt.topic", typ: kString, env: "DRINKS_MQTT_TOPIC",
		apply:   func(cfg *Config, v any) { cfg.MQTT.Topic = v.(string) },
		extract: func(cfg Config) any { return cfg.MQTT.Topic },
	},
	{
		key: "mqtt.username", typ: kString, env: "DRINKS_MQTT_USERNAME",
		apply:   func(cfg *Config, v any) { cfg.MQTT.Username = v.(string) },
		extract: func(cfg Config) any { return cfg.MQTT.Username },
	},
	{
		key: "mqtt.password", typ: kString, env: "DRINKS_MQTT_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.MQTT.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.MQTT.Password },
	},
	{
		key: "log.level", typ: kString, env: "DRINKS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// applyBackend copies every non-secret key found in b into cfg. Secrets are
// only ever read from the environment.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		var (
			v   any
			ok  bool
			err error
		)
		switch s.typ {
		case kString:
			v, ok, err = lookupString(b, s.key)
		case kInt:
			v, ok, err = lookupInt(b, s.key)
		case kBool:
			v, ok, err = lookupBool(b, s.key)
		}
		if err != nil {
			return fmt.Errorf("config file: %w", err)
		}
		if ok {
			s.apply(cfg, v)
		}
	}
	return nil
}

// parseValue converts a raw string to the key's type.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}

// applyEnvOverrides applies every DRINKS_* variable that is set. A value
// that does not parse is reported and the previous value kept.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw, set := os.LookupEnv(s.env)
		if !set || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring %s=%q: %v\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
