package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"ohbridge/internal/condition"
	"ohbridge/internal/openhab"
	"ohbridge/internal/trigger"
	"ohbridge/internal/watch"
)

// Config holds application configuration
type Config struct {
	OpenHAB openhab.Config

	RedisAddr        string
	MQTTBroker       string
	MQTTClientID     string
	MQTTTopicPrefix  string
	DBURL            string
	LogLevel         string
	LogFormat        string
	HTTPPort         int
	JWTSecret        string
	APIUsers         map[string]string // user -> bcrypt hash
	MDNSLocalName    string
	TaskQueueEnabled bool

	Triggers []trigger.Config
	Watches  []watch.Config
}

// Error is a configuration problem, scoped to a node when Node is set
type Error struct {
	Node  string
	Field string
	Msg   string
}

func (e *Error) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("config: node %q: %s: %s", e.Node, e.Field, e.Msg)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("OPENHAB_PROTOCOL", "http")
	v.SetDefault("OPENHAB_HOST", "localhost")
	v.SetDefault("OPENHAB_PORT", 8080)
	v.SetDefault("OPENHAB_PATH", "")
	v.SetDefault("OPENHAB_USERNAME", "")
	v.SetDefault("OPENHAB_PASSWORD", "")
	v.SetDefault("OPENHAB_CHECK_CERTIFICATE", true)
	v.SetDefault("OPENHAB_TRANSPORT", "sse")
	v.SetDefault("OPENHAB_TOPICS", "")
	v.SetDefault("OPENHAB_RETRY_DELAY", openhab.DefaultRetryDelay)
	v.SetDefault("OPENHAB_REQUEST_TIMEOUT", 10*time.Second)
	v.SetDefault("OPENHAB_ALLOW_RAW_EVENTS", false)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("MQTT_BROKER", "")
	v.SetDefault("MQTT_CLIENT_ID", "ohbridge")
	v.SetDefault("MQTT_TOPIC_PREFIX", "ohbridge")
	v.SetDefault("DB_URL", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "")
	v.SetDefault("HTTP_PORT", 5069)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("API_USERS", "")
	v.SetDefault("MDNS_LOCAL_NAME", "")
	v.SetDefault("TASKQUEUE_ENABLED", false)
}

// LoadConfig reads .env, the environment and an optional config.yaml
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("cannot load .env file", "error", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir := os.Getenv("OHBRIDGE_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper builds the configuration from an already populated viper instance.
// Environment variables override file values.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		OpenHAB: openhab.Config{
			Protocol:         v.GetString("OPENHAB_PROTOCOL"),
			Host:             v.GetString("OPENHAB_HOST"),
			Port:             v.GetInt("OPENHAB_PORT"),
			Path:             v.GetString("OPENHAB_PATH"),
			Username:         v.GetString("OPENHAB_USERNAME"),
			Password:         v.GetString("OPENHAB_PASSWORD"),
			CheckCertificate: v.GetBool("OPENHAB_CHECK_CERTIFICATE"),
			Transport:        v.GetString("OPENHAB_TRANSPORT"),
			Topics:           v.GetString("OPENHAB_TOPICS"),
			RetryDelay:       v.GetDuration("OPENHAB_RETRY_DELAY"),
			RequestTimeout:   v.GetDuration("OPENHAB_REQUEST_TIMEOUT"),
			AllowRawEvents:   v.GetBool("OPENHAB_ALLOW_RAW_EVENTS"),
		},
		RedisAddr:        v.GetString("REDIS_ADDR"),
		MQTTBroker:       v.GetString("MQTT_BROKER"),
		MQTTClientID:     v.GetString("MQTT_CLIENT_ID"),
		MQTTTopicPrefix:  v.GetString("MQTT_TOPIC_PREFIX"),
		DBURL:            v.GetString("DB_URL"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		LogFormat:        v.GetString("LOG_FORMAT"),
		HTTPPort:         v.GetInt("HTTP_PORT"),
		JWTSecret:        v.GetString("JWT_SECRET"),
		MDNSLocalName:    v.GetString("MDNS_LOCAL_NAME"),
		TaskQueueEnabled: v.GetBool("TASKQUEUE_ENABLED"),
	}

	users, err := parseUsers(v.GetString("API_USERS"))
	if err != nil {
		return nil, err
	}
	cfg.APIUsers = users

	if err := v.UnmarshalKey("triggers", &cfg.Triggers); err != nil {
		return nil, fmt.Errorf("config: triggers: %w", err)
	}
	if err := v.UnmarshalKey("watches", &cfg.Watches); err != nil {
		return nil, fmt.Errorf("config: watches: %w", err)
	}
	return cfg, nil
}

// parseUsers reads "user:hash,user:hash". Hashes may contain ':' themselves.
func parseUsers(s string) (map[string]string, error) {
	users := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, hash, ok := strings.Cut(entry, ":")
		if !ok || name == "" || hash == "" {
			return nil, &Error{Field: "API_USERS", Msg: fmt.Sprintf("entry %q is not user:hash", entry)}
		}
		users[name] = hash
	}
	return users, nil
}

// Validate checks the hub settings and every node declaration
func (c *Config) Validate() error {
	var errs []error
	switch c.OpenHAB.Transport {
	case "", "sse", "websocket", "ws":
	default:
		errs = append(errs, &Error{Field: "OPENHAB_TRANSPORT", Msg: fmt.Sprintf("unknown transport %q", c.OpenHAB.Transport)})
	}
	if c.OpenHAB.Host == "" {
		errs = append(errs, &Error{Field: "OPENHAB_HOST", Msg: "required"})
	}

	names := make(map[string]bool)
	unique := func(name string) error {
		if names[name] {
			return &Error{Node: name, Field: "name", Msg: "duplicate node name"}
		}
		names[name] = true
		return nil
	}

	for i := range c.Triggers {
		t := &c.Triggers[i]
		if t.Name == "" {
			t.Name = fmt.Sprintf("trigger-%d", i+1)
		}
		if err := unique(t.Name); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, validateTrigger(*t)...)
	}
	for i := range c.Watches {
		w := &c.Watches[i]
		switch {
		case w.Name != "":
		case w.Item != "":
			w.Name = w.Item
		default:
			w.Name = fmt.Sprintf("watch-%d", i+1)
		}
		if err := unique(w.Name); err != nil {
			errs = append(errs, err)
		}
		if w.Item == "" {
			errs = append(errs, &Error{Node: w.Name, Field: "item", Msg: "required"})
		}
	}
	return errors.Join(errs...)
}

func validateTrigger(t trigger.Config) []error {
	var errs []error
	fail := func(field, msg string) {
		errs = append(errs, &Error{Node: t.Name, Field: field, Msg: msg})
	}

	if len(t.Items) == 0 {
		fail("items", "at least one item is required")
	}
	checkSet := func(field string, set condition.Set, variables bool) {
		for i, c := range set.Conditions {
			f := fmt.Sprintf("%s[%d]", field, i)
			if !condition.Known(c.Comparator) {
				fail(f, fmt.Sprintf("unknown comparator %q", c.Comparator))
			}
			if !condition.KnownType(c.Type) {
				fail(f, fmt.Sprintf("unknown value type %q", c.Type))
			}
			if variables && (c.Variable == "" || !condition.KnownType(c.VariableType)) {
				fail(f, "variable and variable_type are required")
			}
		}
	}
	checkSet("conditions", t.Conditions, false)
	checkSet("additional_conditions", t.Additional, true)

	switch t.ArmSource {
	case "", trigger.ArmAlways, trigger.ArmNever:
	case trigger.ArmByItem:
		if t.ArmItem == "" {
			fail("arm_item", "required when arm_source is item")
		}
	default:
		fail("arm_source", fmt.Sprintf("unknown arm source %q", t.ArmSource))
	}

	switch t.AfterTrigger {
	case "", trigger.AfterNothing, trigger.AfterNoDelay, trigger.AfterUntrigger:
	case trigger.AfterTimer:
		if t.TimerType == "" && t.Timer <= 0 {
			fail("timer", "a positive timer is required for the timer policy")
		}
	default:
		fail("after_trigger", fmt.Sprintf("unknown policy %q", t.AfterTrigger))
	}

	switch t.ArmDisarm {
	case "", trigger.DirectiveNone, trigger.DirectiveArm, trigger.DirectiveDisarm:
	default:
		fail("arm_disarm", fmt.Sprintf("unknown directive %q", t.ArmDisarm))
	}

	if c := t.Command; c != nil {
		if c.Item == "" {
			fail("command.item", "required")
		}
		if c.Kind != "Update" && c.Kind != "Command" {
			fail("command.kind", fmt.Sprintf("must be Update or Command, got %q", c.Kind))
		}
	}

	for i, s := range t.Schedules {
		f := fmt.Sprintf("schedules[%d]", i)
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			fail(f, err.Error())
		}
		switch s.Action {
		case trigger.ActionArm, trigger.ActionDisarm, trigger.ActionReset:
		default:
			fail(f, fmt.Sprintf("unknown action %q", s.Action))
		}
	}
	return errs
}
