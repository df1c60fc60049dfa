package trigger

import (
	"strings"
	"time"

	"ohbridge/internal/condition"
	"ohbridge/internal/models"
	"ohbridge/internal/vars"
)

// AfterTrigger is what happens once a trigger has fired
type AfterTrigger string

const (
	AfterNothing   AfterTrigger = "nothing"
	AfterNoDelay   AfterTrigger = "nodelay"
	AfterTimer     AfterTrigger = "timer"
	AfterUntrigger AfterTrigger = "untrigger"
)

// ArmSource decides where the armed state comes from
type ArmSource string

const (
	ArmAlways ArmSource = "armed"
	ArmNever  ArmSource = "disarmed"
	ArmByItem ArmSource = "item"
)

// Directive is applied to the armed state when an after-trigger cycle ends
type Directive string

const (
	DirectiveNone   Directive = "do_not_change"
	DirectiveArm    Directive = "arm"
	DirectiveDisarm Directive = "disarm"
)

// Frequency controls how often additional conditions are checked
type Frequency string

const (
	EveryTrigger Frequency = "always"
	FirstTrigger Frequency = "once"
)

// TypeMsg reads a field of the triggering event (item, type, state, topic, payload)
const TypeMsg condition.ValueType = "msg"

// DefaultDisarmedValues are the arm-source values that mean "disarmed".
// Matching is loose, so 0 and false count as well.
var DefaultDisarmedValues = []string{"OFF", "CLOSED", "0", "NULL", "UNDEF", "false"}

// CommandTarget forwards fired payloads to an item
type CommandTarget struct {
	Item  string             `mapstructure:"item" json:"item"`
	Kind  models.CommandKind `mapstructure:"kind" json:"kind"`
	OnEnd bool               `mapstructure:"on_end" json:"on_end,omitempty"` // also forward the end payload
}

// Schedule issues an input action on a cron expression
type Schedule struct {
	Cron   string `mapstructure:"cron" json:"cron"`
	Action Action `mapstructure:"action" json:"action"`
}

// Config is one trigger node declaration
type Config struct {
	Name       string             `mapstructure:"name"`
	Items      []string           `mapstructure:"items"`
	EventTypes []models.EventKind `mapstructure:"event_types"`

	Conditions          condition.Set `mapstructure:"conditions"`
	Additional          condition.Set `mapstructure:"additional_conditions"`
	AdditionalFrequency Frequency     `mapstructure:"additional_frequency"`

	ArmSource         ArmSource `mapstructure:"arm_source"`
	ArmItem           string    `mapstructure:"arm_item"`
	InputArmDisarm    bool      `mapstructure:"input_arm_disarm"`
	DisarmedValues    []string  `mapstructure:"disarmed_values"`
	KeepTimerOnDisarm bool      `mapstructure:"keep_timer_on_disarm"`

	AfterTrigger             AfterTrigger        `mapstructure:"after_trigger"`
	Timer                    float64             `mapstructure:"timer"`
	TimerUnits               string              `mapstructure:"timer_units"` // milliseconds, seconds, minutes, hours
	TimerType                condition.ValueType `mapstructure:"timer_type"`  // set to resolve the delay (ms) from a typed source
	TimerSource              string              `mapstructure:"timer_source"`
	TimerResetEveryTrigger   bool                `mapstructure:"timer_reset_every_trigger"`
	TimerRetryWhileTriggered bool                `mapstructure:"timer_retry_while_triggered"`
	ArmDisarm                Directive           `mapstructure:"arm_disarm"`

	Topic          string              `mapstructure:"topic"`
	TopicType      condition.ValueType `mapstructure:"topic_type"`
	Payload        string              `mapstructure:"payload"`
	PayloadType    condition.ValueType `mapstructure:"payload_type"`
	TopicEnd       string              `mapstructure:"topic_end"`
	TopicEndType   condition.ValueType `mapstructure:"topic_end_type"`
	PayloadEnd     string              `mapstructure:"payload_end"`
	PayloadEndType condition.ValueType `mapstructure:"payload_end_type"`

	OHTimestamp        bool       `mapstructure:"oh_timestamp"`
	StoreState         bool       `mapstructure:"store_state"`
	StoreStateScope    vars.Scope `mapstructure:"store_state_scope"`
	StoreStateVariable string     `mapstructure:"store_state_variable"`

	Command   *CommandTarget `mapstructure:"command"`
	Schedules []Schedule     `mapstructure:"schedules"`
}

// withDefaults fills the zero fields
func (c Config) withDefaults() Config {
	if len(c.EventTypes) == 0 {
		c.EventTypes = append([]models.EventKind(nil), models.StateChangeKinds...)
	}
	c.Conditions.Logic = condition.ParseLogic(string(c.Conditions.Logic))
	c.Additional.Logic = condition.ParseLogic(string(c.Additional.Logic))
	if c.AdditionalFrequency != FirstTrigger {
		c.AdditionalFrequency = EveryTrigger
	}
	if c.ArmSource == "" {
		c.ArmSource = ArmAlways
	}
	if len(c.DisarmedValues) == 0 {
		c.DisarmedValues = DefaultDisarmedValues
	}
	if c.AfterTrigger == "" {
		c.AfterTrigger = AfterNothing
	}
	if c.ArmDisarm == "" {
		c.ArmDisarm = DirectiveNone
	}
	if c.TimerUnits == "" {
		c.TimerUnits = "seconds"
	}
	if c.StoreStateScope == "" {
		c.StoreStateScope = vars.Flow
	}
	if c.StoreStateVariable == "" && len(c.Items) > 0 {
		c.StoreStateVariable = c.Items[0]
	}
	return c
}

// timerDuration converts the static timer setting
func (c Config) timerDuration() time.Duration {
	unit := time.Second
	switch strings.ToLower(c.TimerUnits) {
	case "milliseconds", "ms":
		unit = time.Millisecond
	case "minutes", "m":
		unit = time.Minute
	case "hours", "h":
		unit = time.Hour
	}
	return time.Duration(c.Timer * float64(unit))
}
