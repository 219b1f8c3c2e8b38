package main

import (
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cristalhq/aconfig"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/jkaflik/covercontrol/internal/cover"
	"github.com/jkaflik/covercontrol/internal/mqtt"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

type cfgMQTT struct {
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`
	Broker   string `yaml:"broker" default:"tcp://127.0.0.1:1883" env:"BROKER"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`

	ConnectRetries int `yaml:"connect_retries" default:"5" env:"CONNECT_RETRIES"`
}

type cfgHASS struct {
	Enabled     bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	TopicPrefix string `yaml:"topic_prefix" default:"homeassistant" env:"TOPIC_PREFIX"`
}

type cfgTopics struct {
	Event       string `yaml:"event" default:"cover_control/event" env:"EVENT"`
	Statestream string `yaml:"statestream" default:"homeassistant/statestream" env:"STATESTREAM"`
	Cover       string `yaml:"cover" default:"shutters2mqtt" env:"COVER"`
	Entity      string `yaml:"entity" default:"cover_control" env:"ENTITY"`
}

type cfgMetrics struct {
	Enabled bool   `yaml:"enabled" default:"false" env:"ENABLED"`
	Address string `yaml:"address" default:":9090" env:"ADDRESS"`
}

var Cfg struct {
	LogLevel string `yaml:"log_level" default:"info" env:"LOG_LEVEL"`

	MQTT    cfgMQTT    `yaml:"mqtt" env:"MQTT"`
	HASS    cfgHASS    `yaml:"hass" env:"HASS"`
	Topics  cfgTopics  `yaml:"topics" env:"TOPICS"`
	Metrics cfgMetrics `yaml:"metrics" env:"METRICS"`
}

// cfgCovers holds the raw cover entries, validated by cover.ParseConfigs.
var cfgCovers struct {
	Covers []map[string]interface{} `yaml:"cover_control"`
}

var configLoader = aconfig.LoaderFor(&Cfg, aconfig.Config{
	EnvPrefix: "CC",
	SkipFlags: true,
})

func loadConfigFromYamlFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "%s: read failed", filename)
	}

	if err := yaml.Unmarshal(data, &Cfg); err != nil {
		return errors.Wrapf(err, "%s: decode failed", filename)
	}
	if err := yaml.Unmarshal(data, &cfgCovers); err != nil {
		return errors.Wrapf(err, "%s: cover_control decode failed", filename)
	}

	if Cfg.MQTT.ClientID == "" {
		Cfg.MQTT.ClientID = "covercontrol-" + uuid.NewString()[:8]
	}

	return nil
}

// coversFromConfig validates the configured covers. Invalid entries are
// logged and skipped.
func coversFromConfig() []cover.Config {
	configs, err := cover.ParseConfigs(cfgCovers.Covers)
	if err != nil {
		var errs *cover.ConfigurationErrors
		if errors.As(err, &errs) {
			for _, e := range errs.Errors {
				logrus.Errorf("setup failed: %s", e)
			}
		} else {
			logrus.Error(err)
		}
	}

	if len(configs) == 0 {
		logrus.Fatal("no valid cover_control entries configured")
	}

	return configs
}

func pahoOptsFromConfig() *paho.ClientOptions {
	return paho.NewClientOptions().
		SetClientID(Cfg.MQTT.ClientID).
		AddBroker(Cfg.MQTT.Broker).
		SetUsername(Cfg.MQTT.Username).
		SetPassword(Cfg.MQTT.Password).
		SetConnectTimeout(time.Second).
		SetPingTimeout(time.Second).
		SetWriteTimeout(time.Second).
		SetAutoReconnect(true)
}

func connect(opts *paho.ClientOptions) (paho.Client, error) {
	m := paho.NewClient(opts)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error {
		if token := m.Connect(); token.Wait() && token.Error() != nil {
			logrus.Warnf("MQTT broker connect failed: %s", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithMaxRetries(bo, uint64(Cfg.MQTT.ConnectRetries)))
	if err != nil {
		return nil, errors.Wrapf(err, "MQTT broker %s unreachable", Cfg.MQTT.Broker)
	}

	return m, nil
}

func bridgeFromConfig(client paho.Client, loop mqtt.Poster) *mqtt.Bridge {
	return mqtt.NewBridge(client, loop,
		mqtt.Topics{
			Event:       Cfg.Topics.Event,
			Statestream: Cfg.Topics.Statestream,
			Cover:       Cfg.Topics.Cover,
			Entity:      Cfg.Topics.Entity,
		},
		mqtt.HASS{
			Enabled:     Cfg.HASS.Enabled,
			TopicPrefix: Cfg.HASS.TopicPrefix,
		},
	)
}
