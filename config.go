package main

import (
	"flag"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/alepar/growmon/grow"
	"github.com/alepar/growmon/grow/airquality"
	"github.com/alepar/growmon/grow/bme"
	"github.com/alepar/growmon/grow/moisture"
)

const (
	sourceBME680 = "bme680"
	sourceBMXX80 = "bmxx80"
	sourceMQTT   = "mqtt"

	minBurnIn = 30 * time.Second
	maxBurnIn = 300 * time.Second
)

type Config struct {
	ConfigPath string `yaml:"-"`
	Version    bool   `yaml:"-"`
	Scan       bool   `yaml:"-"`

	Station    string `yaml:"station"`
	LogLevel   string `yaml:"log_level"`
	ListenAddr string `yaml:"listen_address"`
	Console    bool   `yaml:"console"`

	SampleInterval time.Duration      `yaml:"sample_interval"`
	ReportInterval time.Duration      `yaml:"report_interval"`
	BurnIn         time.Duration      `yaml:"burn_in"`
	Formula        airquality.Formula `yaml:"aqi_formula"`
	// a stored baseline younger than this skips burn-in, 0 disables reuse
	ReuseBaseline time.Duration `yaml:"reuse_baseline"`

	Sensor   SensorConfig    `yaml:"sensor"`
	Channels []ChannelConfig `yaml:"channels"`

	DBPath string      `yaml:"db_path"`
	MQTT   MQTTConfig  `yaml:"mqtt"`
	Kafka  KafkaConfig `yaml:"kafka"`
	BLE    BLEConfig   `yaml:"ble"`
}

type SensorConfig struct {
	Source  string         `yaml:"source"`
	I2CBus  string         `yaml:"i2c_bus"`
	I2CAddr uint16         `yaml:"i2c_address"`
	Retries int            `yaml:"retries"`
	MaxAge  time.Duration  `yaml:"max_age"`
	Env     grow.EnvConfig `yaml:"env"`
}

// ChannelConfig enables one moisture channel. Calibration points left unset
// keep the driver defaults.
type ChannelConfig struct {
	Channel  int      `yaml:"channel"`
	WetPoint *float64 `yaml:"wet_point"`
	DryPoint *float64 `yaml:"dry_point"`
}

type MQTTConfig struct {
	URL      string `yaml:"url"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type BLEConfig struct {
	Advertise    bool          `yaml:"advertise"`
	Name         string        `yaml:"name"`
	ScanDuration time.Duration `yaml:"scan_duration"`
	Retries      int           `yaml:"retries"`
}

func DefaultConfig() Config {
	return Config{
		Station:        hostname(),
		LogLevel:       log.InfoLevel.String(),
		ListenAddr:     ":8080",
		Console:        true,
		SampleInterval: time.Second,
		ReportInterval: 5 * time.Second,
		BurnIn:         airquality.DefaultBurnIn,
		Formula:        airquality.Composite,
		Sensor: SensorConfig{
			Source:  sourceBME680,
			I2CAddr: bme.AddrPrimary,
			Retries: 3,
			MaxAge:  bme.DefaultMaxAge,
			Env:     grow.DefaultEnvConfig,
		},
		Channels: []ChannelConfig{{Channel: 1}, {Channel: 2}, {Channel: 3}},
		MQTT: MQTTConfig{
			Prefix: "growmon",
		},
		Kafka: KafkaConfig{
			Topic: "growmon.telemetry",
		},
		BLE: BLEConfig{
			ScanDuration: 5 * time.Second,
			Retries:      5,
		},
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "growmon"
	}
	return name
}

// LoadConfig builds the configuration from defaults, the optional -config
// YAML file and the command line, in that order of precedence.
func LoadConfig(args []string, output io.Writer) (Config, error) {
	cfg := DefaultConfig()
	fs := newFlagSet(&cfg, output)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.ConfigPath == "" {
		return cfg, nil
	}

	fileCfg := DefaultConfig()
	if err := readConfigFile(cfg.ConfigPath, &fileCfg); err != nil {
		return Config{}, err
	}
	// parsing again on top of the file values keeps only the flags given
	fs = newFlagSet(&fileCfg, io.Discard)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return fileCfg, nil
}

func readConfigFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open config file")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return nil
}

func newFlagSet(cfg *Config, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("growmon", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "path to a YAML config file")
	fs.BoolVar(&cfg.Version, "version", cfg.Version, "print version information and exit")
	fs.BoolVar(&cfg.Scan, "scan", cfg.Scan, "scan for other growmon stations over BLE, print their values and exit")

	fs.StringVar(&cfg.Station, "station", cfg.Station, "station name used in topics, labels and the database")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.ListenAddr, "listen-address", cfg.ListenAddr, "The address to listen on for HTTP requests, empty disables HTTP.")
	fs.BoolVar(&cfg.Console, "console", cfg.Console, "print reports to stdout")

	fs.DurationVar(&cfg.SampleInterval, "sample-int", cfg.SampleInterval, "time interval between sensor samples")
	fs.DurationVar(&cfg.ReportInterval, "report-int", cfg.ReportInterval, "time interval between reports")
	fs.DurationVar(&cfg.BurnIn, "burn-in", cfg.BurnIn, "gas baseline burn-in window (30s-300s)")
	fs.TextVar(&cfg.Formula, "aqi-formula", cfg.Formula, "AQI formula (composite, closed-form)")
	fs.DurationVar(&cfg.ReuseBaseline, "reuse-baseline", cfg.ReuseBaseline, "reuse a stored gas baseline younger than this, 0 to always burn in")

	fs.StringVar(&cfg.Sensor.Source, "source", cfg.Sensor.Source, "environmental sensor source (bme680, bmxx80, mqtt)")
	fs.StringVar(&cfg.Sensor.I2CBus, "i2c-bus", cfg.Sensor.I2CBus, "I2C bus name, empty for the first available")
	fs.IntVar(&cfg.Sensor.Retries, "sensor-retries", cfg.Sensor.Retries, "max number of tries per sensor sample")
	fs.Var((*channelList)(&cfg.Channels), "channels", "comma separated moisture channels (1-4)")

	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database path, empty disables persistence")
	fs.StringVar(&cfg.MQTT.URL, "mqtt-url", cfg.MQTT.URL, "MQTT broker URL, e.g. tcp://localhost:1883")
	fs.StringVar(&cfg.MQTT.Prefix, "mqtt-prefix", cfg.MQTT.Prefix, "MQTT topic prefix")
	fs.Var((*stringList)(&cfg.Kafka.Brokers), "kafka-brokers", "comma separated Kafka brokers, empty disables Kafka")
	fs.StringVar(&cfg.Kafka.Topic, "kafka-topic", cfg.Kafka.Topic, "Kafka telemetry topic")

	fs.BoolVar(&cfg.BLE.Advertise, "ble", cfg.BLE.Advertise, "advertise reports as a BLE GATT peripheral")
	fs.DurationVar(&cfg.BLE.ScanDuration, "scan-dur", cfg.BLE.ScanDuration, "scan duration")
	fs.IntVar(&cfg.BLE.Retries, "retries", cfg.BLE.Retries, "max number of tries in case of BLE errors")
	return fs
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Station) == "" {
		return errors.New("station name must not be empty")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	if c.SampleInterval <= 0 || c.ReportInterval <= 0 {
		return errors.Errorf("intervals must be positive, got sample %s report %s", c.SampleInterval, c.ReportInterval)
	}
	if c.Formula == airquality.Composite && (c.BurnIn < minBurnIn || c.BurnIn > maxBurnIn) {
		return errors.Errorf("burn-in %s outside %s-%s", c.BurnIn, minBurnIn, maxBurnIn)
	}
	if c.ReuseBaseline < 0 {
		return errors.Errorf("negative baseline reuse age %s", c.ReuseBaseline)
	}

	switch c.Sensor.Source {
	case sourceBME680:
	case sourceBMXX80:
		if c.Sensor.Env.GasEnabled {
			return errors.New("the bmxx80 sensor source has no gas heater, set gas_enabled: false to use it")
		}
	case sourceMQTT:
		if c.MQTT.URL == "" {
			return errors.New("the mqtt sensor source needs an MQTT broker URL")
		}
	default:
		return errors.Errorf("unknown sensor source %q (allowed: %s, %s, %s)", c.Sensor.Source, sourceBME680, sourceBMXX80, sourceMQTT)
	}
	if c.Sensor.Retries < 1 || c.BLE.Retries < 1 {
		return errors.New("retries must be at least 1")
	}
	if err := c.Sensor.Env.Validate(); err != nil {
		return errors.Wrap(err, "invalid sensor settings")
	}

	seen := map[int]bool{}
	for _, ch := range c.Channels {
		if ch.Channel < 1 || ch.Channel > len(moisture.Pins) {
			return errors.Wrapf(moisture.ErrInvalidChannel, "got %d", ch.Channel)
		}
		if seen[ch.Channel] {
			return errors.Errorf("channel %d configured twice", ch.Channel)
		}
		seen[ch.Channel] = true
		if ch.WetPoint != nil {
			if err := moisture.ValidatePoint(*ch.WetPoint); err != nil {
				return errors.Wrapf(err, "channel %d wet point", ch.Channel)
			}
		}
		if ch.DryPoint != nil {
			if err := moisture.ValidatePoint(*ch.DryPoint); err != nil {
				return errors.Wrapf(err, "channel %d dry point", ch.Channel)
			}
		}
		if ch.WetPoint != nil && ch.DryPoint != nil && *ch.WetPoint == *ch.DryPoint {
			return errors.Wrapf(moisture.ErrCalibrationUndefined, "channel %d", ch.Channel)
		}
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka brokers given without a topic")
	}
	return nil
}

// channelList sets the enabled channels from a comma separated list,
// keeping calibration already configured for a channel.
type channelList []ChannelConfig

func (l *channelList) String() string {
	if l == nil {
		return ""
	}
	parts := make([]string, len(*l))
	for i, ch := range *l {
		parts[i] = strconv.Itoa(ch.Channel)
	}
	return strings.Join(parts, ",")
}

func (l *channelList) Set(s string) error {
	known := map[int]ChannelConfig{}
	for _, ch := range *l {
		known[ch.Channel] = ch
	}

	var channels []ChannelConfig
	for _, part := range splitList(s) {
		n, err := strconv.Atoi(part)
		if err != nil {
			return errors.Wrapf(err, "bad channel %q", part)
		}
		ch, ok := known[n]
		if !ok {
			ch = ChannelConfig{Channel: n}
		}
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Channel < channels[j].Channel })
	*l = channels
	return nil
}

type stringList []string

func (l *stringList) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *stringList) Set(s string) error {
	*l = splitList(s)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
