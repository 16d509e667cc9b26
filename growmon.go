package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"
	"periph.io/x/host/v3"

	"github.com/alepar/growmon/grow"
	"github.com/alepar/growmon/grow/airquality"
	"github.com/alepar/growmon/grow/bme"
	"github.com/alepar/growmon/grow/broker"
	"github.com/alepar/growmon/grow/gatt"
	"github.com/alepar/growmon/grow/httpapi"
	"github.com/alepar/growmon/grow/moisture"
	"github.com/alepar/growmon/grow/monitor"
	"github.com/alepar/growmon/grow/report"
	"github.com/alepar/growmon/grow/store"
)

const shutdownTimeout = 5 * time.Second

func init() {
	// Add Go module build info.
	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
	prometheus.MustRegister(version.NewCollector("growmon"))

	//logging
	formatter := &log.TextFormatter{
		FullTimestamp: true,
	}
	log.SetFormatter(formatter)
}

func main() {
	cfg, err := LoadConfig(os.Args[1:], os.Stderr)
	if errors.Cause(err) == flag.ErrHelp {
		return
	}
	if err != nil {
		log.Fatalf("invalid arguments: %s", err)
	}
	if cfg.Version {
		fmt.Println(version.Print("growmon"))
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %s", err)
	}
	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)

	if cfg.Scan {
		if err := scanAndReceive(cfg); err != nil {
			log.Fatal(err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	if err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg Config) error {
	if _, err := host.Init(); err != nil {
		return errors.Wrap(err, "failed to initialize periph host drivers")
	}

	var st *store.Store
	if cfg.DBPath != "" {
		var err error
		st, err = store.Open(ctx, cfg.DBPath, cfg.Station)
		if err != nil {
			return err
		}
		defer st.Close()
	}

	sensors, err := newSensors(ctx, cfg, st)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	watchCtx, stopWatching := context.WithCancel(ctx)
	defer func() {
		stopWatching()
		wg.Wait()
	}()
	for _, s := range sensors {
		pin, err := moisture.OpenPin(s.Channel())
		if err != nil {
			return err
		}
		w := moisture.NewWatcher(s, pin)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(watchCtx)
		}()
	}

	var mqttClient *broker.Client
	if cfg.MQTT.URL != "" {
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			clientID = "growmon-" + cfg.Station
		}
		mqttClient = broker.NewClient(broker.Options{
			URL:      cfg.MQTT.URL,
			ClientID: clientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err := mqttClient.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to connect to mqtt broker")
		}
		defer mqttClient.Disconnect()
	}

	source := newSource(cfg, mqttClient)
	defer func() {
		if err := source.Close(); err != nil {
			log.Warnf("failed to close sensor: %s", err)
		}
	}()

	estimator := airquality.NewEstimator(time.Now(), cfg.BurnIn, cfg.Formula)
	if st != nil && cfg.ReuseBaseline > 0 && cfg.Formula == airquality.Composite {
		restoreBaseline(ctx, st, estimator, cfg.ReuseBaseline)
	}

	m := monitor.New(cfg.Station, source, estimator)
	m.EnvConfig = cfg.Sensor.Env
	m.Sensors = sensors
	m.SampleInterval = cfg.SampleInterval
	m.ReportInterval = cfg.ReportInterval

	if cfg.Console {
		m.Reporters = append(m.Reporters, &report.Console{Out: os.Stdout})
	}
	m.Reporters = append(m.Reporters, report.NewMetrics(prometheus.DefaultRegisterer))
	if st != nil {
		m.Reporters = append(m.Reporters, st)
		m.BaselineHook = func(b airquality.Baseline) {
			if err := st.SaveBaseline(ctx, b); err != nil {
				log.Errorf("failed to save gas baseline: %s", err)
			}
		}
	}
	if mqttClient != nil {
		m.Reporters = append(m.Reporters, &report.MQTTPublisher{Conn: mqttClient, Prefix: cfg.MQTT.Prefix})
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sink := report.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := sink.Close(); err != nil {
				log.Warnf("failed to close kafka writer: %s", err)
			}
		}()
		m.Reporters = append(m.Reporters, sink)
	}
	if cfg.BLE.Advertise {
		p, stopBLE, err := advertise(ctx, cfg)
		if err != nil {
			return err
		}
		defer stopBLE()
		m.Reporters = append(m.Reporters, p)
	}

	if cfg.ListenAddr != "" {
		stopHTTP := serveHTTP(cfg.ListenAddr, m, sensors, st)
		defer stopHTTP()
	}

	return m.Run(ctx)
}

// newSensors creates the configured moisture channels. Calibration stored in
// the database wins over the config file, since it comes from the
// calibration endpoints.
func newSensors(ctx context.Context, cfg Config, st *store.Store) ([]*moisture.Sensor, error) {
	stored := map[int]store.Calibration{}
	if st != nil {
		var err error
		if stored, err = st.LoadCalibration(ctx); err != nil {
			return nil, err
		}
	}

	sensors := make([]*moisture.Sensor, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		var opts []moisture.Option
		if ch.WetPoint != nil {
			opts = append(opts, moisture.WithWetPoint(*ch.WetPoint))
		}
		if ch.DryPoint != nil {
			opts = append(opts, moisture.WithDryPoint(*ch.DryPoint))
		}
		if c, ok := stored[ch.Channel]; ok {
			log.WithField("channel", ch.Channel).Infof("using stored calibration: wet %.2f, dry %.2f", c.WetPoint, c.DryPoint)
			opts = append(opts, moisture.WithWetPoint(c.WetPoint), moisture.WithDryPoint(c.DryPoint))
		}

		s, err := moisture.New(ch.Channel, opts...)
		if err != nil {
			return nil, err
		}
		sensors = append(sensors, s)
	}
	return sensors, nil
}

func newSource(cfg Config, conn broker.Conn) grow.EnvSource {
	var source grow.EnvSource
	switch cfg.Sensor.Source {
	case sourceMQTT:
		remote := bme.NewMQTT(conn, cfg.MQTT.Prefix, cfg.Station)
		remote.MaxAge = cfg.Sensor.MaxAge
		source = remote
	case sourceBMXX80:
		source = &bme.Periph{Bus: cfg.Sensor.I2CBus, Addr: cfg.Sensor.I2CAddr}
	default:
		source = &bme.BME680{Bus: cfg.Sensor.I2CBus, Addr: cfg.Sensor.I2CAddr}
	}
	return &bme.Retrying{
		Source:  source,
		Retries: cfg.Sensor.Retries,
		Pause:   cfg.SampleInterval / 4,
	}
}

func restoreBaseline(ctx context.Context, st *store.Store, estimator *airquality.Estimator, maxAge time.Duration) {
	b, ok, err := st.LatestBaseline(ctx)
	if err != nil {
		log.Warnf("failed to load gas baseline, burning in: %s", err)
		return
	}
	if !ok {
		return
	}
	logger := log.WithField("computed_at", b.ComputedAt.Format(time.RFC3339))
	if age := time.Since(b.ComputedAt); age > maxAge {
		logger.Infof("stored gas baseline is %s old, burning in", age.Truncate(time.Second))
		return
	}
	estimator.Restore(b)
	logger.Infof("reusing stored gas baseline of %.0f Ohms", b.Gas)
}

func advertise(ctx context.Context, cfg Config) (*gatt.Peripheral, func(), error) {
	d, err := linux.NewDevice()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open ble")
	}
	ble.SetDefaultDevice(d)

	name := cfg.BLE.Name
	if name == "" {
		name = "growmon-" + cfg.Station
	}
	p := gatt.NewPeripheral(name)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Serve(ctx); err != nil {
			log.Errorf("ble peripheral stopped: %s", err)
		}
	}()
	stop := func() {
		<-done
		if err := ble.Stop(); err != nil {
			log.Warnf("failed to stop ble: %s", err)
		}
	}
	return p, stop, nil
}

func serveHTTP(addr string, m *monitor.Monitor, sensors []*moisture.Sensor, st *store.Store) func() {
	handlers := &httpapi.Handlers{
		Sensors: make(map[int]*moisture.Sensor, len(sensors)),
		Latest:  m.Latest,
	}
	for _, s := range sensors {
		handlers.Sensors[s.Channel()] = s
	}
	if st != nil {
		handlers.Saver = st
	}

	accessLog := log.StandardLogger().Writer()
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewRouter(handlers, prometheus.DefaultGatherer, accessLog),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("address", addr).Info("serving http")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server failed: %s", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warnf("http shutdown: %s", err)
		}
		_ = accessLog.Close()
	}
}

func scanAndReceive(cfg Config) error {
	// open BLE
	d, err := linux.NewDevice()
	if err != nil {
		return errors.Wrap(err, "failed to open ble")
	}
	ble.SetDefaultDevice(d)
	defer ble.Stop()

	var scanner grow.Scanner = &gatt.Scanner{
		ScanDuration: cfg.BLE.ScanDuration,
		Retries:      cfg.BLE.Retries,
	}
	stations, err := scanner.Scan()
	if err != nil {
		return errors.Wrap(err, "failed to scan for stations")
	}
	if len(stations) == 0 {
		log.Info("no growmon stations found")
		return nil
	}

	// Receive from every found station
	for addr, station := range stations {
		logger := log.WithField("station", addr)
		if s, ok := station.(*gatt.Station); ok && s.Name != "" {
			logger = logger.WithField("name", s.Name)
		}
		logger.Info("Found station")

		values, err := station.Receive()
		if err != nil {
			logger.Errorf("failed to read from station: %s", err)
			continue
		}

		valuesAsJson, err := json.Marshal(values)
		if err == nil {
			logger.Printf("Received: %s", valuesAsJson)
		} else {
			logger.Printf("Received: <marshall error: %s>", err)
		}
	}
	return nil
}
