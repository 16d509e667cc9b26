//go:build e2e

package bme

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alepar/growmon/grow"
	"github.com/alepar/growmon/grow/broker"
)

func startMosquitto(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			// 1.6 still accepts anonymous clients on 1883 without a config file
			Image:        "eclipse-mosquitto:1.6.15",
			ExposedPorts: []string{"1883/tcp"},
			WaitingFor:   wait.ForListeningPort("1883/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start mosquitto container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "1883/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	return fmt.Sprintf("tcp://%s:%s", host, port.Port())
}

func connect(t *testing.T, url, id string) *broker.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := broker.NewClient(broker.Options{URL: url, ClientID: id})
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func TestMQTTRoundTripThroughMosquitto(t *testing.T) {
	url := startMosquitto(t)
	station := connect(t, url, "growmon-e2e")
	node := connect(t, url, "bme680-node-e2e")

	m := NewMQTT(station, "growmon", "e2e")
	if err := m.Configure(grow.DefaultEnvConfig); err != nil {
		t.Fatalf("configure: %v", err)
	}
	defer func() { _ = m.Close() }()

	payload, _ := json.Marshal(grow.EnvValues{
		Time:          time.Now(),
		Temperature:   22.25,
		Humidity:      41,
		GasResistance: 87_000,
		HeatStable:    true,
	})
	if err := broker.Wait(node.Publish(m.Topic, 1, false, payload), broker.DefaultTimeout, "publish sample"); err != nil {
		t.Fatalf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v, err := m.Sample(ctx)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if v.Temperature != 22.25 || v.GasResistance != 87_000 || !v.HeatStable {
		t.Fatalf("unexpected sample %+v", v)
	}
}
