package gatt

import (
	"context"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/growmon/grow"
)

// Station is a remote growmon peripheral.
type Station struct {
	Addr         string
	Name         string
	ScanDuration time.Duration
	Retries      int
}

func (station *Station) Address() string {
	return station.Addr
}

func (station *Station) Receive() (grow.StationValues, error) {
	var lastErr error
	var values grow.StationValues
	for i := 0; i < station.Retries; i++ {
		values, lastErr = station.receive()
		if lastErr == nil {
			return values, nil
		}
		if i < station.Retries-1 {
			log.Errorf("retrying error in receive: %s", lastErr)
			time.Sleep(station.ScanDuration) // self-pacing interval in an attempt to fix freezes
		}
	}

	return grow.StationValues{}, errors.Wrap(lastErr, "all retries to receive failed")
}

func (station *Station) receive() (grow.StationValues, error) {
	filter := func(a ble.Advertisement) bool {
		return strings.EqualFold(a.Addr().String(), station.Addr)
	}

	logger := log.WithField("station", station.Addr)
	logger.Debugf("connecting to station")
	ctx := ble.WithSigHandler(context.WithTimeout(context.Background(), station.ScanDuration))
	cln, err := ble.Connect(ctx, filter)
	if err != nil {
		return grow.StationValues{}, errors.Wrap(err, "couldn't connect to ble")
	}

	// The peripheral may also drop the connection on its own, so wait for
	// the disconnect in a goroutine.
	done := make(chan struct{})
	go func() {
		<-cln.Disconnected()
		logger.Debugf("station disconnected")
		close(done)
	}()
	defer func() {
		logger.Debugf("closing connection")
		_ = cln.CancelConnection()
		<-done
	}()

	services, err := cln.DiscoverServices([]ble.UUID{ServiceUUID})
	if err != nil {
		return grow.StationValues{}, errors.Wrap(err, "couldn't discover services")
	}
	if len(services) == 0 {
		return grow.StationValues{}, errors.New("did not find the growmon service")
	}

	characteristics, err := cln.DiscoverCharacteristics([]ble.UUID{CharacteristicUUID}, services[0])
	if err != nil {
		return grow.StationValues{}, errors.Wrap(err, "couldn't discover characteristic")
	}
	if len(characteristics) == 0 {
		return grow.StationValues{}, errors.New("did not find the report characteristic")
	}

	logger.Debugf("reading characteristic")
	payload, err := cln.ReadLongCharacteristic(characteristics[0])
	if err != nil {
		return grow.StationValues{}, errors.Wrap(err, "failed to read characteristic value")
	}
	return Decode(payload)
}
