package gatt

import (
	"context"
	"time"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/growmon/grow"
)

// Scanner finds growmon stations advertising the growmon service.
type Scanner struct {
	ScanDuration time.Duration
	Retries      int
}

func (scanner *Scanner) Scan() (map[string]grow.Station, error) {
	var lastErr error
	var stations map[string]grow.Station
	for i := 0; i < scanner.Retries; i++ {
		stations, lastErr = scanner.scan()
		if lastErr == nil {
			return stations, nil
		}
		if i < scanner.Retries-1 {
			log.Errorf("retrying error in scan: %s", lastErr)
		}
	}

	return map[string]grow.Station{}, errors.Wrap(lastErr, "all retries to scan failed")
}

func (scanner *Scanner) scan() (map[string]grow.Station, error) {
	ctx := ble.WithSigHandler(context.WithTimeout(context.Background(), scanner.ScanDuration))
	ads, err := ble.Find(ctx, false, growmonOnlyFilter)
	if err != nil {
		switch errors.Cause(err) {
		case nil:
		case context.DeadlineExceeded:
		case context.Canceled:
			return map[string]grow.Station{}, errors.Wrap(err, "scan for stations cancelled")
		default:
			return map[string]grow.Station{}, errors.Wrap(err, "failed to scan for stations")
		}
	}

	stations := map[string]grow.Station{}
	for _, a := range ads {
		addr := a.Addr().String()
		stations[addr] = &Station{
			Addr:         addr,
			Name:         a.LocalName(),
			ScanDuration: scanner.ScanDuration,
			Retries:      scanner.Retries,
		}
	}
	return stations, nil
}

func growmonOnlyFilter(a ble.Advertisement) bool {
	return a.Connectable() && ble.Contains(a.Services(), ServiceUUID)
}
