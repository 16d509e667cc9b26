package bme

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/growmon/grow"
)

// Retrying retries failed samples of Source, pausing in between.
type Retrying struct {
	Source  grow.EnvSource
	Retries int
	Pause   time.Duration
}

func (r *Retrying) Configure(cfg grow.EnvConfig) error {
	return r.Source.Configure(cfg)
}

func (r *Retrying) Sample(ctx context.Context) (grow.EnvValues, error) {
	var lastErr error
	var values grow.EnvValues
	for i := 0; i < r.Retries; i++ {
		values, lastErr = r.Source.Sample(ctx)
		if lastErr == nil {
			return values, nil
		}
		if ctx.Err() != nil {
			break
		}
		if i < r.Retries-1 {
			log.Debugf("retrying error in sample: %s", lastErr)
			select {
			case <-time.After(r.Pause):
			case <-ctx.Done():
				return grow.EnvValues{}, errors.Wrap(lastErr, "sampling cancelled while retrying")
			}
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no attempts made")
	}
	return grow.EnvValues{}, errors.Wrap(lastErr, "all retries to sample failed")
}

func (r *Retrying) Close() error {
	return r.Source.Close()
}
