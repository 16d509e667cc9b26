package gatt

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/growmon/grow/monitor"
)

// Peripheral serves the latest report as a readable characteristic.
type Peripheral struct {
	Name string

	mu      sync.RWMutex
	payload []byte
}

func NewPeripheral(name string) *Peripheral {
	return &Peripheral{Name: name}
}

func (p *Peripheral) Report(_ context.Context, r monitor.Report) error {
	payload := Encode(FromReport(r))
	p.mu.Lock()
	p.payload = payload
	p.mu.Unlock()
	return nil
}

func (p *Peripheral) Service() *ble.Service {
	s := ble.NewService(ServiceUUID)
	c := s.NewCharacteristic(CharacteristicUUID)
	c.HandleRead(ble.ReadHandlerFunc(p.handleRead))
	return s
}

// handleRead serves the payload from the requested offset, so centrals can
// read it with read blob requests when it exceeds the ATT MTU.
func (p *Peripheral) handleRead(req ble.Request, rsp ble.ResponseWriter) {
	p.mu.RLock()
	payload := p.payload
	p.mu.RUnlock()

	if payload == nil {
		rsp.SetStatus(ble.ErrReadNotPerm)
		return
	}
	offset := req.Offset()
	if offset > len(payload) {
		rsp.SetStatus(ble.ErrInvalidOffset)
		return
	}
	chunk := payload[offset:]
	if len(chunk) > rsp.Cap() {
		chunk = chunk[:rsp.Cap()]
	}
	if _, err := rsp.Write(chunk); err != nil {
		log.Warnf("failed to write characteristic value: %s", err)
	}
}

// Serve registers the service on the default BLE device and advertises it
// until ctx is done.
func (p *Peripheral) Serve(ctx context.Context) error {
	if err := ble.AddService(p.Service()); err != nil {
		return errors.Wrap(err, "failed to add growmon service")
	}
	log.WithField("name", p.Name).Info("advertising growmon service")

	err := ble.AdvertiseNameAndServices(ctx, p.Name, ServiceUUID)
	switch errors.Cause(err) {
	case nil, context.Canceled, context.DeadlineExceeded:
		return nil
	default:
		return errors.Wrap(err, "failed to advertise")
	}
}
