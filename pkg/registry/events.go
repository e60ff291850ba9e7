package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const holderSubjectPrefix = "decentrilicense.holder."

// Publisher announces holder changes to interested services.
type Publisher interface {
	PublishHolderChange(ctx context.Context, ev HolderEvent) error
	Close()
}

// HolderSubject is the NATS subject for one license. Characters NATS
// treats specially are replaced.
func HolderSubject(licenseCode string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, licenseCode)
	return holderSubjectPrefix + safe
}

type NATSPublisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

func NewNATSPublisher(url string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name("decentrilicense-registry"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSPublisher{nc: nc, logger: logger}, nil
}

func (p *NATSPublisher) PublishHolderChange(_ context.Context, ev HolderEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode holder event: %w", err)
	}
	if err := p.nc.Publish(HolderSubject(ev.LicenseCode), data); err != nil {
		return fmt.Errorf("failed to publish holder event: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
