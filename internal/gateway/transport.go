package gateway

import (
	"fmt"

	"github.com/mattjoyce/sherpa-gw/internal/bus"
	"github.com/mattjoyce/sherpa-gw/internal/bus/memory"
	"github.com/mattjoyce/sherpa-gw/internal/bus/natsbus"
	"github.com/mattjoyce/sherpa-gw/internal/bus/redisbus"
	"github.com/mattjoyce/sherpa-gw/internal/config"
	"github.com/mattjoyce/sherpa-gw/internal/lifecycle"
)

// NewClient builds an unconnected bus client for the configured transport.
// The memory transport attaches to hub, which must then be non-nil.
func NewClient(cfg config.BusConfig, liveness config.LivenessConfig, name string, hub *memory.Hub) (bus.Client, error) {
	switch cfg.Transport {
	case config.TransportMemory:
		if hub == nil {
			return nil, fmt.Errorf("memory transport needs an in-process hub")
		}
		return hub.NewClient(name), nil
	case config.TransportRedis:
		c, err := redisbus.New(redisbus.Options{
			URL:    cfg.URL,
			Prefix: cfg.Prefix,
			Name:   name,
			// Registration outlives two missed pings.
			TTL: 3 * liveness.Interval,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.TransportNATS:
		return natsbus.New(natsbus.Options{
			URL:     cfg.URL,
			Prefix:  cfg.Prefix,
			Name:    name,
			Timeout: lifecycle.DefaultConnectTimeout,
		}), nil
	}
	return nil, fmt.Errorf("unknown bus transport %q", cfg.Transport)
}
