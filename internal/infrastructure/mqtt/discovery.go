package mqtt

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/config"
)

const (
	brokerServiceType = "_mqtt._tcp"
	brokerDomain      = "local."
	discoveryTimeout  = 5 * time.Second
)

// DiscoverBroker browses mDNS for an MQTT broker and fills in host and port.
//
// It is a no-op when discovery is disabled or a host is already configured.
// The first advertised instance with an IPv4 address wins, then IPv6.
func DiscoverBroker(ctx context.Context, cfg *config.MQTTConfig) error {
	if !cfg.Broker.Discover || cfg.Broker.Host != "" {
		return nil
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan *zeroconf.ServiceEntry, 1)
	go func() {
		for entry := range entries {
			if host, _ := entryHost(entry); host != "" {
				select {
				case found <- entry:
					cancel()
				default:
				}
			}
		}
	}()

	if err := resolver.Browse(scanCtx, brokerServiceType, brokerDomain, entries); err != nil {
		return fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()

	select {
	case entry := <-found:
		host, port := entryHost(entry)
		cfg.Broker.Host = host
		cfg.Broker.Port = port
		return nil
	default:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBrokerNotFound
	}
}

func entryHost(entry *zeroconf.ServiceEntry) (string, int) {
	switch {
	case len(entry.AddrIPv4) > 0:
		return entry.AddrIPv4[0].String(), entry.Port
	case len(entry.AddrIPv6) > 0:
		return entry.AddrIPv6[0].String(), entry.Port
	default:
		return "", 0
	}
}
