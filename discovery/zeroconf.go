package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

// ZeroconfPublisher implements Publisher over github.com/grandcat/zeroconf.
type ZeroconfPublisher struct {
	server *zeroconf.Server
}

// Publish registers instanceName under ServiceType/Domain. The
// coordinator port is carried as a TXT record key per spec.md §6.1;
// mDNS itself advertises the discovery port.
func (p *ZeroconfPublisher) Publish(instanceName string, port, coordinatorPort int) error {
	txt := []string{fmt.Sprintf("coordinatorPort=%d", coordinatorPort)}
	server, err := zeroconf.Register(instanceName, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return err
	}
	p.server = server
	return nil
}

// Unpublish withdraws the advertisement.
func (p *ZeroconfPublisher) Unpublish() {
	if p.server != nil {
		p.server.Shutdown()
		p.server = nil
	}
}

// ZeroconfBrowser implements Browser over github.com/grandcat/zeroconf.
type ZeroconfBrowser struct {
	cancel context.CancelFunc
}

// Browse starts a resolver and relays matching, non-loopback IPv4
// instances on the returned channel.
func (b *ZeroconfBrowser) Browse() (<-chan Instance, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	entries := make(chan *zeroconf.ServiceEntry)
	out := make(chan Instance)

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		cancel()
		return nil, err
	}

	go func() {
		defer close(out)
		for entry := range entries {
			inst, ok := fromServiceEntry(entry)
			if !ok {
				continue
			}
			select {
			case out <- inst:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Stop ends browsing.
func (b *ZeroconfBrowser) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}

// fromServiceEntry converts a resolved zeroconf entry into an
// Instance, discarding loopback addresses and IPv6 entirely (spec.md
// §6.1).
func fromServiceEntry(entry *zeroconf.ServiceEntry) (Instance, bool) {
	var addrs []string
	for _, ip := range entry.AddrIPv4 {
		if ip.IsLoopback() {
			continue
		}
		addrs = append(addrs, ip.String())
	}
	if len(addrs) == 0 {
		return Instance{}, false
	}
	coordinatorPort := 0
	for _, kv := range entry.Text {
		k, v, found := strings.Cut(kv, "=")
		if found && k == "coordinatorPort" {
			if p, err := strconv.Atoi(v); err == nil {
				coordinatorPort = p
			}
		}
	}
	if coordinatorPort == 0 {
		logrus.WithField("instance", entry.Instance).Warn("discovery: resolved instance missing coordinatorPort TXT record")
		return Instance{}, false
	}
	return Instance{
		Name:            entry.Instance,
		Addresses:       addrs,
		CoordinatorPort: coordinatorPort,
	}, true
}
