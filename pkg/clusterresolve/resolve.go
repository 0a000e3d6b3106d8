// Package clusterresolve resolves a cluster entry-point hostname to
// its full set of addresses via explicit DNS queries, rather than
// relying on the platform resolver's round-robin behavior to pick one
// address per Dial — the client needs every address so it can contact
// every daemon behind the name.
package clusterresolve

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/miekg/dns"
)

const resolvConfPath = "/etc/resolv.conf"

// Cluster is a named group of resolved daemon addresses. When the
// caller passed --multiple/-m, every supplied entry point is pooled
// into one Cluster so the Upload Progress Tracker treats their union
// as a single completion target.
type Cluster struct {
	Name      string
	Addresses []string
}

// Resolve returns every A/AAAA address entryPoint resolves to, each
// formatted as "host:port".
func Resolve(ctx context.Context, entryPoint string, port int) ([]string, error) {
	cfg, err := dns.ClientConfigFromFile(resolvConfPath)
	if err != nil || len(cfg.Servers) == 0 {
		return resolveFallback(ctx, entryPoint, port)
	}

	client := new(dns.Client)
	server := net.JoinHostPort(cfg.Servers[0], cfg.Port)
	fqdn := dns.Fqdn(entryPoint)

	var addrs []string
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		reply, _, err := client.ExchangeContext(ctx, msg, server)
		if err != nil {
			continue
		}
		for _, rr := range reply.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				addrs = append(addrs, net.JoinHostPort(rec.A.String(), strconv.Itoa(port)))
			case *dns.AAAA:
				addrs = append(addrs, net.JoinHostPort(rec.AAAA.String(), strconv.Itoa(port)))
			}
		}
	}
	if len(addrs) == 0 {
		return resolveFallback(ctx, entryPoint, port)
	}
	return addrs, nil
}

// resolveFallback uses the stdlib resolver when /etc/resolv.conf
// cannot be read (containers with a custom nsswitch setup, tests)
// rather than failing resolution outright.
func resolveFallback(ctx context.Context, entryPoint string, port int) ([]string, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, entryPoint)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", entryPoint, err)
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}
	return addrs, nil
}

// ResolveClusters resolves every entry point in entryPoints. If
// multiple is true (the CLI's --multiple/-m), all entry points are
// pooled into a single Cluster; otherwise each entry point becomes its
// own Cluster.
func ResolveClusters(ctx context.Context, entryPoints []string, multiple bool, port int) ([]Cluster, error) {
	return resolveClustersWith(ctx, entryPoints, multiple, port, Resolve)
}

type resolveFunc func(ctx context.Context, entryPoint string, port int) ([]string, error)

func resolveClustersWith(ctx context.Context, entryPoints []string, multiple bool, port int, resolve resolveFunc) ([]Cluster, error) {
	if multiple {
		var pooled []string
		for _, ep := range entryPoints {
			addrs, err := resolve(ctx, ep, port)
			if err != nil {
				return nil, err
			}
			pooled = append(pooled, addrs...)
		}
		return []Cluster{{Name: "multiple", Addresses: pooled}}, nil
	}

	clusters := make([]Cluster, 0, len(entryPoints))
	for _, ep := range entryPoints {
		addrs, err := resolve(ctx, ep, port)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, Cluster{Name: ep, Addresses: addrs})
	}
	return clusters, nil
}
