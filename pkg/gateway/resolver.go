package gateway

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

const resolvConf = "/etc/resolv.conf"

// Resolver turns configured gateway hosts into IPv4 addresses. Gateways are
// keyed by IP since inbound notifications only carry the remote address.
type Resolver struct {
	server string
	client *dns.Client
	logger *logrus.Logger
}

// NewResolver queries server (host or host:port). An empty server falls back
// to the first nameserver in /etc/resolv.conf.
func NewResolver(server string, logger *logrus.Logger) *Resolver {
	if server == "" {
		if conf, err := dns.ClientConfigFromFile(resolvConf); err == nil && len(conf.Servers) > 0 {
			server = net.JoinHostPort(conf.Servers[0], conf.Port)
		}
	} else if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Timeout: 3 * time.Second},
		logger: logger,
	}
}

// Resolve returns host unchanged when it is already an IP literal, otherwise
// the first A record for it.
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	host = strings.TrimSpace(host)
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	if r.server == "" {
		return "", fmt.Errorf("resolving %s: no nameserver configured", host)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	reply, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", host, err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("resolving %s: %s", host, dns.RcodeToString[reply.Rcode])
	}
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", fmt.Errorf("resolving %s: no A record", host)
}

// ResolveAll resolves every host, logging and skipping the ones that fail.
// Duplicates are dropped.
func (r *Resolver) ResolveAll(ctx context.Context, hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, host := range hosts {
		if host == "" {
			continue
		}
		addr, err := r.Resolve(ctx, host)
		if err != nil {
			r.logger.WithError(err).WithField("gateway", host).Error("Unable to resolve gateway host")
			continue
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		if addr != host {
			r.logger.WithFields(logrus.Fields{"gateway": host, "address": addr}).Info("Resolved gateway host")
		}
		out = append(out, addr)
	}
	return out
}
