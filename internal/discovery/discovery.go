// Package discovery resolves .local hub hosts over mDNS and advertises the
// bridge under its own local name.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/pion/mdns/v2"
	"golang.org/x/net/dns/dnsmessage"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"ohbridge/internal/logging"
)

// DefaultQueryTimeout bounds a single host lookup
const DefaultQueryTimeout = 5 * time.Second

// Querier looks up a name over mDNS
type Querier interface {
	QueryAddr(ctx context.Context, name string) (dnsmessage.ResourceHeader, netip.Addr, error)
}

// Service is a running mDNS responder and resolver
type Service struct {
	conn   *mdns.Conn
	logger *slog.Logger
}

// Start listens on the mDNS multicast groups. A non-empty localName is
// answered with this host's address. IPv6 is optional.
func Start(localName string, logger *slog.Logger) (*Service, error) {
	logger = logging.Component(logger, "mdns")

	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, fmt.Errorf("mdns: resolve udp4: %w", err)
	}
	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		return nil, fmt.Errorf("mdns: listen udp4: %w", err)
	}

	var p6 *ipv6.PacketConn
	if addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6); err == nil {
		if l6, err := net.ListenUDP("udp6", addr6); err == nil {
			p6 = ipv6.NewPacketConn(l6)
		} else {
			logger.Debug("ipv6 mdns unavailable", "error", err)
		}
	}

	cfg := &mdns.Config{}
	if localName != "" {
		cfg.LocalNames = []string{localName}
	}
	conn, err := mdns.Server(ipv4.NewPacketConn(l4), p6, cfg)
	if err != nil {
		l4.Close()
		if p6 != nil {
			p6.Close()
		}
		return nil, fmt.Errorf("mdns: start server: %w", err)
	}
	if localName != "" {
		logger.Info("advertising", "name", localName)
	}
	return &Service{conn: conn, logger: logger}, nil
}

// Close stops the responder
func (s *Service) Close() error {
	return s.conn.Close()
}

// Resolve returns the address of host when it is a .local name, or host unchanged
func (s *Service) Resolve(ctx context.Context, host string) (string, error) {
	return ResolveHost(ctx, s.conn, host)
}

// IsLocal reports whether host is an mDNS name
func IsLocal(host string) bool {
	return strings.HasSuffix(strings.TrimSuffix(strings.ToLower(host), "."), ".local")
}

// ResolveHost resolves .local names with q; other hosts are returned as is
func ResolveHost(ctx context.Context, q Querier, host string) (string, error) {
	if !IsLocal(host) {
		return host, nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultQueryTimeout)
		defer cancel()
	}
	_, addr, err := q.QueryAddr(ctx, strings.TrimSuffix(host, "."))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("mdns: %s: no answer", host)
		}
		return "", fmt.Errorf("mdns: %s: %w", host, err)
	}
	if !addr.IsValid() {
		return "", fmt.Errorf("mdns: %s: empty answer", host)
	}
	return addr.WithZone("").String(), nil
}
