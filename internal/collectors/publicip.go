package collectors

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"golang.org/x/sync/errgroup"

	"github.com/bmagent/agent/internal/httputil"
	"github.com/bmagent/agent/internal/logging"
)

const (
	lookupTimeout  = 8 * time.Second
	loopbackIPv4   = "127.0.0.1"
	publicIPJoiner = ","
)

// PublicIPResolver asks plain-text IP echo services for the host's public
// addresses. When none answer it falls back to the first non-loopback IPv4
// interface address, then to 127.0.0.1.
type PublicIPResolver struct {
	endpoints  []string
	client     *http.Client
	retry      httputil.RetryConfig
	interfaces func(ctx context.Context) (psnet.InterfaceStatList, error)
}

func NewPublicIPResolver(endpoints []string) *PublicIPResolver {
	return &PublicIPResolver{
		endpoints:  endpoints,
		client:     &http.Client{Timeout: lookupTimeout},
		retry:      httputil.DefaultRetryConfig(),
		interfaces: psnet.InterfacesWithContext,
	}
}

// Lookup queries all endpoints concurrently and joins the distinct valid
// answers in endpoint order.
func (r *PublicIPResolver) Lookup(ctx context.Context) string {
	answers := make([]string, len(r.endpoints))

	g, gctx := errgroup.WithContext(ctx)
	for i, endpoint := range r.endpoints {
		g.Go(func() error {
			text, err := httputil.GetText(gctx, r.client, endpoint, r.retry)
			if err != nil {
				log.Debug("public ip lookup failed", "endpoint", endpoint, logging.KeyError, err)
				return nil
			}
			if ip := net.ParseIP(text); ip != nil {
				answers[i] = ip.String()
			} else {
				log.Debug("public ip endpoint returned garbage", "endpoint", endpoint)
			}
			return nil
		})
	}
	g.Wait()

	seen := make(map[string]bool, len(answers))
	var ips []string
	for _, ip := range answers {
		if ip != "" && !seen[ip] {
			seen[ip] = true
			ips = append(ips, ip)
		}
	}
	if len(ips) > 0 {
		return strings.Join(ips, publicIPJoiner)
	}
	return r.localIPv4(ctx)
}

func (r *PublicIPResolver) localIPv4(ctx context.Context) string {
	ifaces, err := r.interfaces(ctx)
	if err != nil {
		log.Debug("interface enumeration failed", logging.KeyError, err)
		return loopbackIPv4
	}
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			return ip.String()
		}
	}
	return loopbackIPv4
}
