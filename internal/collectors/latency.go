package collectors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/bmagent/agent/internal/logging"
)

const (
	probeCount   = 4
	probeTimeout = 1 * time.Second
	probeGap     = 200 * time.Millisecond
	protoICMP    = 1
)

var probeSequence uint32

// LatencyProber measures round-trip time and packet loss to one host with a
// short burst of ICMP echo requests. It prefers unprivileged datagram ICMP
// sockets and falls back to raw sockets; when neither is permitted it
// reports zeros.
type LatencyProber struct {
	host    string
	count   int
	timeout time.Duration

	warnOnce sync.Once
}

func NewLatencyProber(host string) *LatencyProber {
	return &LatencyProber{host: host, count: probeCount, timeout: probeTimeout}
}

// Probe returns the mean RTT in milliseconds over the replies received and
// the percentage of echoes that went unanswered.
func (p *LatencyProber) Probe(ctx context.Context) (latencyMs, lossPct float64) {
	ip, err := p.resolve(ctx)
	if err != nil {
		log.Debug("latency probe target unresolved", "host", p.host, logging.KeyError, err)
		return 0, 100
	}

	conn, network, err := listenICMP()
	if err != nil {
		p.warnOnce.Do(func() {
			log.Warn("ICMP unavailable, latency will be reported as 0", logging.KeyError, err)
		})
		return 0, 0
	}
	defer conn.Close()

	var total time.Duration
	received := 0
	for i := 0; i < p.count; i++ {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(probeGap):
			}
		}
		if rtt, ok := echo(conn, network, ip, p.timeout); ok {
			total += rtt
			received++
		}
	}

	lossPct = float64(p.count-received) / float64(p.count) * 100
	if received == 0 {
		return 0, lossPct
	}
	avg := total / time.Duration(received)
	return float64(avg.Microseconds()) / 1000, lossPct
}

func (p *LatencyProber) resolve(ctx context.Context) (net.IP, error) {
	if ip := net.ParseIP(p.host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("%s is not an IPv4 address", p.host)
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, p.host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("%s has no IPv4 address", p.host)
}

// listenICMP opens an unprivileged "udp4" ICMP socket when the kernel allows
// it (Linux ping_group_range, macOS), otherwise a raw one.
func listenICMP() (*icmp.PacketConn, string, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err == nil {
		return conn, "udp4", nil
	}
	conn, rawErr := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if rawErr != nil {
		return nil, "", fmt.Errorf("datagram: %v; raw: %w", err, rawErr)
	}
	return conn, "ip4:icmp", nil
}

// echo sends one echo request and waits for the matching reply. Datagram
// sockets have their echo ID rewritten by the kernel, so only the sequence
// number is matched there.
func echo(conn *icmp.PacketConn, network string, ip net.IP, timeout time.Duration) (time.Duration, bool) {
	seq := int(atomic.AddUint32(&probeSequence, 1) & 0xffff)
	id := os.Getpid() & 0xffff
	message := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  seq,
			Data: []byte{0x42, 0x4d, 0x41, byte(rand.IntN(256))},
		},
	}
	payload, err := message.Marshal(nil)
	if err != nil {
		return 0, false
	}

	var dst net.Addr = &net.IPAddr{IP: ip}
	if network == "udp4" {
		dst = &net.UDPAddr{IP: ip}
	}

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return 0, false
	}

	sent := time.Now()
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return 0, false
	}

	buffer := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buffer)
		if err != nil {
			return 0, false
		}
		if !peerIs(peer, ip) {
			continue
		}

		parsed, err := icmp.ParseMessage(protoICMP, buffer[:n])
		if err != nil || parsed.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		reply, ok := parsed.Body.(*icmp.Echo)
		if !ok || reply.Seq != seq {
			continue
		}
		if network != "udp4" && reply.ID != id {
			continue
		}
		return time.Since(sent), true
	}
}

func peerIs(peer net.Addr, ip net.IP) bool {
	switch a := peer.(type) {
	case *net.IPAddr:
		return a.IP.Equal(ip)
	case *net.UDPAddr:
		return a.IP.Equal(ip)
	}
	return false
}
