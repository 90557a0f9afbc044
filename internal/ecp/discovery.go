package ecp

import (
	"context"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	ssdpAddr         = "239.255.255.250:1900"
	ssdpSearchTarget = "roku:ecp"
	ssdpReadSlice    = 250 * time.Millisecond
)

// DiscoverOptions controls one SSDP scan cycle.
type DiscoverOptions struct {
	// Timeout bounds how long the scan listens for responses.
	Timeout time.Duration
	// InfoTimeout bounds the per-device info fetch for found addresses.
	InfoTimeout time.Duration
	// FetchInfo enriches found addresses with /query/device-info. A
	// device that answers SSDP but fails the info fetch is still
	// reported, with only its address set.
	FetchInfo bool
}

func ssdpSearchPayload(mx int) []byte {
	lines := []string{
		"M-SEARCH * HTTP/1.1",
		"HOST: " + ssdpAddr,
		`MAN: "ssdp:discover"`,
		"MX: " + strconv.Itoa(mx),
		"ST: " + ssdpSearchTarget,
		"",
		"",
	}
	return []byte(strings.Join(lines, "\r\n"))
}

func parseSSDPHeaders(msg []byte) map[string]string {
	headers := make(map[string]string)
	lines := strings.Split(string(msg), "\r\n")
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return headers
}

// Discover broadcasts an SSDP M-SEARCH for ECP devices and collects
// responders until the timeout elapses. Responses with a foreign search
// target are ignored. The scan is inherently lossy; callers re-run it
// periodically and smooth the results.
func Discover(ctx context.Context, opts DiscoverOptions, logger zerolog.Logger) ([]DeviceInfo, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	dst, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return nil, err
	}

	if _, err := conn.WriteTo(ssdpSearchPayload(1), dst); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(opts.Timeout)
	seen := make(map[string]struct{})
	buf := make([]byte, 8192)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(ssdpReadSlice))
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			break
		}

		headers := parseSSDPHeaders(buf[:n])
		if !strings.EqualFold(headers["st"], ssdpSearchTarget) {
			continue
		}

		host, _, err := net.SplitHostPort(src.String())
		if err != nil {
			host = src.String()
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			continue
		}
		seen[addr.String()] = struct{}{}
	}

	ips := make([]netip.Addr, 0, len(seen))
	for ip := range seen {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			continue
		}
		ips = append(ips, addr)
	}
	sort.Slice(ips, func(i, j int) bool { return ips[i].Less(ips[j]) })

	devices := make([]DeviceInfo, 0, len(ips))
	for _, addr := range ips {
		ip := addr.String()
		if !opts.FetchInfo {
			devices = append(devices, DeviceInfo{IP: ip})
			continue
		}
		info, err := fetchInfo(ctx, ip, opts.InfoTimeout)
		if err != nil {
			logger.Debug().Str("ip", ip).Err(err).Msg("Device answered SSDP but info fetch failed")
			devices = append(devices, DeviceInfo{IP: ip})
			continue
		}
		devices = append(devices, *info)
	}
	return devices, nil
}

func fetchInfo(ctx context.Context, ip string, timeout time.Duration) (*DeviceInfo, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	client, err := NewClient(ip, timeout)
	if err != nil {
		return nil, err
	}
	return client.DeviceInfo(ctx)
}
