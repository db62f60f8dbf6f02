package egress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultEchoEndpoints are the "what is my IP" services tried, in order, by
// the exit-address probe.
var DefaultEchoEndpoints = []string{
	"https://check.torproject.org/api/ip",
	"https://api.ipify.org?format=json",
	"https://icanhazip.com",
}

// Prober verifies that an instance's SOCKS port provides working egress by
// fetching an echo endpoint through it and extracting the exit address from
// the response.
type Prober struct {
	// Endpoints are tried in order until one succeeds or all fail.
	Endpoints []string

	// Timeout bounds each individual endpoint attempt.
	Timeout time.Duration
}

// NewProber returns a prober with the default endpoints and the given
// per-attempt timeout.
func NewProber(timeout time.Duration) *Prober {
	return &Prober{
		Endpoints: DefaultEchoEndpoints,
		Timeout:   timeout,
	}
}

// ExitAddress fetches an echo endpoint through the SOCKS proxy at socksAddr
// and returns the exit address it reports. Ordinary network failure is
// returned as an error; callers treat it as a failed check, not a fault.
func (p *Prober) ExitAddress(socksAddr string) (string, error) {
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		return "", fmt.Errorf("unable to build socks dialer: %w", err)
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network,
			addr string) (net.Conn, error) {

			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		},
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   p.Timeout,
	}

	var lastErr error
	for _, endpoint := range p.Endpoints {
		addr, err := fetchEchoAddress(client, endpoint)
		if err != nil {
			log.Tracef("Echo endpoint %v via %v failed: %v",
				endpoint, socksAddr, err)
			lastErr = err
			continue
		}

		return addr, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no echo endpoints configured")
	}

	return "", fmt.Errorf("all echo endpoints failed: %w", lastErr)
}

// fetchEchoAddress performs a single echo request and parses the address
// from the response body.
func fetchEchoAddress(client *http.Client, endpoint string) (string, error) {
	resp, err := client.Get(endpoint)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %v from %v", resp.StatusCode,
			endpoint)
	}

	// Echo responses are tiny; cap the read defensively anyway.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}

	return parseEchoBody(body)
}

// parseEchoBody extracts an IP address from an echo response, which is
// either a bare address in plain text or a JSON object with an "ip" or
// "origin" field.
func parseEchoBody(body []byte) (string, error) {
	text := strings.TrimSpace(string(body))

	if strings.HasPrefix(text, "{") {
		var fields struct {
			IP     string `json:"ip"`
			Origin string `json:"origin"`
		}
		if err := json.Unmarshal(body, &fields); err != nil {
			return "", fmt.Errorf("malformed echo response: %w",
				err)
		}

		if fields.IP != "" {
			text = fields.IP
		} else {
			text = fields.Origin
		}
	}

	if net.ParseIP(text) == nil {
		return "", fmt.Errorf("no address in echo response %q", text)
	}

	return text, nil
}
