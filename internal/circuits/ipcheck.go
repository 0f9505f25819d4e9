package circuits

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/net/proxy"

	"github.com/veilbrowse/torgate/internal/infrastructure/resilience"
)

const defaultCheckURL = "https://check.torproject.org/api/ip"

// ExitProbe verifies the externally visible exit IP by fetching the
// network's check endpoint through the SOCKS proxy. Failures trip a
// circuit breaker so a broken or slow probe cannot stall rotations.
type ExitProbe struct {
	client  *resty.Client
	breaker *resilience.Breaker
	url     string
}

type checkResponse struct {
	IsTor bool   `json:"IsTor"`
	IP    string `json:"IP"`
}

// NewExitProbe builds a probe routed through the SOCKS endpoint. An empty
// socksAddr skips the proxy, which only makes sense in tests.
func NewExitProbe(socksAddr string, timeout time.Duration) (*ExitProbe, error) {
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond)

	if socksAddr != "" {
		dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks dialer %s: %w", socksAddr, err)
		}
		client.SetTransport(&http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
			DisableKeepAlives: true,
		})
	}

	return &ExitProbe{
		client: client,
		url:    defaultCheckURL,
		breaker: resilience.New("exit-probe", resilience.Settings{
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c resilience.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
	}, nil
}

// Probe returns the externally visible IP and whether the check endpoint
// saw the request arrive over the anonymity network. A 200 whose body
// does not decode into an IP is a failure, not an empty success.
func (p *ExitProbe) Probe(ctx context.Context) (ip string, isTor bool, err error) {
	res, err := p.breaker.Execute(func() (interface{}, error) {
		var body checkResponse
		resp, err := p.client.R().
			SetContext(ctx).
			SetResult(&body).
			ForceContentType("application/json").
			Get(p.url)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("exit probe: status %d", resp.StatusCode())
		}
		if body.IP == "" {
			return nil, fmt.Errorf("exit probe: response carried no IP")
		}
		return body, nil
	})
	if err != nil {
		return "", false, err
	}
	body := res.(checkResponse)
	return body.IP, body.IsTor, nil
}
