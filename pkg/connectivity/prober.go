package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/proxy"
)

// Prober checks whether the network is reachable. A nil error means online.
type Prober interface {
	Name() string
	Probe(ctx context.Context) error
}

var (
	_ Prober = (*DNSProber)(nil)
	_ Prober = (*HTTPProber)(nil)
	_ Prober = (*DialProber)(nil)
	_ Prober = AnyProber(nil)
)

// DNSProber sends one query to a resolver. Any answer other than SERVFAIL
// counts as reachable, NXDOMAIN included.
type DNSProber struct {
	// Server is a host:port. Default is 1.1.1.1:53.
	Server string

	// Net is "udp" or "tcp". Default is udp.
	Net string

	// Question is the queried name. Default is the root zone, type NS.
	Question string
	Qtype    uint16
}

func (p *DNSProber) Name() string {
	return "dns:" + p.server()
}

func (p *DNSProber) server() string {
	if len(p.Server) == 0 {
		return "1.1.1.1:53"
	}
	return p.Server
}

func (p *DNSProber) Probe(ctx context.Context) error {
	q := new(dns.Msg)
	name := p.Question
	if len(name) == 0 {
		name = "."
	}
	qtype := p.Qtype
	if qtype == 0 {
		qtype = dns.TypeNS
	}
	q.SetQuestion(dns.Fqdn(name), qtype)
	q.RecursionDesired = true

	c := &dns.Client{Net: p.Net}
	r, _, err := c.ExchangeContext(ctx, q, p.server())
	if err != nil {
		return err
	}
	if r.Rcode == dns.RcodeServerFailure {
		return fmt.Errorf("dns probe: %s", dns.RcodeToString[r.Rcode])
	}
	return nil
}

// HTTPProber requests a URL. Status codes below 400 are success.
type HTTPProber struct {
	URL string

	// Method defaults to HEAD.
	Method string

	// Client defaults to http.DefaultClient. Its redirects are not
	// followed.
	Client *http.Client
}

func (p *HTTPProber) Name() string {
	return "http:" + p.URL
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	method := p.Method
	if len(method) == 0 {
		method = http.MethodHead
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
	if err != nil {
		return err
	}

	c := p.Client
	if c == nil {
		c = http.DefaultClient
	}
	noRedirect := *c
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http probe: status %d", resp.StatusCode)
	}
	return nil
}

// DialProber opens and closes a connection to Addr.
type DialProber struct {
	Addr string

	// Network defaults to tcp.
	Network string

	// Socks5 is an optional host:port of a SOCKS5 proxy the dial goes
	// through.
	Socks5 string
}

func (p *DialProber) Name() string {
	if len(p.Socks5) > 0 {
		return "dial:" + p.Addr + " via socks5:" + p.Socks5
	}
	return "dial:" + p.Addr
}

func (p *DialProber) Probe(ctx context.Context) error {
	network := p.Network
	if len(network) == 0 {
		network = "tcp"
	}

	var (
		conn net.Conn
		err  error
	)
	if len(p.Socks5) > 0 {
		var d proxy.Dialer
		d, err = proxy.SOCKS5("tcp", p.Socks5, nil, proxy.Direct)
		if err != nil {
			return err
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return errors.New("socks5 dialer does not support context")
		}
		conn, err = cd.DialContext(ctx, network, p.Addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, network, p.Addr)
	}
	if err != nil {
		return err
	}
	return conn.Close()
}

// AnyProber is online if any of its probers is. Probers run in parallel
// and the first success wins.
type AnyProber []Prober

func (a AnyProber) Name() string {
	names := make([]string, 0, len(a))
	for _, p := range a {
		names = append(names, p.Name())
	}
	return "any(" + strings.Join(names, ",") + ")"
}

func (a AnyProber) Probe(ctx context.Context) error {
	if len(a) == 0 {
		return errors.New("no prober configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(a))
	for _, p := range a {
		go func(p Prober) {
			err := p.Probe(ctx)
			if err != nil {
				err = fmt.Errorf("%s: %w", p.Name(), err)
			}
			errs <- err
		}(p)
	}

	var all []error
	for range a {
		err := <-errs
		if err == nil {
			return nil
		}
		all = append(all, err)
	}
	return errors.Join(all...)
}
