package http_forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"github.com/pmkol/resync/coremain"
	"github.com/pmkol/resync/pkg/codec"
	"github.com/pmkol/resync/pkg/offline_sync"
	"github.com/pmkol/resync/pkg/retry"
	"github.com/pmkol/resync/pkg/utils"
)

const PluginType = "http_forward"

func init() {
	coremain.RegNewPluginFunc(PluginType, Init, func() any { return new(Args) })
}

const maxDrainSize = 64 * 1024

type Args struct {
	// URL is the endpoint. With Raw, request paths are resolved against it.
	URL string `yaml:"url" validate:"required,http_url"`

	// Method defaults to POST. Ignored with Raw.
	Method string `yaml:"method"`

	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`

	// Timeout of one request. Default is 10s.
	Timeout time.Duration `yaml:"timeout"`

	// Raw treats the payload as a request description. See rawRequest.
	Raw bool `yaml:"raw"`

	// Socks5 is an optional host:port of a SOCKS5 proxy.
	Socks5 string `yaml:"socks5"`
}

func (a *Args) init() {
	utils.SetDefaultString(&a.Method, http.MethodPost)
	utils.SetDefaultNum(&a.Timeout, 10*time.Second)
	a.Method = strings.ToUpper(a.Method)
}

// rawRequest is the payload of a Raw forwarder.
type rawRequest struct {
	Method  string            `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
}

// StatusError is a response status the forwarder does not retry.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

var _ coremain.ExecutorPlugin = (*httpForward)(nil)

type httpForward struct {
	*coremain.BP
	args     *Args
	endpoint *url.URL
	client   *http.Client
	codec    codec.Codec
}

func Init(bp *coremain.BP, args any) (coremain.Plugin, error) {
	return newHTTPForward(bp, args.(*Args))
}

func newHTTPForward(bp *coremain.BP, args *Args) (*httpForward, error) {
	args.init()
	u, err := url.Parse(args.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url, %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if len(args.Socks5) > 0 {
		d, err := proxy.SOCKS5("tcp", args.Socks5, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to init socks5 dialer, %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support context")
		}
		transport.Proxy = nil
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return cd.DialContext(ctx, network, addr)
		}
	}

	return &httpForward{
		BP:       bp,
		args:     args,
		endpoint: u,
		client: &http.Client{
			Transport: transport,
			Timeout:   args.Timeout,
		},
		codec: codec.JSON{},
	}, nil
}

func (h *httpForward) Execute(ctx context.Context, p offline_sync.Payload) error {
	method := h.args.Method
	target := h.endpoint
	var (
		headers map[string]string
		body    any = p
	)
	if h.args.Raw {
		var rr rawRequest
		if err := p.Decode(&rr); err != nil {
			return err
		}
		ref, err := url.Parse(rr.Path)
		if err != nil {
			return &offline_sync.PayloadError{Err: fmt.Errorf("invalid path, %w", err)}
		}
		method, target, headers, body = rr.Method, h.endpoint.ResolveReference(ref), rr.Headers, rr.Body
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := h.codec.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), bodyReader)
	if err != nil {
		return err
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range h.args.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if op, ok := offline_sync.OperationFromContext(ctx); ok {
		req.Header.Set("Idempotency-Key", op.ID)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return &retry.TransientNetworkError{Op: h.Tag(), Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainSize))
	_ = resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		h.L().Debug("operation forwarded",
			zap.String("method", method),
			zap.Stringer("url", target),
			zap.Int("status", code))
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return &retry.TransientNetworkError{Op: h.Tag(), Err: &StatusError{Code: code}}
	default:
		return &StatusError{Code: code}
	}
}

func (h *httpForward) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
