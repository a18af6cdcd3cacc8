// Package transport executes the outbound HTTP calls that back the
// make_named_request and general_retrieve_tls_certificate_with_sni host
// functions (spec §4.4.5, §6), matching the reference header-precedence
// and certificate-capture semantics exactly.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/plaid-run/plaid/internal/domain"
)

// ErrTimeout is returned when a dispatched request exceeds its timeout,
// surfaced to the guest as domain.ErrTimeoutElapsed.
var ErrTimeout = errors.New("transport: request timed out")

// maxResponseBody bounds how much of a named request's response body is
// read into memory before being handed back across the guest ABI.
const maxResponseBody = 10 << 20

// Response is the result of a dispatched NamedRequest, carrying only the
// fields the request's return_* flags asked for (spec §4.4.5 step 8).
type Response struct {
	Code    int
	HasCode bool
	Body    []byte
	HasBody bool
	Certs   []string // PEM-encoded chain, leaf first
	HasCert bool
}

// Dispatcher executes outbound NamedRequest calls on behalf of guest
// modules. It keeps one default client for the common case and builds a
// specialized client only when a request's configuration requires one
// (spec §4.4.5 step 7).
type Dispatcher struct {
	Default *http.Client
}

// NewDispatcher builds a Dispatcher with the default 5s timeout.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{Default: &http.Client{Timeout: 5 * time.Second}}
}

func substitute(uri string, vars map[string]string) string {
	out := uri
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// Dispatch merges dynamicHeaders under nr's static headers (static wins,
// spec §4.4.5 step 4), substitutes {var} placeholders in the URI,
// executes the request, and builds a Response per nr's return_* flags.
func (d *Dispatcher) Dispatch(ctx context.Context, nr domain.NamedRequest, body string, variables, dynamicHeaders map[string]string) (*Response, error) {
	if !nr.Verb.Valid() {
		return nil, fmt.Errorf("transport: invalid verb %q", nr.Verb)
	}

	uri := substitute(nr.URI, variables)
	headers := domain.MergeHeaders(dynamicHeaders, nr.StaticHeaders)

	reqBody := body
	if nr.StaticBody != nil {
		reqBody = *nr.StaticBody
	}

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(string(nr.Verb)), uri, strings.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	client, capture := d.clientFor(nr)
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("transport: request failed: %w", err)
	}
	defer resp.Body.Close()

	out := &Response{}
	if nr.ReturnCode {
		out.Code, out.HasCode = resp.StatusCode, true
	}
	if nr.ReturnBody {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		out.Body, out.HasBody = b, true
	} else {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	}
	if nr.ReturnCert && capture != nil {
		out.Certs, out.HasCert = capture.chainPEM(), true
	}
	return out, nil
}

// clientFor returns d.Default unless nr needs a specialized client: a
// custom timeout, a custom root CA, redirects enabled, or certificate
// capture (spec §4.4.5 step 7).
func (d *Dispatcher) clientFor(nr domain.NamedRequest) (*http.Client, *certCapture) {
	if nr.Timeout == 0 && len(nr.RootCA) == 0 && !nr.AllowRedirects && !nr.CaptureCerts {
		return d.Default, nil
	}

	timeout := d.Default.Timeout
	if nr.Timeout > 0 {
		timeout = nr.Timeout
	}

	tlsCfg := &tls.Config{}
	var capture *certCapture
	if nr.CaptureCerts {
		capture = &certCapture{}
		// Go's built-in verification (chain and hostname) still runs; the
		// callback only records the chain the peer presented.
		tlsCfg.RootCAs = systemOrCustomPool(nr.RootCA)
		tlsCfg.VerifyPeerCertificate = capture.captureOnly()
	} else if len(nr.RootCA) > 0 {
		tlsCfg.RootCAs = systemOrCustomPool(nr.RootCA)
	}

	rt := &http.Transport{TLSClientConfig: tlsCfg}
	client := &http.Client{Timeout: timeout, Transport: rt}
	if !nr.AllowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client, capture
}

func systemOrCustomPool(rootCA []byte) *x509.CertPool {
	if len(rootCA) == 0 {
		if pool, err := x509.SystemCertPool(); err == nil && pool != nil {
			return pool
		}
		return x509.NewCertPool()
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(rootCA)
	return pool
}

// certCapture records the peer certificate chain observed during a TLS
// handshake without otherwise altering verification (spec §4.4.5 step 7).
type certCapture struct {
	chain [][]byte
}

func (c *certCapture) verify(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		c.chain = rawCerts
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("transport: parse peer certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		if len(certs) == 0 {
			return errors.New("transport: no peer certificates presented")
		}
		opts := x509.VerifyOptions{Roots: pool, Intermediates: x509.NewCertPool()}
		for _, intermediate := range certs[1:] {
			opts.Intermediates.AddCert(intermediate)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
}

// captureOnly records the presented chain without validating it itself.
// Named requests with certificate capture install it alongside Go's normal
// verification; RetrieveCertificateWithSNI, an inspection tool rather than
// a trust decision, uses it on its own.
func (c *certCapture) captureOnly() func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		c.chain = rawCerts
		return nil
	}
}

func (c *certCapture) chainPEM() []string {
	out := make([]string, 0, len(c.chain))
	for _, raw := range c.chain {
		out = append(out, string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: raw})))
	}
	return out
}

// RetrieveCertificateWithSNI dials hostport over TLS using sni as the
// ClientHello server name and returns the peer's certificate chain as PEM,
// backing general_retrieve_tls_certificate_with_sni (spec §6).
func RetrieveCertificateWithSNI(ctx context.Context, hostport, sni string) ([]string, error) {
	capture := &certCapture{}
	cfg := &tls.Config{
		ServerName:            sni,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: capture.captureOnly(),
	}
	dialer := &tls.Dialer{Config: cfg}
	conn, err := dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", hostport, err)
	}
	defer conn.Close()
	return capture.chainPEM(), nil
}
