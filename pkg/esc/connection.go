package esc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConnectionDescriptor identifies a single cluster node endpoint.
// Descriptors are values and two descriptors with the same Signature address the same node.
type ConnectionDescriptor struct {
	Scheme    string
	Host      string
	Port      int
	Username  string
	Password  string
	URLPrefix string
}

// ParseSeedURI converts a seed uri string into a ConnectionDescriptor.
// Bare hosts get scheme http and port 9200, https uris default to port 443.
func ParseSeedURI(raw string) (ConnectionDescriptor, error) {

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ConnectionDescriptor{}, errors.New("can't parse an empty seed uri")
	}

	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return ConnectionDescriptor{}, fmt.Errorf("invalid seed uri %q: %w", raw, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return ConnectionDescriptor{}, fmt.Errorf("unsupported scheme %q in seed uri %q", scheme, raw)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return ConnectionDescriptor{}, fmt.Errorf("missing host in seed uri %q", raw)
	}

	port := 9200
	if scheme == "https" {
		port = 443
	}
	if portValue := parsed.Port(); portValue != "" {
		port, err = strconv.Atoi(portValue)
		if err != nil {
			return ConnectionDescriptor{}, fmt.Errorf("invalid port in seed uri %q: %w", raw, err)
		}
	}

	descriptor := ConnectionDescriptor{
		Scheme: scheme,
		Host:   host,
		Port:   port,
	}

	if parsed.User != nil {
		descriptor.Username = parsed.User.Username()
		descriptor.Password, _ = parsed.User.Password()
	}

	if prefix := strings.TrimSuffix(parsed.Path, "/"); prefix != "" {
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		descriptor.URLPrefix = prefix
	}

	return descriptor, nil
}

// ParseSeedURIs converts seed uri strings into ConnectionDescriptors, deduplicated by Signature.
func ParseSeedURIs(raws []string) ([]ConnectionDescriptor, error) {

	descriptors := make([]ConnectionDescriptor, 0, len(raws))
	seen := make(map[string]bool)

	for _, raw := range raws {
		descriptor, err := ParseSeedURI(raw)
		if err != nil {
			return nil, err
		}
		if seen[descriptor.Signature()] {
			continue
		}
		seen[descriptor.Signature()] = true
		descriptors = append(descriptors, descriptor)
	}

	return descriptors, nil
}

// Signature yields the canonical identity string of the node this descriptor addresses.
func (cd ConnectionDescriptor) Signature() string {
	return cd.Scheme + "://" + net.JoinHostPort(cd.Host, strconv.Itoa(cd.Port)) + cd.URLPrefix
}

// String allows you to quickly log the descriptor.
func (cd ConnectionDescriptor) String() string {
	return cd.Signature()
}

// Response is the outcome of one dispatched request.
// RawBody always holds the bytes that came off the wire, Body holds the transport-decoded value.
type Response struct {
	StatusCode int
	Header     http.Header
	RawBody    []byte
	Body       interface{}
	Duration   time.Duration
}

// Connection performs requests against exactly one cluster node.
type Connection interface {
	PerformRequest(method string, path string, params url.Values, body []byte, timeout time.Duration, errorOn []int, headers http.Header) (*Response, error)
	Descriptor() ConnectionDescriptor
	Signature() string
	Close() error
}

// ConnectionFactory builds the Connection for a node. Swap it out to change the
// transport mechanics or to inject test doubles.
type ConnectionFactory func(descriptor ConnectionDescriptor, seasoning *ClusterSeasoning) Connection

// HTTPConnection is the default Connection and speaks HTTP(S) over net/http.
type HTTPConnection struct {
	descriptor ConnectionDescriptor
	signature  string

	client         *http.Client
	requestTimeout time.Duration
	compression    *CompressionConfig

	username string
	password string
	apiKey   string
}

// NewHTTPConnection creates a Connection for one node endpoint. This is the default ConnectionFactory.
func NewHTTPConnection(descriptor ConnectionDescriptor, seasoning *ClusterSeasoning) Connection {
	return NewHTTPConnectionWithClient(descriptor, seasoning, &http.Client{})
}

// NewHTTPConnectionWithClient creates a Connection on top of the supplied http.Client.
// Use this to share one client between connections or to install a mock transport.
func NewHTTPConnectionWithClient(descriptor ConnectionDescriptor, seasoning *ClusterSeasoning, client *http.Client) Connection {

	hc := &HTTPConnection{
		descriptor: descriptor,
		signature:  descriptor.Signature(),
		client:     client,
		username:   descriptor.Username,
		password:   descriptor.Password,
	}

	if seasoning != nil {
		hc.compression = seasoning.CompressionConfig
		if seasoning.TransportConfig != nil {
			hc.requestTimeout = time.Duration(seasoning.TransportConfig.RequestTimeout) * time.Second
			hc.apiKey = seasoning.TransportConfig.APIKey
			if hc.username == "" {
				hc.username = seasoning.TransportConfig.Username
				hc.password = seasoning.TransportConfig.Password
			}
		}
	}

	return hc
}

// PerformRequest issues exactly one HTTP round trip against this node.
//
// Any HTTP status yields a normal Response. Statuses listed in errorOn are the
// exception and come back as HTTPStatusError. Failures that never produced a
// response come back as ConnectionError, timeouts as ConnectionTimeoutError.
// A zero timeout applies the configured default, a negative one disables it.
func (hc *HTTPConnection) PerformRequest(
	method string,
	path string,
	params url.Values,
	body []byte,
	timeout time.Duration,
	errorOn []int,
	headers http.Header) (*Response, error) {

	if timeout == 0 {
		timeout = hc.requestTimeout
	}

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload := body
	contentEncoding := ""
	if len(payload) > 0 && hc.compression != nil && hc.compression.Enabled {
		buffer := &bytes.Buffer{}
		if err := handleCompression(hc.compression, payload, buffer); err != nil {
			return nil, err
		}
		payload = buffer.Bytes()
		contentEncoding = hc.compression.ContentEncoding()
	}

	var bodyReader io.Reader
	if len(payload) > 0 {
		bodyReader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, method, hc.requestURL(path, params), bodyReader)
	if err != nil {
		return nil, &ConnectionError{Node: hc.signature, Op: method + " " + path, Err: err}
	}

	hc.applyHeaders(request, headers, contentEncoding, len(payload) > 0)

	start := time.Now()
	response, err := hc.client.Do(request)
	if err != nil {
		return nil, hc.wrapTransportError(method, path, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, hc.wrapTransportError(method, path, err)
	}

	// We ask for gzip explicitly, so the standard library no longer unwraps it for us.
	if compression := responseCompression(response.Header.Get("Content-Encoding")); len(raw) > 0 && compression != nil {
		buffer := bytes.NewBuffer(raw)
		if err := handleDecompression(compression, buffer); err != nil {
			return nil, &ConnectionError{Node: hc.signature, Op: method + " " + path, Err: err}
		}
		raw = buffer.Bytes()
	}

	for _, status := range errorOn {
		if response.StatusCode == status {
			return nil, &HTTPStatusError{Node: hc.signature, StatusCode: response.StatusCode, Body: raw}
		}
	}

	return &Response{
		StatusCode: response.StatusCode,
		Header:     response.Header,
		RawBody:    raw,
		Duration:   time.Since(start),
	}, nil
}

// Descriptor yields the endpoint this connection talks to.
func (hc *HTTPConnection) Descriptor() ConnectionDescriptor {
	return hc.descriptor
}

// Signature yields the canonical identity string of the node.
func (hc *HTTPConnection) Signature() string {
	return hc.signature
}

// String allows you to quickly log the connection.
func (hc *HTTPConnection) String() string {
	return fmt.Sprintf("<HTTPConnection: %s>", hc.signature)
}

// HTTPClientMeta yields this connection type's tag for the client meta header.
func (hc *HTTPConnection) HTTPClientMeta() (string, string) {
	return "hc", Version
}

// Close releases any idle sockets held for this node.
func (hc *HTTPConnection) Close() error {
	hc.client.CloseIdleConnections()
	return nil
}

func (hc *HTTPConnection) requestURL(path string, params url.Values) string {

	target := url.URL{
		Scheme: hc.descriptor.Scheme,
		Host:   net.JoinHostPort(hc.descriptor.Host, strconv.Itoa(hc.descriptor.Port)),
		Path:   hc.descriptor.URLPrefix + path,
	}

	if len(params) > 0 {
		target.RawQuery = params.Encode()
	}

	return target.String()
}

func (hc *HTTPConnection) applyHeaders(request *http.Request, headers http.Header, contentEncoding string, hasBody bool) {

	request.Header.Set("User-Agent", "escargot/"+Version)

	if hasBody {
		request.Header.Set("Content-Type", "application/json")
	}
	if contentEncoding != "" {
		request.Header.Set("Content-Encoding", contentEncoding)
	}
	if hc.compression != nil && hc.compression.Enabled {
		request.Header.Set("Accept-Encoding", GzipCompressionType)
	}

	// Caller headers override the defaults wholesale.
	for key, values := range headers {
		request.Header[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}

	if request.Header.Get("Authorization") == "" {
		if hc.apiKey != "" {
			request.Header.Set("Authorization", "ApiKey "+hc.apiKey)
		} else if hc.username != "" {
			request.SetBasicAuth(hc.username, hc.password)
		}
	}
}

func responseCompression(contentEncoding string) *CompressionConfig {

	switch {
	case strings.Contains(contentEncoding, ZstdCompressionType):
		return &CompressionConfig{Type: ZstdCompressionType}
	case strings.Contains(contentEncoding, GzipCompressionType):
		return &CompressionConfig{Type: GzipCompressionType}
	default:
		return nil
	}
}

func (hc *HTTPConnection) wrapTransportError(method string, path string, err error) error {

	op := method + " " + path
	if isTimeoutError(err) {
		return &ConnectionTimeoutError{ConnectionError{Node: hc.signature, Op: op, Err: err}}
	}

	return &ConnectionError{Node: hc.signature, Op: op, Err: err}
}

func isTimeoutError(err error) bool {

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
