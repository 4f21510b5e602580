package esc

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Transport routes requests across the cluster nodes held by its pool.
//
// Each request is retried on other nodes when a node proves unreachable,
// failing nodes are marked dead and sniffing keeps pool membership aligned
// with the live cluster. HTTP status codes are data, not errors: callers
// receive the Response for any status the node produced and the configured
// RetryOnStatus codes are the only ones treated like node failures.
type Transport struct {
	Config         TransportConfig
	ConnectionPool Pool

	seasoning  *ClusterSeasoning
	factory    ConnectionFactory
	serializer Serializer
	logger     log.Logger
	clock      clockwork.Clock

	seedConnections []Connection

	retryOnStatus  map[int]bool
	maxRetries     int
	retryOnTimeout bool

	sniffOnStart    bool
	sniffOnFail     bool
	snifferInterval time.Duration
	sniffTimeout    time.Duration

	metaHeader     string
	opaqueIDPrefix string

	sniffLock  *sync.Mutex
	startSniff sync.Once

	stateLock          *sync.Mutex
	lastSniff          time.Time
	currentDescriptors []ConnectionDescriptor
	shutdown           bool
}

// NewTransport creates hosting structure for the Transport.
func NewTransport(seasoning *ClusterSeasoning) (*Transport, error) {
	return NewTransportWithHandlers(seasoning, nil, nil)
}

// NewTransportWithHandlers creates hosting structure for the Transport with a
// caller supplied connection factory and logger.
func NewTransportWithHandlers(seasoning *ClusterSeasoning, factory ConnectionFactory, logger log.Logger) (*Transport, error) {
	return NewTransportWithClock(seasoning, factory, logger, clockwork.NewRealClock())
}

// NewTransportWithClock creates hosting structure for the Transport on a
// caller supplied clock.
func NewTransportWithClock(
	seasoning *ClusterSeasoning,
	factory ConnectionFactory,
	logger log.Logger,
	clock clockwork.Clock) (*Transport, error) {

	return newTransport(seasoning, nil, factory, logger, clock)
}

// NewTransportWithPool creates hosting structure for the Transport around a
// caller supplied pool.
func NewTransportWithPool(
	seasoning *ClusterSeasoning,
	pool Pool,
	logger log.Logger,
	clock clockwork.Clock) (*Transport, error) {

	if pool == nil {
		return nil, errors.New("transport can't be built without a pool")
	}

	return newTransport(seasoning, pool, nil, logger, clock)
}

func newTransport(
	seasoning *ClusterSeasoning,
	pool Pool,
	factory ConnectionFactory,
	logger log.Logger,
	clock clockwork.Clock) (*Transport, error) {

	if seasoning == nil {
		return nil, errors.New("transport can't be built without a cluster seasoning")
	}
	if err := seasoning.Validate(); err != nil {
		return nil, err
	}

	if factory == nil {
		factory = NewHTTPConnection
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	config := seasoning.TransportConfig
	cloud := config.CloudID != ""

	var descriptors []ConnectionDescriptor
	var seedConnections []Connection

	if pool != nil {
		seedConnections = pool.Connections()
		for _, conn := range seedConnections {
			descriptors = append(descriptors, conn.Descriptor())
		}
	} else {
		var err error
		if cloud {
			descriptor, parseErr := ParseCloudID(config.CloudID)
			if parseErr != nil {
				return nil, parseErr
			}
			descriptors = []ConnectionDescriptor{descriptor}
		} else if descriptors, err = ParseSeedURIs(seasoning.PoolConfig.Seeds); err != nil {
			return nil, err
		}

		if len(descriptors) == 0 {
			return nil, errors.New("transport can't be built without seeds or a cloud id")
		}

		for _, descriptor := range descriptors {
			seedConnections = append(seedConnections, factory(descriptor, seasoning))
		}

		if pool, err = buildPool(seasoning, seedConnections, factory, logger, clock, cloud); err != nil {
			return nil, err
		}
	}

	t := &Transport{
		Config:          *config,
		ConnectionPool:  pool,
		seasoning:       seasoning,
		factory:         factory,
		serializer:      NewJSONSerializer(),
		logger:          logger,
		clock:           clock,
		seedConnections: seedConnections,
		retryOnStatus:   make(map[int]bool, len(config.RetryOnStatus)),
		maxRetries:      int(config.MaxRetries),
		retryOnTimeout:  config.RetryOnTimeout,
		// The cloud endpoint is a load balancer, its member nodes are not
		// reachable directly so sniffing is forced off.
		sniffOnStart:       config.SniffOnStart && !cloud,
		sniffOnFail:        config.SniffOnFail && !cloud,
		snifferInterval:    time.Duration(config.SnifferInterval) * time.Second,
		sniffTimeout:       time.Duration(config.SniffTimeout) * time.Millisecond,
		opaqueIDPrefix:     config.OpaqueIDPrefix,
		sniffLock:          &sync.Mutex{},
		stateLock:          &sync.Mutex{},
		lastSniff:          clock.Now(),
		currentDescriptors: descriptors,
	}

	if cloud {
		t.snifferInterval = 0
	}

	for _, status := range config.RetryOnStatus {
		t.retryOnStatus[status] = true
	}

	if config.MetaHeader && len(seedConnections) > 0 {
		provider, _ := seedConnections[0].(ClientMetaProvider)
		t.metaHeader = buildClientMeta(provider, "")
	}

	return t, nil
}

// buildPool picks the pool flavor for a fresh transport. A single static seed
// gets the pinned pool, everything else gets full liveness bookkeeping.
func buildPool(
	seasoning *ClusterSeasoning,
	seedConnections []Connection,
	factory ConnectionFactory,
	logger log.Logger,
	clock clockwork.Clock,
	cloud bool) (Pool, error) {

	config := seasoning.TransportConfig
	sniffingEnabled := config.SniffOnStart || config.SniffOnFail || config.SnifferInterval > 0
	if cloud {
		sniffingEnabled = false
	}

	if !sniffingEnabled && len(seedConnections) == 1 {
		return NewSingleConnectionPool(seedConnections[0])
	}

	errorHandler := func(err error) {
		_ = level.Warn(logger).Log("msg", "connection pool error", "err", err)
	}

	return NewConnectionPoolWithClock(seasoning, seedConnections, factory, errorHandler, clock)
}

// PerformRequest encodes the body, picks a node and shepherds the request
// through the retry loop.
//
// Reachability failures mark the node dead and move on to another node, up to
// MaxRetries extra attempts. Timeouts only retry when RetryOnTimeout is set.
// Statuses listed in RetryOnStatus retire the node and retry, but once
// attempts run out the response is returned as-is, a status is never converted
// into an error. The reserved params request_timeout, opaque_id and
// __client_meta steer the request itself and are not forwarded to the node.
func (t *Transport) PerformRequest(
	method string,
	path string,
	params url.Values,
	body interface{},
	headers http.Header) (*Response, error) {

	if t.isShutdown() {
		return nil, ErrTransportShutdown
	}

	t.startSniff.Do(func() {
		if t.sniffOnStart {
			t.sniffBestEffort(true, "start")
		}
	})

	if t.snifferInterval > 0 && t.sniffDue() {
		t.sniffBestEffort(false, "interval")
	}

	var bodyBytes []byte
	if body != nil {
		encoded, err := t.serializer.Encode(body)
		if err != nil {
			return nil, err
		}
		bodyBytes = encoded
	}

	requestParams, requestTimeout, opaqueID, helperMeta, err := t.consumeParams(params)
	if err != nil {
		return nil, err
	}

	requestHeaders := t.buildHeaders(headers, opaqueID, helperMeta)

	attempts := t.maxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {

		conn, err := t.ConnectionPool.GetConnection()
		if err != nil {
			return nil, err
		}

		response, err := conn.PerformRequest(method, path, requestParams, bodyBytes, requestTimeout, nil, requestHeaders)
		if err != nil {
			retry := t.errorRetryable(err)
			if retry {
				t.ConnectionPool.MarkDead(conn)
				if t.sniffOnFail {
					t.sniffBestEffort(false, "connection failure")
				}
			}
			if !retry || attempt == attempts {
				return nil, err
			}
			continue
		}

		if t.retryOnStatus[response.StatusCode] {
			t.ConnectionPool.MarkDead(conn)
			if t.sniffOnFail {
				t.sniffBestEffort(false, "retryable status")
			}
			if attempt == attempts {
				return t.finishResponse(response)
			}
			continue
		}

		t.ConnectionPool.MarkLive(conn)
		return t.finishResponse(response)
	}

	return nil, ErrNoAliveConnections
}

// SniffHosts refreshes pool membership from the cluster's own node list and
// reports what went wrong when discovery fails.
func (t *Transport) SniffHosts() error {

	t.sniffLock.Lock()
	defer t.sniffLock.Unlock()

	return t.sniffHosts(false)
}

// AddConnection introduces an extra node without waiting for a sniff. Nodes
// already known are left untouched.
func (t *Transport) AddConnection(uri string) error {

	descriptor, err := ParseSeedURI(uri)
	if err != nil {
		return err
	}

	t.stateLock.Lock()
	defer t.stateLock.Unlock()

	if t.shutdown {
		return ErrTransportShutdown
	}

	if _, pinned := t.ConnectionPool.(*SingleConnectionPool); pinned {
		return errors.New("can't add a connection to a pinned single node pool")
	}

	for _, existing := range t.currentDescriptors {
		if existing.Signature() == descriptor.Signature() {
			return nil
		}
	}

	t.currentDescriptors = append(t.currentDescriptors, descriptor)
	t.ConnectionPool.SetConnections(t.currentDescriptors)

	return nil
}

// Shutdown closes the pool and every seed connection. Safe to call more than once.
func (t *Transport) Shutdown() {

	t.stateLock.Lock()
	if t.shutdown {
		t.stateLock.Unlock()
		return
	}
	t.shutdown = true
	t.stateLock.Unlock()

	t.ConnectionPool.Shutdown()

	for _, conn := range t.seedConnections {
		if err := conn.Close(); err != nil {
			_ = level.Warn(t.logger).Log("msg", "seed connection close failed", "err", err)
		}
	}
}

func (t *Transport) isShutdown() bool {

	t.stateLock.Lock()
	defer t.stateLock.Unlock()

	return t.shutdown
}

func (t *Transport) sniffDue() bool {

	t.stateLock.Lock()
	defer t.stateLock.Unlock()

	return t.clock.Now().Sub(t.lastSniff) >= t.snifferInterval
}

// sniffBestEffort runs a sniff without failing the caller's request. Another
// in-flight sniff satisfies the refresh, failures are logged and swallowed.
func (t *Transport) sniffBestEffort(initial bool, reason string) {

	if !t.sniffLock.TryLock() {
		return
	}
	defer t.sniffLock.Unlock()

	if err := t.sniffHosts(initial); err != nil {
		_ = level.Warn(t.logger).Log("msg", "sniff failed", "reason", reason, "err", err)
	}
}

// sniffHosts performs one discovery round. Callers hold sniffLock.
func (t *Transport) sniffHosts(initial bool) error {

	t.stateLock.Lock()
	if t.shutdown {
		t.stateLock.Unlock()
		return ErrTransportShutdown
	}
	previousSniff := t.lastSniff
	t.lastSniff = t.clock.Now()
	t.stateLock.Unlock()

	nodesInfo, err := t.fetchNodesInfo(initial)
	if err != nil {
		t.stateLock.Lock()
		t.lastSniff = previousSniff
		t.stateLock.Unlock()
		return err
	}

	descriptors := DescriptorsFromNodesInfo(nodesInfo, t.descriptorTemplate())
	if len(descriptors) == 0 {
		return ErrSniffNoHosts
	}

	t.ConnectionPool.SetConnections(descriptors)

	t.stateLock.Lock()
	t.currentDescriptors = descriptors
	t.stateLock.Unlock()

	return nil
}

// fetchNodesInfo asks nodes for the cluster's member list, trying pool
// connections first and falling back to the original seeds. The start sniff
// runs on the connection's own default timeout, later sniffs use the much
// shorter SniffTimeout so a dying node can't stall the request that
// triggered the refresh.
func (t *Transport) fetchNodesInfo(initial bool) (*NodesInfo, error) {

	timeout := t.sniffTimeout
	if initial {
		timeout = 0
	}

	for _, conn := range t.sniffCandidates() {
		response, err := conn.PerformRequest(http.MethodGet, "/_nodes/_all/http", nil, nil, timeout, nil, nil)
		if err != nil || response.StatusCode != http.StatusOK {
			continue
		}

		nodesInfo, err := ParseNodeInfo(response.RawBody)
		if err != nil {
			continue
		}

		return nodesInfo, nil
	}

	return nil, ErrSniffFailed
}

func (t *Transport) sniffCandidates() []Connection {

	poolConnections := t.ConnectionPool.Connections()
	candidates := make([]Connection, 0, len(poolConnections)+len(t.seedConnections))
	seen := make(map[string]bool, cap(candidates))

	for _, conn := range poolConnections {
		if seen[conn.Signature()] {
			continue
		}
		seen[conn.Signature()] = true
		candidates = append(candidates, conn)
	}

	for _, conn := range t.seedConnections {
		if seen[conn.Signature()] {
			continue
		}
		seen[conn.Signature()] = true
		candidates = append(candidates, conn)
	}

	return candidates
}

// descriptorTemplate seeds the scheme, credentials and url prefix sniffed
// nodes inherit, since the cluster only reports host and port.
func (t *Transport) descriptorTemplate() ConnectionDescriptor {

	template := t.seedConnections[0].Descriptor()
	return ConnectionDescriptor{
		Scheme:    template.Scheme,
		Username:  template.Username,
		Password:  template.Password,
		URLPrefix: template.URLPrefix,
	}
}

// consumeParams copies the caller's params and pops the reserved ones.
func (t *Transport) consumeParams(params url.Values) (url.Values, time.Duration, string, string, error) {

	if params == nil {
		return nil, 0, "", "", nil
	}

	filtered := make(url.Values, len(params))
	for key, values := range params {
		filtered[key] = append([]string(nil), values...)
	}

	var timeout time.Duration
	if raw := filtered.Get("request_timeout"); raw != "" {
		parsed, err := parseTimeoutValue(raw)
		if err != nil {
			return nil, 0, "", "", err
		}
		timeout = parsed
	}
	filtered.Del("request_timeout")

	opaqueID := filtered.Get("opaque_id")
	filtered.Del("opaque_id")

	helperMeta := filtered.Get("__client_meta")
	filtered.Del("__client_meta")

	if len(filtered) == 0 {
		filtered = nil
	}

	return filtered, timeout, opaqueID, helperMeta, nil
}

// parseTimeoutValue accepts a Go duration string or a float number of seconds.
func parseTimeoutValue(raw string) (time.Duration, error) {

	if duration, err := time.ParseDuration(raw); err == nil {
		return duration, nil
	}

	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("request_timeout %q is not a duration or a number of seconds", raw)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

// buildHeaders merges transport headers under the caller's. A meta or opaque
// id header supplied by the caller is never overwritten.
func (t *Transport) buildHeaders(headers http.Header, opaqueID string, helperMeta string) http.Header {

	built := make(http.Header, len(headers)+2)
	for key, values := range headers {
		built[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}

	if t.metaHeader != "" && built.Get(MetaHeaderName) == "" {
		value := t.metaHeader
		if helperMeta != "" {
			value += "," + helperMeta
		}
		built.Set(MetaHeaderName, value)
	}

	if built.Get("X-Opaque-Id") == "" {
		switch {
		case opaqueID != "":
			built.Set("X-Opaque-Id", opaqueID)
		case t.opaqueIDPrefix != "":
			built.Set("X-Opaque-Id", t.opaqueIDPrefix+uuid.NewString())
		}
	}

	if len(built) == 0 {
		return nil
	}

	return built
}

// errorRetryable decides whether a request error warrants retiring the node
// and trying another. Timeouts are checked first since they carry the
// reachability error type underneath.
func (t *Transport) errorRetryable(err error) bool {

	if IsTimeout(err) {
		return t.retryOnTimeout
	}

	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// finishResponse decodes the response body by content type.
func (t *Transport) finishResponse(response *Response) (*Response, error) {

	if len(response.RawBody) == 0 {
		return response, nil
	}

	decoded, err := t.serializer.Decode(response.Header.Get("Content-Type"), response.RawBody)
	if err != nil {
		return nil, err
	}

	response.Body = decoded
	return response, nil
}
