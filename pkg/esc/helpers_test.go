package esc_test

import (
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/houseofcat/escargot/pkg/esc"
)

// testSeasoning builds a seasoning with deterministic ordering for tests.
func testSeasoning(seeds ...string) *esc.ClusterSeasoning {

	seasoning := esc.DefaultClusterSeasoning()
	seasoning.PoolConfig.Seeds = seeds
	seasoning.PoolConfig.RandomizeHosts = false

	return seasoning
}

// okJSON builds a 200 response carrying a JSON body.
func okJSON(body string) *esc.Response {

	header := http.Header{}
	header.Set("Content-Type", "application/json")

	return &esc.Response{StatusCode: http.StatusOK, Header: header, RawBody: []byte(body)}
}

// statusJSON builds a response with an arbitrary status carrying a JSON body.
func statusJSON(status int, body string) *esc.Response {

	header := http.Header{}
	header.Set("Content-Type", "application/json")

	return &esc.Response{StatusCode: status, Header: header, RawBody: []byte(body)}
}

func connErrorOn(node string) error {
	return &esc.ConnectionError{Node: node, Op: "GET /", Err: errors.New("dial tcp: connection refused")}
}

func timeoutErrorOn(node string) error {
	return &esc.ConnectionTimeoutError{
		ConnectionError: esc.ConnectionError{Node: node, Op: "GET /", Err: errors.New("context deadline exceeded")},
	}
}

// mockResult scripts one PerformRequest outcome.
type mockResult struct {
	response *esc.Response
	err      error
}

// mockCall records the arguments of one PerformRequest.
type mockCall struct {
	Method  string
	Path    string
	Params  url.Values
	Body    []byte
	Timeout time.Duration
	Headers http.Header
}

// mockConnection is a scripted Connection. Results are consumed in order and
// the last one repeats, an unscripted connection answers 200 with an empty
// JSON object.
type mockConnection struct {
	descriptor esc.ConnectionDescriptor

	lock    sync.Mutex
	results []mockResult
	calls   []mockCall
	closed  bool

	handler func(call mockCall) (*esc.Response, error)
}

func newMockConnection(host string, port int) *mockConnection {
	return &mockConnection{
		descriptor: esc.ConnectionDescriptor{Scheme: "http", Host: host, Port: port},
	}
}

func (mc *mockConnection) queue(response *esc.Response, err error) *mockConnection {
	mc.lock.Lock()
	defer mc.lock.Unlock()

	mc.results = append(mc.results, mockResult{response: response, err: err})
	return mc
}

func (mc *mockConnection) PerformRequest(
	method string,
	path string,
	params url.Values,
	body []byte,
	timeout time.Duration,
	errorOn []int,
	headers http.Header) (*esc.Response, error) {

	mc.lock.Lock()

	call := mockCall{Method: method, Path: path, Params: params, Body: body, Timeout: timeout, Headers: headers}
	mc.calls = append(mc.calls, call)

	if mc.handler != nil {
		handler := mc.handler
		mc.lock.Unlock()
		return handler(call)
	}

	if len(mc.results) == 0 {
		mc.lock.Unlock()
		return okJSON(`{}`), nil
	}

	result := mc.results[0]
	if len(mc.results) > 1 {
		mc.results = mc.results[1:]
	}
	mc.lock.Unlock()

	return result.response, result.err
}

func (mc *mockConnection) Descriptor() esc.ConnectionDescriptor {
	return mc.descriptor
}

func (mc *mockConnection) Signature() string {
	return mc.descriptor.Signature()
}

func (mc *mockConnection) Close() error {
	mc.lock.Lock()
	defer mc.lock.Unlock()

	mc.closed = true
	return nil
}

func (mc *mockConnection) callCount() int {
	mc.lock.Lock()
	defer mc.lock.Unlock()

	return len(mc.calls)
}

func (mc *mockConnection) call(i int) mockCall {
	mc.lock.Lock()
	defer mc.lock.Unlock()

	return mc.calls[i]
}

func (mc *mockConnection) lastCall() mockCall {
	mc.lock.Lock()
	defer mc.lock.Unlock()

	return mc.calls[len(mc.calls)-1]
}

func (mc *mockConnection) isClosed() bool {
	mc.lock.Lock()
	defer mc.lock.Unlock()

	return mc.closed
}

// mockFactory builds mockConnections and remembers them by signature so tests
// can reach the instances a pool or transport created internally.
type mockFactory struct {
	lock    sync.Mutex
	created map[string]*mockConnection
	scripts func(mc *mockConnection)
}

func newMockFactory() *mockFactory {
	return &mockFactory{created: make(map[string]*mockConnection)}
}

func (mf *mockFactory) factory() esc.ConnectionFactory {

	return func(descriptor esc.ConnectionDescriptor, seasoning *esc.ClusterSeasoning) esc.Connection {
		mf.lock.Lock()
		defer mf.lock.Unlock()

		mc := &mockConnection{descriptor: descriptor}
		if mf.scripts != nil {
			mf.scripts(mc)
		}

		mf.created[descriptor.Signature()] = mc
		return mc
	}
}

func (mf *mockFactory) get(signature string) *mockConnection {
	mf.lock.Lock()
	defer mf.lock.Unlock()

	return mf.created[signature]
}

func (mf *mockFactory) count() int {
	mf.lock.Lock()
	defer mf.lock.Unlock()

	return len(mf.created)
}
