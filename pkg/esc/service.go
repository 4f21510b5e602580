package esc

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// SearchService is the struct for containing all you need for cluster access.
type SearchService struct {
	config               *ClusterSeasoning
	monitorSleepInterval time.Duration

	*Transport
	*BulkPublisher

	shutdownSignal chan struct{}
	centralErr     chan error

	scrollers   map[string]*Scroller
	serviceLock *sync.Mutex
}

// NewSearchService creates everything you need for talking to a cluster.
func NewSearchService(
	config *ClusterSeasoning,
	processBulkReceipts func(*BulkReceipt),
	processError func(error)) (*SearchService, error) {

	transport, err := NewTransport(config)
	if err != nil {
		return nil, err
	}

	return NewSearchServiceWithTransport(transport, config, processBulkReceipts, processError)
}

// NewSearchServiceWithTransport creates everything you need for talking to a cluster from a transport.
func NewSearchServiceWithTransport(
	transport *Transport,
	config *ClusterSeasoning,
	processBulkReceipts func(*BulkReceipt),
	processError func(error)) (*SearchService, error) {

	publisher := NewBulkPublisher(config, transport)
	return NewSearchServiceWithPublisher(publisher, config, processBulkReceipts, processError)
}

// NewSearchServiceWithPublisher creates everything you need for talking to a cluster from a bulk publisher.
func NewSearchServiceWithPublisher(
	publisher *BulkPublisher,
	config *ClusterSeasoning,
	processBulkReceipts func(*BulkReceipt),
	processError func(error)) (*SearchService, error) {

	ss := &SearchService{
		config:               config,
		Transport:            publisher.transport,
		BulkPublisher:        publisher,
		centralErr:           make(chan error, 1000),
		shutdownSignal:       make(chan struct{}),
		scrollers:            make(map[string]*Scroller),
		monitorSleepInterval: 200 * time.Millisecond,
		serviceLock:          &sync.Mutex{},
	}

	// Build a Map for Scroller retrieval.
	err := ss.createScrollers(config.ScrollConfigs)
	if err != nil {
		return nil, err
	}

	// Start the background monitors and logging.
	go ss.collectScrollerErrors()

	// Monitors all bulk flush events
	if processBulkReceipts != nil {
		go ss.invokeProcessBulkReceipts(processBulkReceipts)
	} else { // Default action is to requeue rejected actions.
		go ss.processBulkReceipts()
	}

	// Monitors all errors
	if processError != nil {
		go ss.invokeProcessError(processError)
	} else { // Default action is to print.
		go ss.processErrors()
	}

	// Start the AutoFlush
	ss.BulkPublisher.StartAutoFlush()

	return ss, nil
}

// createScrollers takes the configs and builds all the scrollers (errors if a config is broken).
func (ss *SearchService) createScrollers(scrollConfigs map[string]*ScrollConfig) error {

	for scrollName, scrollConfig := range scrollConfigs {

		scroller := NewScrollerFromConfig(scrollConfig, ss.Transport)
		scroller.scrollName = scrollName

		ss.scrollers[scrollName] = scroller
	}

	return nil
}

// Ping checks whether the cluster answers at all.
func (ss *SearchService) Ping() (bool, error) {

	if ss.isShutdown() {
		return false, fmt.Errorf("unable to ping: %w", ErrServiceShutdown)
	}

	response, err := ss.Transport.PerformRequest(http.MethodHead, "/", nil, nil, nil)
	if err != nil {
		return false, err
	}

	return response.StatusCode < 300, nil
}

// Info fetches the cluster greeting with its name and version.
func (ss *SearchService) Info() (*Response, error) {

	if ss.isShutdown() {
		return nil, fmt.Errorf("unable to get cluster info: %w", ErrServiceShutdown)
	}

	return ss.Transport.PerformRequest(http.MethodGet, "/", nil, nil, nil)
}

// NodesInfo fetches the cluster's own view of its nodes.
func (ss *SearchService) NodesInfo() (*NodesInfo, error) {

	if ss.isShutdown() {
		return nil, fmt.Errorf("unable to get nodes info: %w", ErrServiceShutdown)
	}

	response, err := ss.Transport.PerformRequest(http.MethodGet, "/_nodes/_all/http", nil, nil, nil)
	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nodes info request failed with status %d", response.StatusCode)
	}

	return ParseNodeInfo(response.RawBody)
}

// Search runs a query against an index. An empty index searches everything,
// a nil query matches everything.
func (ss *SearchService) Search(index string, query interface{}, params url.Values) (*Response, error) {

	if ss.isShutdown() {
		return nil, fmt.Errorf("unable to search: %w", ErrServiceShutdown)
	}

	path := "/_search"
	if index != "" {
		path = "/" + index + "/_search"
	}

	return ss.Transport.PerformRequest(http.MethodPost, path, params, query, nil)
}

// IndexDocument stores a single document right away. An empty documentID lets
// the cluster assign one.
func (ss *SearchService) IndexDocument(index string, documentID string, document interface{}) (*Response, error) {

	if ss.isShutdown() {
		return nil, fmt.Errorf("unable to index document: %w", ErrServiceShutdown)
	}

	if index == "" || document == nil {
		return nil, errors.New("can't index a nil document or use an empty index name")
	}

	if documentID == "" {
		return ss.Transport.PerformRequest(http.MethodPost, "/"+index+"/_doc", nil, document, nil)
	}

	return ss.Transport.PerformRequest(http.MethodPut, "/"+index+"/_doc/"+url.PathEscape(documentID), nil, document, nil)
}

// GetDocument fetches a single document by id.
func (ss *SearchService) GetDocument(index string, documentID string) (*Response, error) {

	if ss.isShutdown() {
		return nil, fmt.Errorf("unable to get document: %w", ErrServiceShutdown)
	}

	if index == "" || documentID == "" {
		return nil, errors.New("can't get a document without an index name and a document id")
	}

	return ss.Transport.PerformRequest(http.MethodGet, "/"+index+"/_doc/"+url.PathEscape(documentID), nil, nil, nil)
}

// DeleteDocument removes a single document by id.
func (ss *SearchService) DeleteDocument(index string, documentID string) (*Response, error) {

	if ss.isShutdown() {
		return nil, fmt.Errorf("unable to delete document: %w", ErrServiceShutdown)
	}

	if index == "" || documentID == "" {
		return nil, errors.New("can't delete a document without an index name and a document id")
	}

	return ss.Transport.PerformRequest(http.MethodDelete, "/"+index+"/_doc/"+url.PathEscape(documentID), nil, nil, nil)
}

// QueueBulkAction wraps around the BulkPublisher to simply queue an action.
// Error indicates the action was not queued.
func (ss *SearchService) QueueBulkAction(action *BulkAction) error {

	if ss.isShutdown() {
		return fmt.Errorf("unable to queue bulk action: %w", ErrServiceShutdown)
	}

	if ok := ss.BulkPublisher.QueueBulkAction(action); !ok {
		return errors.New("unable to queue bulk action... most likely cause is the bulk publisher was shut down")
	}

	return nil
}

// GetScroller allows you to get the individual scrollers stored in memory.
func (ss *SearchService) GetScroller(scrollName string) (*Scroller, error) {

	if scroller, ok := ss.scrollers[scrollName]; ok {
		return scroller, nil
	}

	return nil, fmt.Errorf("scroller %q was not found", scrollName)
}

// GetScrollConfig allows you to get the individual scroller's config stored in memory.
func (ss *SearchService) GetScrollConfig(scrollName string) (*ScrollConfig, error) {

	if scroller, ok := ss.scrollers[scrollName]; ok {
		return scroller.config, nil
	}

	return nil, fmt.Errorf("scroller %q was not found", scrollName)
}

// CentralErr yields all the internal errs for sub-processes.
func (ss *SearchService) CentralErr() <-chan error {
	return ss.centralErr
}

// Shutdown stops the service and shuts down the transport.
func (ss *SearchService) Shutdown() {

	ss.BulkPublisher.Close(false)

	close(ss.shutdownSignal)

	for _, scroller := range ss.scrollers {
		if scroller.Started() {
			err := scroller.StopScrolling(true, true)
			if err != nil {
				ss.centralErr <- err
			}
		}
	}

	ss.Transport.Shutdown()
}

func (ss *SearchService) collectScrollerErrors() {

	for {
		if ss.isShutdown() {
			return // Prevent leaking goroutine
		}

		for _, scroller := range ss.scrollers {
		IndividualScrollerLoop:
			for {
				select {
				case err := <-scroller.Errors():
					ss.centralErr <- err
				default:
					break IndividualScrollerLoop
				}
			}
		}

		time.Sleep(ss.monitorSleepInterval)
	}
}

func (ss *SearchService) invokeProcessBulkReceipts(processReceipts func(*BulkReceipt)) {

	for {
		select {
		case <-ss.catchShutdown():
			return // Prevent leaking goroutine
		case receipt, ok := <-ss.BulkPublisher.BulkReceipts():
			if !ok {
				return
			}
			processReceipts(receipt)
		}
	}
}

func (ss *SearchService) processBulkReceipts() {

	for {
		select {
		case <-ss.catchShutdown():
			return // Prevent leaking goroutine
		case receipt, ok := <-ss.BulkPublisher.BulkReceipts():
			if !ok {
				return
			}
			if receipt.Success {
				continue
			}

			if receipt.FailedAction == nil {
				ss.centralErr <- fmt.Errorf("bulk action %s failed and can't be requeued as a copy of the action was not received", receipt.ActionID.String())
				continue
			}

			if receipt.StatusCode == http.StatusTooManyRequests && receipt.FailedAction.RetryCount < ss.config.BulkConfig.MaxRetryCount {
				receipt.FailedAction.RetryCount++
				ss.centralErr <- fmt.Errorf("bulk action %s was rejected with status 429... retrying (count: %d)", receipt.ActionID.String(), receipt.FailedAction.RetryCount)
				if ok := ss.BulkPublisher.QueueBulkAction(receipt.FailedAction); !ok {
					ss.centralErr <- fmt.Errorf("bulk action %s was rejected and the bulk publisher has been shut down", receipt.ActionID.String())
				}
			} else {
				ss.centralErr <- fmt.Errorf("bulk action %s failed permanently: %w", receipt.ActionID.String(), receipt.Error)
			}
		}
	}
}

func (ss *SearchService) invokeProcessError(processError func(error)) {

	for {
		select {
		case <-ss.catchShutdown():
			return // prevent goroutine leak
		case err := <-ss.centralErr:
			processError(err)
		}
	}
}

func (ss *SearchService) processErrors() {

	for {
		select {
		case <-ss.catchShutdown():
			return // Prevent leaking goroutine
		case err := <-ss.centralErr:
			fmt.Printf("ESC Central Err: %s\r\n", err)
		}
	}
}

func (ss *SearchService) isShutdown() bool {

	select {
	case <-ss.shutdownSignal:
		return true
	default:
		return false
	}
}

func (ss *SearchService) catchShutdown() <-chan struct{} {
	return ss.shutdownSignal
}
