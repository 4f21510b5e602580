package esc

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
)

// BulkPublisher batches queued document actions into bulk requests.
type BulkPublisher struct {
	sleepOnErrorInterval time.Duration
	flushInterval        time.Duration
	batchSize            int
	maxBatchBytes        int

	transport *Transport

	autoStarted    int32
	actions        chan *BulkAction
	bulkReceipts   chan *BulkReceipt
	wg             sync.WaitGroup
	shutdownSignal chan struct{}
	once           sync.Once
}

// bulkEntry pairs an action with its rendered lines so sizing happens once.
type bulkEntry struct {
	action *BulkAction
	lines  [][]byte
	size   int
}

// NewBulkPublisher creates and configures a new BulkPublisher.
func NewBulkPublisher(seasoning *ClusterSeasoning, transport *Transport) *BulkPublisher {

	if seasoning.BulkConfig == nil {
		seasoning.BulkConfig = DefaultClusterSeasoning().BulkConfig
	}

	config := seasoning.BulkConfig
	if config.BatchSize == 0 {
		config.BatchSize = 500
	}
	if config.MaxBatchBytes == 0 {
		config.MaxBatchBytes = 100 * 1024 * 1024
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 500
	}
	if config.MaxRetryCount == 0 {
		config.MaxRetryCount = 3
	}

	return &BulkPublisher{
		transport: transport,

		actions:      make(chan *BulkAction, 1000),
		bulkReceipts: make(chan *BulkReceipt, 1000),

		autoStarted:    0, // false
		shutdownSignal: make(chan struct{}),

		sleepOnErrorInterval: time.Duration(config.SleepOnErrorInterval) * time.Millisecond,
		flushInterval:        time.Duration(config.FlushInterval) * time.Millisecond,
		batchSize:            config.BatchSize,
		maxBatchBytes:        config.MaxBatchBytes,
	}
}

// Publish ships the actions right now, chunked by the configured batch size
// and byte budget. Subscribe to BulkReceipts to see success and errors.
//
// For steady indexing load use QueueBulkAction with StartAutoFlush instead.
func (bp *BulkPublisher) Publish(actions []*BulkAction) {

	batch := make([]*bulkEntry, 0, bp.batchSize)
	batchBytes := 0

	for _, action := range actions {

		entry, err := newBulkEntry(action)
		if err != nil {
			bp.sendReceipt(action, 0, err)
			continue
		}

		if len(batch) > 0 && (batchBytes+entry.size > bp.maxBatchBytes || len(batch) == bp.batchSize) {
			bp.flushBatch(batch)
			batch = make([]*bulkEntry, 0, bp.batchSize)
			batchBytes = 0
		}

		batch = append(batch, entry)
		batchBytes += entry.size
	}

	if len(batch) > 0 {
		bp.flushBatch(batch)
	}
}

// QueueBulkActions allows you to bulk queue actions that will be consumed by the auto flush loop.
func (bp *BulkPublisher) QueueBulkActions(actions []*BulkAction) bool {

	for _, action := range actions {

		if ok := bp.safeSend(action); !ok {
			return false
		}
	}

	return true
}

// QueueBulkAction queues up an action that will be consumed by the auto flush loop.
func (bp *BulkPublisher) QueueBulkAction(action *BulkAction) bool {

	return bp.safeSend(action)
}

// safeSend should handle a scenario of queueing to a closed channel.
func (bp *BulkPublisher) safeSend(action *BulkAction) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case <-bp.catchShutdown():
		return false
	case bp.actions <- action:
		return true // success
	}
}

// BulkReceipts yields all the success and failures during all flush events. Highly recommend subscribing to this.
func (bp *BulkPublisher) BulkReceipts() <-chan *BulkReceipt {
	return bp.bulkReceipts
}

// StartAutoFlush starts the BulkPublisher's background batching.
func (bp *BulkPublisher) StartAutoFlush() {

	if !bp.isAutoStarted() {
		bp.setAutoStarted(true)
		bp.wg.Add(1)
		go bp.startAutoFlushLoop()
	}
}

func (bp *BulkPublisher) startAutoFlushLoop() {
	defer bp.wg.Done()

	// Batch actions queued in the publisher, returns when we are to stop flushing.
	bp.deliverActions()
	bp.setAutoStarted(false)
}

func (bp *BulkPublisher) deliverActions() {

	batch := make([]*bulkEntry, 0, bp.batchSize)
	batchBytes := 0

FlushLoop:
	for {
		select {
		case <-bp.catchShutdown():
			break FlushLoop

		case action, ok := <-bp.actions:
			if !ok {
				break FlushLoop
			}

			entry, err := newBulkEntry(action)
			if err != nil {
				bp.sendReceipt(action, 0, err)
				continue
			}

			// Adding this entry would blow the byte budget, ship what we have first.
			if len(batch) > 0 && batchBytes+entry.size > bp.maxBatchBytes {
				bp.flushBatch(batch)
				batch = make([]*bulkEntry, 0, bp.batchSize)
				batchBytes = 0
			}

			batch = append(batch, entry)
			batchBytes += entry.size

			if len(batch) >= bp.batchSize {
				bp.flushBatch(batch)
				batch = make([]*bulkEntry, 0, bp.batchSize)
				batchBytes = 0
			}

		case <-time.After(bp.flushInterval):
			if len(batch) > 0 {
				bp.flushBatch(batch)
				batch = make([]*bulkEntry, 0, bp.batchSize)
				batchBytes = 0
			}
		}
	}

	// Ship whatever is still buffered before going quiet.
	if len(batch) > 0 {
		bp.flushBatch(batch)
	}
}

func newBulkEntry(action *BulkAction) (*bulkEntry, error) {

	lines, size, err := action.render()
	if err != nil {
		return nil, err
	}

	return &bulkEntry{action: action, lines: lines, size: size}, nil
}

// flushBatch posts one bulk body and reports per action outcomes as receipts.
func (bp *BulkPublisher) flushBatch(batch []*bulkEntry) {

	total := 0
	for _, entry := range batch {
		total += entry.size
	}

	body := make([]byte, 0, total)
	for _, entry := range batch {
		for _, line := range entry.lines {
			body = append(body, line...)
			body = append(body, '\n')
		}
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/x-ndjson")

	params := url.Values{}
	params.Set("__client_meta", "h=bp")

	response, err := bp.transport.PerformRequest(http.MethodPost, "/_bulk", params, body, headers)
	if err != nil {
		for _, entry := range batch {
			bp.sendReceipt(entry.action, 0, err)
		}
		if bp.sleepOnErrorInterval > 0 {
			time.Sleep(bp.sleepOnErrorInterval)
		}
		return
	}

	bp.reportBatch(batch, response)
}

// bulkResponse is the shape of a bulk endpoint response.
type bulkResponse struct {
	Took   int        `json:"took"`
	Errors bool       `json:"errors"`
	Items  []bulkItem `json:"items"`
}

// bulkItem wraps the op type keyed result of one action.
type bulkItem map[string]bulkItemResult

type bulkItemResult struct {
	Index  string              `json:"_index"`
	ID     string              `json:"_id"`
	Status int                 `json:"status"`
	Error  jsoniter.RawMessage `json:"error"`
}

// outcome flattens the op type keyed result into a status and error.
func (bi bulkItem) outcome() (int, error) {

	for opType, result := range bi {
		if result.Status < 300 {
			return result.Status, nil
		}
		if len(result.Error) > 0 {
			return result.Status, fmt.Errorf("bulk %s failed with status %d: %s", opType, result.Status, string(result.Error))
		}
		return result.Status, fmt.Errorf("bulk %s failed with status %d", opType, result.Status)
	}

	return 0, errors.New("bulk response item was empty")
}

// reportBatch matches response items back to their actions, item order always
// mirrors the order actions appeared in the body.
func (bp *BulkPublisher) reportBatch(batch []*bulkEntry, response *Response) {

	if response.StatusCode >= 300 {
		err := fmt.Errorf("bulk request was rejected with status %d", response.StatusCode)
		for _, entry := range batch {
			bp.sendReceipt(entry.action, response.StatusCode, err)
		}
		return
	}

	var parsed bulkResponse
	if err := json.Unmarshal(response.RawBody, &parsed); err != nil {
		serializationErr := &SerializationError{Err: err}
		for _, entry := range batch {
			bp.sendReceipt(entry.action, response.StatusCode, serializationErr)
		}
		return
	}

	if len(parsed.Items) != len(batch) {
		err := fmt.Errorf("bulk response reported %d items for %d actions", len(parsed.Items), len(batch))
		for _, entry := range batch {
			bp.sendReceipt(entry.action, response.StatusCode, err)
		}
		return
	}

	for i, entry := range batch {
		status, itemErr := parsed.Items[i].outcome()
		bp.sendReceipt(entry.action, status, itemErr)
	}
}

// sendReceipt pushes the outcome to the receipt channel.
func (bp *BulkPublisher) sendReceipt(a *BulkAction, statusCode int, e error) {
	bp.wg.Add(1)
	go func(action *BulkAction, status int, err error) {
		defer bp.wg.Done()

		receipt := &BulkReceipt{
			ActionID:   action.ActionID,
			StatusCode: status,
		}

		if err == nil {
			receipt.Success = true
		} else {
			receipt.Error = err
			receipt.FailedAction = action
		}

		select {
		case <-bp.catchShutdown():
			// receipts have nowhere to go once shutdown has begun
			_ = level.Warn(bp.transport.logger).Log("msg", "lost bulk receipt", "action_id", action.ActionID.String())
			return
		case bp.bulkReceipts <- receipt:
			return
		}

	}(a, statusCode, e)
}

// Close cleanly shuts down the publisher.
// By default the internal transport is also shut down.
func (bp *BulkPublisher) Close(shutdownTransport ...bool) {
	bp.once.Do(func() {
		closeTransport := true
		if len(shutdownTransport) > 0 {
			closeTransport = shutdownTransport[0]
		}

		close(bp.shutdownSignal)

		if closeTransport { // in case the Transport is shared between structs, you can prevent it from shutting down
			bp.transport.Shutdown()
		}

		// wait for all spawned goroutines to finish execution
		bp.wg.Wait()
		// all routines are down, now close the receipt channel
		close(bp.bulkReceipts)
	})
}

func (bp *BulkPublisher) isAutoStarted() bool {
	autoStarted := atomic.LoadInt32(&bp.autoStarted)
	return autoStarted != 0
}

func (bp *BulkPublisher) setAutoStarted(autoStarted bool) {
	var i int32 = 0
	if autoStarted {
		i = 1
	}

	atomic.StoreInt32(&bp.autoStarted, i)
}

func (bp *BulkPublisher) catchShutdown() <-chan struct{} {
	return bp.shutdownSignal
}
