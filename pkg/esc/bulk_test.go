package esc_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/uuid"
	"github.com/houseofcat/escargot/pkg/esc"
	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
)

// bulkOKHandler answers bulk posts with one ok item per shipped action. Every
// action carries a body so the line count gives the action count.
func bulkOKHandler() func(call mockCall) (*esc.Response, error) {

	return func(call mockCall) (*esc.Response, error) {
		lines := strings.Split(strings.TrimSuffix(string(call.Body), "\n"), "\n")

		items := make([]string, len(lines)/2)
		for i := range items {
			items[i] = `{"index":{"status":201}}`
		}

		return okJSON(`{"took":1,"errors":false,"items":[` + strings.Join(items, ",") + `]}`), nil
	}
}

func collectReceipts(t *testing.T, publisher *esc.BulkPublisher, count int) map[uuid.UUID]*esc.BulkReceipt {

	receipts := make(map[uuid.UUID]*esc.BulkReceipt, count)
	timeout := time.After(5 * time.Second)

	for len(receipts) < count {
		select {
		case receipt := <-publisher.BulkReceipts():
			receipts[receipt.ActionID] = receipt
		case <-timeout:
			assert.FailNow(t, "timed out waiting for bulk receipts")
			return receipts
		}
	}

	return receipts
}

func parseCommandLine(t *testing.T, line string) (string, map[string]string) {

	parsed := make(map[string]map[string]string)
	err := jsoniter.Unmarshal([]byte(line), &parsed)
	assert.NoError(t, err)
	assert.Len(t, parsed, 1)

	for opType, meta := range parsed {
		return opType, meta
	}

	return "", nil
}

func TestNewBulkActionDefaults(t *testing.T) {

	action := esc.NewBulkAction("", "docs", "a1", []byte(`{"f":1}`))

	assert.Equal(t, esc.IndexOpType, action.OpType)
	assert.Equal(t, "docs", action.Index)
	assert.Equal(t, "a1", action.DocumentID)
	assert.NotEqual(t, uuid.Nil, action.ActionID)
	assert.Equal(t, uint32(0), action.RetryCount)
}

func TestBulkPublisherPublish(t *testing.T) {

	mock := newMockConnection("127.0.0.1", 9200)
	mock.queue(okJSON(`{
		"took": 5,
		"errors": true,
		"items": [
			{"index": {"_index": "docs", "_id": "a1", "status": 201}},
			{"delete": {"_index": "docs", "_id": "9", "status": 200}},
			{"create": {"status": 400, "error": {"type": "mapper_parsing_exception", "reason": "failed to parse"}}}
		]
	}`), nil)

	seasoning := testSeasoning("127.0.0.1")
	transport := buildMockTransport(t, seasoning, clockwork.NewFakeClock(), nil, mock)

	publisher := esc.NewBulkPublisher(seasoning, transport)

	indexed := esc.NewBulkAction(esc.IndexOpType, "docs", "", []byte(`{"f":1}`))
	deleted := esc.NewBulkAction(esc.DeleteOpType, "docs", "9", nil)
	created := esc.NewBulkAction(esc.CreateOpType, "docs", "", []byte(`{"g":2}`))

	publisher.Publish([]*esc.BulkAction{indexed, deleted, created})
	receipts := collectReceipts(t, publisher, 3)

	call := mock.lastCall()
	assert.Equal(t, "POST", call.Method)
	assert.Equal(t, "/_bulk", call.Path)
	assert.Equal(t, "application/x-ndjson", call.Headers.Get("Content-Type"))
	assert.True(t, strings.HasSuffix(call.Headers.Get(esc.MetaHeaderName), ",h=bp"))

	// Delete actions contribute a single line, the others two.
	lines := strings.Split(string(call.Body), "\n")
	assert.Len(t, lines, 6)
	assert.Equal(t, "", lines[5])

	opType, meta := parseCommandLine(t, lines[0])
	assert.Equal(t, "index", opType)
	assert.Equal(t, map[string]string{"_index": "docs"}, meta)
	assert.Equal(t, `{"f":1}`, lines[1])

	opType, meta = parseCommandLine(t, lines[2])
	assert.Equal(t, "delete", opType)
	assert.Equal(t, map[string]string{"_index": "docs", "_id": "9"}, meta)

	opType, meta = parseCommandLine(t, lines[3])
	assert.Equal(t, "create", opType)
	assert.Equal(t, map[string]string{"_index": "docs"}, meta)
	assert.Equal(t, `{"g":2}`, lines[4])

	receipt := receipts[indexed.ActionID]
	assert.NotNil(t, receipt)
	if receipt != nil {
		assert.True(t, receipt.Success)
		assert.Equal(t, 201, receipt.StatusCode)
		assert.NoError(t, receipt.Error)
		assert.Nil(t, receipt.FailedAction)
	}

	receipt = receipts[deleted.ActionID]
	assert.NotNil(t, receipt)
	if receipt != nil {
		assert.True(t, receipt.Success)
		assert.Equal(t, 200, receipt.StatusCode)
	}

	receipt = receipts[created.ActionID]
	assert.NotNil(t, receipt)
	if receipt != nil {
		assert.False(t, receipt.Success)
		assert.Equal(t, 400, receipt.StatusCode)
		assert.Contains(t, receipt.Error.Error(), "bulk create failed with status 400")
		assert.Contains(t, receipt.Error.Error(), "mapper_parsing_exception")
		assert.Same(t, created, receipt.FailedAction)
	}

	publisher.Close()
}

func TestBulkPublisherPublishChunksByCount(t *testing.T) {

	mock := newMockConnection("127.0.0.1", 9200)
	mock.handler = bulkOKHandler()

	seasoning := testSeasoning("127.0.0.1")
	seasoning.BulkConfig.BatchSize = 2

	transport := buildMockTransport(t, seasoning, clockwork.NewFakeClock(), nil, mock)
	publisher := esc.NewBulkPublisher(seasoning, transport)

	actions := make([]*esc.BulkAction, 5)
	for i := range actions {
		actions[i] = esc.CreateMockBulkAction("docs", "", nil)
	}

	publisher.Publish(actions)
	receipts := collectReceipts(t, publisher, 5)

	assert.Equal(t, 3, mock.callCount())
	for _, receipt := range receipts {
		assert.True(t, receipt.Success)
	}

	publisher.Close()
}

func TestBulkPublisherPublishChunksByBytes(t *testing.T) {

	mock := newMockConnection("127.0.0.1", 9200)
	mock.handler = bulkOKHandler()

	seasoning := testSeasoning("127.0.0.1")
	seasoning.BulkConfig.MaxBatchBytes = 64

	transport := buildMockTransport(t, seasoning, clockwork.NewFakeClock(), nil, mock)
	publisher := esc.NewBulkPublisher(seasoning, transport)

	actions := make([]*esc.BulkAction, 3)
	for i := range actions {
		actions[i] = esc.NewBulkAction(esc.IndexOpType, "docs", "", []byte(`{"value":"0123456789"}`))
	}

	// Any two of these actions together overrun the byte budget.
	publisher.Publish(actions)
	receipts := collectReceipts(t, publisher, 3)

	assert.Equal(t, 3, mock.callCount())
	for _, receipt := range receipts {
		assert.True(t, receipt.Success)
	}

	publisher.Close()
}

func TestBulkPublisherTransportError(t *testing.T) {

	requestErr := &esc.ConnectionError{Node: "http://127.0.0.1:9200", Op: "POST /_bulk", Err: errors.New("connection refused")}

	mock := newMockConnection("127.0.0.1", 9200)
	mock.handler = failingHandler(requestErr)

	seasoning := testSeasoning("127.0.0.1")
	transport := buildMockTransport(t, seasoning, clockwork.NewFakeClock(), nil, mock)
	publisher := esc.NewBulkPublisher(seasoning, transport)

	first := esc.NewBulkAction(esc.IndexOpType, "docs", "", []byte(`{"f":1}`))
	second := esc.NewBulkAction(esc.IndexOpType, "docs", "", []byte(`{"g":2}`))

	publisher.Publish([]*esc.BulkAction{first, second})
	receipts := collectReceipts(t, publisher, 2)

	// The whole batch failed on the wire after running out of retries.
	assert.Equal(t, 4, mock.callCount())

	receipt := receipts[first.ActionID]
	assert.NotNil(t, receipt)
	if receipt != nil {
		assert.False(t, receipt.Success)
		assert.Equal(t, 0, receipt.StatusCode)
		assert.Same(t, requestErr, receipt.Error)
		assert.Same(t, first, receipt.FailedAction)
	}

	receipt = receipts[second.ActionID]
	assert.NotNil(t, receipt)
	if receipt != nil {
		assert.Same(t, second, receipt.FailedAction)
	}

	publisher.Close()
}

func TestBulkPublisherRejectedStatus(t *testing.T) {

	mock := newMockConnection("127.0.0.1", 9200)
	mock.queue(statusJSON(400, `{"error":"malformed"}`), nil)

	seasoning := testSeasoning("127.0.0.1")
	transport := buildMockTransport(t, seasoning, clockwork.NewFakeClock(), nil, mock)
	publisher := esc.NewBulkPublisher(seasoning, transport)

	actions := []*esc.BulkAction{
		esc.NewBulkAction(esc.IndexOpType, "docs", "", []byte(`{"f":1}`)),
		esc.NewBulkAction(esc.IndexOpType, "docs", "", []byte(`{"g":2}`)),
	}

	publisher.Publish(actions)
	receipts := collectReceipts(t, publisher, 2)

	assert.Equal(t, 1, mock.callCount())
	for _, receipt := range receipts {
		assert.False(t, receipt.Success)
		assert.Equal(t, 400, receipt.StatusCode)
		assert.Contains(t, receipt.Error.Error(), "rejected with status 400")
	}

	publisher.Close()
}

func TestBulkPublisherResponseShapeErrors(t *testing.T) {

	mock := newMockConnection("127.0.0.1", 9200)
	mock.queue(okJSON(`{"items":"nope"}`), nil)
	mock.queue(okJSON(`{"took":1,"errors":false,"items":[{"index":{"status":201}}]}`), nil)

	seasoning := testSeasoning("127.0.0.1")
	transport := buildMockTransport(t, seasoning, clockwork.NewFakeClock(), nil, mock)
	publisher := esc.NewBulkPublisher(seasoning, transport)

	actions := []*esc.BulkAction{
		esc.NewBulkAction(esc.IndexOpType, "docs", "", []byte(`{"f":1}`)),
		esc.NewBulkAction(esc.IndexOpType, "docs", "", []byte(`{"g":2}`)),
	}

	publisher.Publish(actions)
	receipts := collectReceipts(t, publisher, 2)

	for _, receipt := range receipts {
		assert.False(t, receipt.Success)

		var serializationErr *esc.SerializationError
		assert.True(t, errors.As(receipt.Error, &serializationErr))
	}

	// A response reporting the wrong item count fails the whole batch too.
	publisher.Publish(actions)
	receipts = collectReceipts(t, publisher, 2)

	for _, receipt := range receipts {
		assert.False(t, receipt.Success)
		assert.Contains(t, receipt.Error.Error(), "1 items for 2 actions")
	}

	publisher.Close()
}

func TestBulkPublisherAutoFlushByCount(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	mock := newMockConnection("127.0.0.1", 9200)
	mock.handler = bulkOKHandler()

	seasoning := testSeasoning("127.0.0.1")
	seasoning.BulkConfig.BatchSize = 2
	seasoning.BulkConfig.FlushInterval = 60000

	transport := buildMockTransport(t, seasoning, clockwork.NewFakeClock(), nil, mock)
	publisher := esc.NewBulkPublisher(seasoning, transport)
	publisher.StartAutoFlush()

	queued := publisher.QueueBulkActions([]*esc.BulkAction{
		esc.NewBulkAction(esc.IndexOpType, "docs", "", []byte(`{"f":1}`)),
		esc.NewBulkAction(esc.IndexOpType, "docs", "", []byte(`{"g":2}`)),
	})
	assert.True(t, queued)

	receipts := collectReceipts(t, publisher, 2)
	for _, receipt := range receipts {
		assert.True(t, receipt.Success)
	}

	assert.Equal(t, 1, mock.callCount())

	publisher.Close()
}

func TestBulkPublisherAutoFlushInterval(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	mock := newMockConnection("127.0.0.1", 9200)
	mock.handler = bulkOKHandler()

	seasoning := testSeasoning("127.0.0.1")
	seasoning.BulkConfig.BatchSize = 100
	seasoning.BulkConfig.FlushInterval = 50

	transport := buildMockTransport(t, seasoning, clockwork.NewFakeClock(), nil, mock)
	publisher := esc.NewBulkPublisher(seasoning, transport)
	publisher.StartAutoFlush()

	queued := publisher.QueueBulkAction(esc.NewBulkAction(esc.IndexOpType, "docs", "", []byte(`{"f":1}`)))
	assert.True(t, queued)

	// The timer ships a partial batch.
	receipts := collectReceipts(t, publisher, 1)
	for _, receipt := range receipts {
		assert.True(t, receipt.Success)
	}

	publisher.Close()
}

func TestBulkPublisherCloseFlushesTrailingActions(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	mock := newMockConnection("127.0.0.1", 9200)
	mock.handler = bulkOKHandler()

	seasoning := testSeasoning("127.0.0.1")
	seasoning.BulkConfig.BatchSize = 100
	seasoning.BulkConfig.FlushInterval = 60000

	transport := buildMockTransport(t, seasoning, clockwork.NewFakeClock(), nil, mock)
	publisher := esc.NewBulkPublisher(seasoning, transport)
	publisher.StartAutoFlush()

	queued := publisher.QueueBulkAction(esc.NewBulkAction(esc.IndexOpType, "docs", "", []byte(`{"f":1}`)))
	assert.True(t, queued)

	// Give the flush loop a moment to take the action into its batch.
	time.Sleep(250 * time.Millisecond)

	publisher.Close(false)

	// The buffered action shipped on the way out even though no flush fired.
	assert.Equal(t, 1, mock.callCount())

	receipt, open := <-publisher.BulkReceipts()
	assert.Nil(t, receipt)
	assert.False(t, open)

	assert.False(t, publisher.QueueBulkAction(esc.NewBulkAction(esc.IndexOpType, "docs", "", nil)))

	publisher.Close(false)
	transport.Shutdown()
}
