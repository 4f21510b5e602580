package esc

import (
	"github.com/google/uuid"
)

// Op types accepted by the bulk endpoint.
const (
	IndexOpType  = "index"
	CreateOpType = "create"
	UpdateOpType = "update"
	DeleteOpType = "delete"
)

// BulkAction contains one document operation and the address of where it is going.
type BulkAction struct {
	ActionID   uuid.UUID `json:"ActionID"`
	OpType     string    `json:"OpType"`
	Index      string    `json:"Index"`
	DocumentID string    `json:"DocumentID,omitempty"`
	Body       []byte    `json:"Body,omitempty"`
	RetryCount uint32    `json:"RetryCount"`
}

// NewBulkAction creates a BulkAction around a rendered document body.
// Update bodies carry the {"doc": ...} wrapper the endpoint expects,
// delete actions carry no body at all.
func NewBulkAction(opType string, index string, documentID string, body []byte) *BulkAction {

	if opType == "" {
		opType = IndexOpType
	}

	return &BulkAction{
		ActionID:   uuid.New(),
		OpType:     opType,
		Index:      index,
		DocumentID: documentID,
		Body:       body,
	}
}

// render produces the command line and source line this action contributes to
// a bulk body, with their total byte size including trailing newlines.
func (ba *BulkAction) render() ([][]byte, int, error) {

	meta := make(map[string]string, 2)
	if ba.Index != "" {
		meta["_index"] = ba.Index
	}
	if ba.DocumentID != "" {
		meta["_id"] = ba.DocumentID
	}

	command, err := json.Marshal(map[string]map[string]string{ba.OpType: meta})
	if err != nil {
		return nil, 0, &SerializationError{Err: err}
	}

	lines := [][]byte{command}
	size := len(command) + 1

	if ba.OpType != DeleteOpType && ba.Body != nil {
		lines = append(lines, ba.Body)
		size += len(ba.Body) + 1
	}

	return lines, size, nil
}

// BulkReceipt reports the outcome of one action from a flushed batch.
type BulkReceipt struct {
	ActionID     uuid.UUID
	Success      bool
	StatusCode   int
	Error        error
	FailedAction *BulkAction
}
