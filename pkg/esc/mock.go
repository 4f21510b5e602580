package esc

import (
	"fmt"
	"math/rand"
	"time"
)

var mockRandomSource = rand.NewSource(time.Now().UnixNano())
var mockRandom = rand.New(mockRandomSource)

// Mock document payload size bounds in bytes.
const (
	randomMin = 1500
	randomMax = 2500
)

// CreateMockBulkAction creates a mock action for indexing.
func CreateMockBulkAction(index string, documentID string, body []byte) *BulkAction {

	if body == nil { //   h   e   l   l   o       w   o   r   l   d
		body = []byte("{\"greeting\":\"\x68\x65\x6c\x6c\x6f\x20\x77\x6f\x72\x6c\x64\"}")
	}

	return NewBulkAction(IndexOpType, index, documentID, body)
}

// CreateMockRandomBulkAction creates a mock action for indexing with random sizes and random ids.
func CreateMockRandomBulkAction(index string) *BulkAction {

	payload := &struct {
		Content string `json:"Content"`
	}{
		Content: RandomString(mockRandom.Intn(randomMax-randomMin) + randomMin),
	}

	body, _ := json.Marshal(payload)

	return NewBulkAction(IndexOpType, index, "", body)
}

// CreateMockNodesInfoJSON renders a nodes info payload the way a cluster of
// the given size would, one http node per entry plus one dedicated master.
func CreateMockNodesInfoJSON(dataNodes int) []byte {

	nodes := make(map[string]interface{}, dataNodes+1)

	for i := 0; i < dataNodes; i++ {
		nodes[fmt.Sprintf("data-node-%d", i)] = map[string]interface{}{
			"name":  fmt.Sprintf("node-%d", i),
			"host":  "127.0.0.1",
			"ip":    "127.0.0.1",
			"roles": []string{"data", "ingest"},
			"http": map[string]interface{}{
				"bound_address":   []string{fmt.Sprintf("127.0.0.1:%d", 9200+i)},
				"publish_address": fmt.Sprintf("127.0.0.1:%d", 9200+i),
			},
		}
	}

	nodes["master-node"] = map[string]interface{}{
		"name":  "master",
		"host":  "127.0.0.1",
		"ip":    "127.0.0.1",
		"roles": []string{"master"},
		"http": map[string]interface{}{
			"bound_address":   []string{"127.0.0.1:9300"},
			"publish_address": "127.0.0.1:9300",
		},
	}

	payload := map[string]interface{}{
		"cluster_name": "mock-cluster",
		"nodes":        nodes,
	}

	data, _ := json.Marshal(payload)
	return data
}
