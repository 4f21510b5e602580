package esc

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ClusterSeasoning represents the configuration values.
type ClusterSeasoning struct {
	PoolConfig        *PoolConfig              `json:"PoolConfig" yaml:"PoolConfig" validate:"required"`
	TransportConfig   *TransportConfig         `json:"TransportConfig" yaml:"TransportConfig" validate:"required"`
	CompressionConfig *CompressionConfig       `json:"CompressionConfig" yaml:"CompressionConfig"`
	BulkConfig        *BulkConfig              `json:"BulkConfig" yaml:"BulkConfig"`
	ScrollConfigs     map[string]*ScrollConfig `json:"ScrollConfigs" yaml:"ScrollConfigs"`
}

// PoolConfig represents settings for creating/configuring the ConnectionPool.
type PoolConfig struct {
	Seeds                []string `json:"Seeds" yaml:"Seeds" validate:"omitempty,dive,required"`
	DeadBackoffBase      uint32   `json:"DeadBackoffBase" yaml:"DeadBackoffBase" validate:"required"`               // seconds, first dead interval
	DeadBackoffCap       uint32   `json:"DeadBackoffCap" yaml:"DeadBackoffCap" validate:"gtefield=DeadBackoffBase"` // seconds, dead interval ceiling
	RandomizeHosts       bool     `json:"RandomizeHosts" yaml:"RandomizeHosts"`
	SelectionPolicy      string   `json:"SelectionPolicy" yaml:"SelectionPolicy" validate:"omitempty,oneof=round_robin random"`
	SleepOnErrorInterval uint32   `json:"SleepOnErrorInterval" yaml:"SleepOnErrorInterval"` // sleep length on errors (milliseconds)
}

// TransportConfig represents settings for configuring request dispatch, retries and sniffing.
type TransportConfig struct {
	MaxRetries     uint32 `json:"MaxRetries" yaml:"MaxRetries"`         // retries after the first attempt
	RetryOnStatus  []int  `json:"RetryOnStatus" yaml:"RetryOnStatus"`   // status codes treated like node failures
	RetryOnTimeout bool   `json:"RetryOnTimeout" yaml:"RetryOnTimeout"` // retry requests that timed out
	RequestTimeout uint32 `json:"RequestTimeout" yaml:"RequestTimeout" validate:"required"` // seconds, per request default

	SniffOnStart    bool   `json:"SniffOnStart" yaml:"SniffOnStart"`
	SniffOnFail     bool   `json:"SniffOnFail" yaml:"SniffOnFail"`
	SnifferInterval uint32 `json:"SnifferInterval" yaml:"SnifferInterval"` // seconds, 0 disables periodic sniffing
	SniffTimeout    uint32 `json:"SniffTimeout" yaml:"SniffTimeout"`       // milliseconds

	MetaHeader     bool   `json:"MetaHeader" yaml:"MetaHeader"`
	CloudID        string `json:"CloudID" yaml:"CloudID"`
	Username       string `json:"Username" yaml:"Username"`
	Password       string `json:"Password" yaml:"Password"`
	APIKey         string `json:"APIKey" yaml:"APIKey"`
	OpaqueIDPrefix string `json:"OpaqueIDPrefix" yaml:"OpaqueIDPrefix"`
}

// CompressionConfig allows you to configure request body compression based on options.
type CompressionConfig struct {
	Enabled bool   `json:"Enabled" yaml:"Enabled"`
	Type    string `json:"Type,omitempty" yaml:"Type,omitempty" validate:"omitempty,oneof=gzip zstd"`
}

// BulkConfig represents settings for configuring the BulkPublisher.
type BulkConfig struct {
	BatchSize            int    `json:"BatchSize" yaml:"BatchSize" validate:"required,min=1"`
	MaxBatchBytes        int    `json:"MaxBatchBytes" yaml:"MaxBatchBytes" validate:"required,min=1024"`
	FlushInterval        uint32 `json:"FlushInterval" yaml:"FlushInterval" validate:"required"` // milliseconds
	MaxRetryCount        uint32 `json:"MaxRetryCount" yaml:"MaxRetryCount"`                     // requeues of rejected actions
	SleepOnErrorInterval uint32 `json:"SleepOnErrorInterval" yaml:"SleepOnErrorInterval"`       // sleep on error (milliseconds)
}

// ScrollConfig represents settings for configuring a Scroller with ease.
// Zero values fall back to scroller defaults (5m keep alive, 1000 docs).
type ScrollConfig struct {
	Enabled              bool   `json:"Enabled" yaml:"Enabled"`
	KeepAlive            string `json:"KeepAlive" yaml:"KeepAlive"` // cursor keep alive, e.g. 5m
	BatchSize            int    `json:"BatchSize" yaml:"BatchSize"`
	SleepOnErrorInterval uint32 `json:"SleepOnErrorInterval" yaml:"SleepOnErrorInterval"` // sleep on error (milliseconds)
}

// DefaultClusterSeasoning creates a fully populated ClusterSeasoning.
// Load JSON on top of it so omitted keys keep these values.
func DefaultClusterSeasoning() *ClusterSeasoning {

	return &ClusterSeasoning{
		PoolConfig: &PoolConfig{
			DeadBackoffBase: 60,
			DeadBackoffCap:  1920,
			RandomizeHosts:  true,
			SelectionPolicy: RoundRobinPolicyType,
		},
		TransportConfig: &TransportConfig{
			MaxRetries:     3,
			RetryOnStatus:  []int{502, 503, 504},
			RetryOnTimeout: true,
			RequestTimeout: 10,
			SniffTimeout:   100,
			MetaHeader:     true,
		},
		CompressionConfig: &CompressionConfig{
			Enabled: false,
			Type:    GzipCompressionType,
		},
		BulkConfig: &BulkConfig{
			BatchSize:     500,
			MaxBatchBytes: 100 * 1024 * 1024,
			FlushInterval: 500,
			MaxRetryCount: 3,
		},
		ScrollConfigs: make(map[string]*ScrollConfig),
	}
}

// Validate checks the seasoning for structural mistakes so they surface at
// construction instead of on the first request.
func (cs *ClusterSeasoning) Validate() error {

	if err := validate.Struct(cs); err != nil {
		return err
	}

	if len(cs.PoolConfig.Seeds) == 0 && cs.TransportConfig.CloudID == "" {
		return errors.New("seasoning needs at least one seed uri or a cloud id")
	}

	return nil
}
