package esc

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// ScrollHit is a single document produced by a scan.
type ScrollHit struct {
	Index  string              `json:"_index"`
	DocID  string              `json:"_id"`
	Score  float64             `json:"_score"`
	Source jsoniter.RawMessage `json:"_source"`
}

// scrollResponse is the shape of one page of a scan.
type scrollResponse struct {
	ScrollID string      `json:"_scroll_id"`
	Shards   shardReport `json:"_shards"`
	Hits     scrollHits  `json:"hits"`
}

type shardReport struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

type scrollHits struct {
	Hits []*ScrollHit `json:"hits"`
}

// Scroller walks every document matching a query using a server side cursor.
type Scroller struct {
	config     *ScrollConfig
	scrollName string

	keepAlive            string
	batchSize            int
	sleepOnErrorInterval time.Duration

	transport *Transport

	stopImmediate bool
	started       bool
	enabled       bool
	scrollLock    *sync.Mutex

	errors     chan error
	hits       chan *ScrollHit
	scrollStop chan bool
}

// NewScrollerFromConfig creates a new Scroller around a scroll config.
func NewScrollerFromConfig(config *ScrollConfig, transport *Transport) *Scroller {

	keepAlive := config.KeepAlive
	if keepAlive == "" {
		keepAlive = "5m"
	}

	batchSize := config.BatchSize
	if batchSize == 0 {
		batchSize = 1000
	}

	return &Scroller{
		config:               config,
		transport:            transport,
		enabled:              config.Enabled,
		keepAlive:            keepAlive,
		batchSize:            batchSize,
		sleepOnErrorInterval: time.Duration(config.SleepOnErrorInterval) * time.Millisecond,
		errors:               make(chan error, 1000),
		hits:                 make(chan *ScrollHit, 1000),
		scrollStop:           make(chan bool, 1),
		scrollLock:           &sync.Mutex{},
	}
}

// NewScroller creates a new Scroller from a named config in the seasoning.
func NewScroller(seasoning *ClusterSeasoning, transport *Transport, scrollName string) (*Scroller, error) {

	var ok bool
	var config *ScrollConfig
	if config, ok = seasoning.ScrollConfigs[scrollName]; !ok {
		return nil, fmt.Errorf("scroll %q was not found in config", scrollName)
	}

	scroller := NewScrollerFromConfig(config, transport)
	scroller.scrollName = scrollName

	return scroller, nil
}

// StartScrolling starts a scan over the index, delivering documents to Hits.
// A nil query scans everything.
func (sc *Scroller) StartScrolling(index string, query []byte) {
	sc.scrollLock.Lock()
	defer sc.scrollLock.Unlock()

	if sc.enabled && !sc.started {

		sc.FlushErrors()
		sc.FlushStop()

		go sc.startScrollLoop(index, query, nil)
		sc.started = true
	}
}

// StartScrollingWithAction starts a scan invoking a method on every ScrollHit.
func (sc *Scroller) StartScrollingWithAction(index string, query []byte, action func(*ScrollHit)) {
	sc.scrollLock.Lock()
	defer sc.scrollLock.Unlock()

	if sc.enabled && !sc.started {

		sc.FlushErrors()
		sc.FlushStop()

		go sc.startScrollLoop(index, query, action)
		sc.started = true
	}
}

func (sc *Scroller) startScrollLoop(index string, query []byte, action func(*ScrollHit)) {

	scrollID := ""

ScrollLoop:
	for {
		// Detect if we should stop scrolling.
		select {
		case stop := <-sc.scrollStop:
			if stop {
				break ScrollLoop
			}
		default:
		}

		page, err := sc.nextPage(index, query, scrollID)
		if err != nil {
			sc.errors <- err

			// The opening search can be retried, an established cursor can't
			// since every scroll call advances it server side.
			if scrollID != "" {
				break ScrollLoop
			}
			if sc.sleepOnErrorInterval > 0 {
				time.Sleep(sc.sleepOnErrorInterval)
			}
			continue
		}

		scrollID = page.ScrollID

		if page.Shards.Failed > 0 {
			sc.errors <- fmt.Errorf("scroll page reported %d of %d shards failed", page.Shards.Failed, page.Shards.Total)
			break ScrollLoop
		}

		if len(page.Hits.Hits) == 0 {
			break ScrollLoop // cursor exhausted
		}

		if sc.processHits(page.Hits.Hits, action) {
			break ScrollLoop
		}
	}

	sc.clearScroll(scrollID)

	sc.scrollLock.Lock()
	sc.started = false
	sc.stopImmediate = false
	sc.scrollLock.Unlock()
}

// processHits delivers one page and returns true when we are to stop scrolling.
func (sc *Scroller) processHits(pageHits []*ScrollHit, action func(*ScrollHit)) bool {

	stopping := false

	for _, hit := range pageHits {

		// Detect if we should stop mid page.
		select {
		case stop := <-sc.scrollStop:
			if stop {
				stopping = true

				sc.scrollLock.Lock()
				immediate := sc.stopImmediate
				sc.scrollLock.Unlock()

				if immediate {
					return true
				}
			}
		default:
		}

		if action != nil {
			action(hit)
		} else {
			sc.hits <- hit
		}
	}

	return stopping
}

// nextPage runs the opening search or advances the cursor.
func (sc *Scroller) nextPage(index string, query []byte, scrollID string) (*scrollResponse, error) {

	var response *Response
	var err error

	params := url.Values{}
	params.Set("__client_meta", "h=s")

	if scrollID == "" {
		params.Set("scroll", sc.keepAlive)
		params.Set("size", strconv.Itoa(sc.batchSize))

		path := "/_search"
		if index != "" {
			path = "/" + index + "/_search"
		}

		response, err = sc.transport.PerformRequest(http.MethodPost, path, params, query, nil)
	} else {
		body := map[string]string{
			"scroll":    sc.keepAlive,
			"scroll_id": scrollID,
		}

		response, err = sc.transport.PerformRequest(http.MethodPost, "/_search/scroll", params, body, nil)
	}

	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scroll page request failed with status %d", response.StatusCode)
	}

	page := &scrollResponse{}
	if err := json.Unmarshal(response.RawBody, page); err != nil {
		return nil, &SerializationError{Err: err}
	}

	return page, nil
}

// clearScroll releases the server side cursor, best effort.
func (sc *Scroller) clearScroll(scrollID string) {

	if scrollID == "" {
		return
	}

	body := map[string][]string{"scroll_id": {scrollID}}
	if _, err := sc.transport.PerformRequest(http.MethodDelete, "/_search/scroll", nil, body, nil); err != nil {
		sc.errors <- fmt.Errorf("unable to clear scroll: %w", err)
	}
}

// StopScrolling allows you to signal stop to the scroller.
// Immediate stops mid page, otherwise the current page is delivered first.
// FlushHits empties the internal buffer of undelivered documents.
func (sc *Scroller) StopScrolling(immediate bool, flushHits bool) error {
	sc.scrollLock.Lock()
	defer sc.scrollLock.Unlock()

	if !sc.started {
		return errors.New("can't stop a stopped scroller")
	}

	sc.stopImmediate = immediate
	sc.scrollStop <- true

	// This helps terminate the loop if it is blocked delivering hits.
	if flushHits {
		sc.FlushHits()
	}

	return nil
}

// Hits yields the documents ready for consuming.
func (sc *Scroller) Hits() <-chan *ScrollHit {
	return sc.hits
}

// Errors yields all the internal errs raised while scrolling.
func (sc *Scroller) Errors() <-chan error {
	return sc.errors
}

// FlushStop allows you to flush out all previous Stop signals.
func (sc *Scroller) FlushStop() {

FlushLoop:
	for {
		select {
		case <-sc.scrollStop:
		default:
			break FlushLoop
		}
	}
}

// FlushErrors allows you to flush out all previous Errors.
func (sc *Scroller) FlushErrors() {

FlushLoop:
	for {
		select {
		case <-sc.errors:
		default:
			break FlushLoop
		}
	}
}

// FlushHits allows you to flush out all undelivered documents.
// WARNING: THIS WILL RESULT IN AN INCOMPLETE SCAN.
func (sc *Scroller) FlushHits() {

FlushLoop:
	for {
		select {
		case <-sc.hits:
		default:
			break FlushLoop
		}
	}
}

// Started allows you to determine if a scan is in progress.
func (sc *Scroller) Started() bool {
	sc.scrollLock.Lock()
	defer sc.scrollLock.Unlock()
	return sc.started
}
