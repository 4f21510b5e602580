package esc

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	cmap "github.com/orcaman/concurrent-map"
)

// Pool manages the alive and dead connections of a cluster on behalf of the Transport.
type Pool interface {
	GetConnection() (Connection, error)
	MarkDead(conn Connection)
	MarkLive(conn Connection)
	SetConnections(descriptors []ConnectionDescriptor)
	Connections() []Connection
	AliveCount() int
	DeadCount() int
	Stats(signature string) (ConnectionStats, bool)
	Shutdown()
}

// ConnectionStats is a snapshot of the failure bookkeeping for one node.
type ConnectionStats struct {
	ConsecutiveFailures uint32
	TotalFailures       uint64
	LastDeadAt          time.Time
}

// connectionStats is the mutable bookkeeping behind ConnectionStats.
// All fields are guarded by the pool write lock.
type connectionStats struct {
	consecutiveFailures uint32
	totalFailures       uint64
	lastDeadAt          time.Time
	deadEpoch           uint64
	backoff             *backoff.ExponentialBackOff
}

// deadConnection is a priority queue entry ordered by resurrection time.
type deadConnection struct {
	conn        Connection
	signature   string
	epoch       uint64
	resurrectAt time.Time
}

// Compare orders dead connections by who is due back first.
func (dc *deadConnection) Compare(other queue.Item) int {

	otherDead := other.(*deadConnection)
	switch {
	case dc.resurrectAt.Before(otherDead.resurrectAt):
		return -1
	case dc.resurrectAt.After(otherDead.resurrectAt):
		return 1
	default:
		return 0
	}
}

// ConnectionPool houses the pool of cluster node connections.
//
// Connections live in exactly one of two sets. Alive connections serve
// requests through the selection policy. Dead connections wait in a priority
// queue until their backoff delay elapses, doubling per consecutive failure up
// to the configured cap. When nothing is alive the earliest dead connection is
// pressed back into service regardless of its remaining delay.
type ConnectionPool struct {
	Config PoolConfig

	seasoning *ClusterSeasoning
	factory   ConnectionFactory
	policy    SelectionPolicy
	clock     clockwork.Clock

	poolRWLock         *sync.RWMutex
	alive              []Connection
	tracked            map[string]Connection
	flaggedConnections map[string]bool
	deadConnections    *queue.PriorityQueue
	connectionStats    cmap.ConcurrentMap

	deadBackoffBase time.Duration
	deadBackoffCap  time.Duration
	randomizeHosts  bool

	errorHandler func(error)
	shutdown     bool
}

// NewConnectionPool creates hosting structure for the ConnectionPool.
func NewConnectionPool(seasoning *ClusterSeasoning, connections []Connection, factory ConnectionFactory) (*ConnectionPool, error) {
	return NewConnectionPoolWithHandlers(seasoning, connections, factory, nil)
}

// NewConnectionPoolWithHandlers creates hosting structure for the ConnectionPool with an error handler.
func NewConnectionPoolWithHandlers(
	seasoning *ClusterSeasoning,
	connections []Connection,
	factory ConnectionFactory,
	errorHandler func(error)) (*ConnectionPool, error) {

	return NewConnectionPoolWithClock(seasoning, connections, factory, errorHandler, clockwork.NewRealClock())
}

// NewConnectionPoolWithClock creates hosting structure for the ConnectionPool on a caller supplied clock.
func NewConnectionPoolWithClock(
	seasoning *ClusterSeasoning,
	connections []Connection,
	factory ConnectionFactory,
	errorHandler func(error),
	clock clockwork.Clock) (*ConnectionPool, error) {

	if seasoning == nil || seasoning.PoolConfig == nil {
		return nil, errors.New("connectionpool can't be built without a pool config")
	}

	if len(connections) == 0 {
		return nil, errors.New("connectionpool can't be built without connections")
	}

	if seasoning.PoolConfig.DeadBackoffBase == 0 {
		return nil, errors.New("connectionpool deadbackoffbase can't be 0")
	}

	if factory == nil {
		factory = NewHTTPConnection
	}

	config := seasoning.PoolConfig
	cp := &ConnectionPool{
		Config:             *config,
		seasoning:          seasoning,
		factory:            factory,
		policy:             NewSelectionPolicy(config.SelectionPolicy),
		clock:              clock,
		poolRWLock:         &sync.RWMutex{},
		alive:              make([]Connection, 0, len(connections)),
		tracked:            make(map[string]Connection, len(connections)),
		flaggedConnections: make(map[string]bool),
		deadConnections:    queue.NewPriorityQueue(len(connections), true),
		connectionStats:    cmap.New(),
		deadBackoffBase:    time.Duration(config.DeadBackoffBase) * time.Second,
		deadBackoffCap:     time.Duration(config.DeadBackoffCap) * time.Second,
		randomizeHosts:     config.RandomizeHosts,
		errorHandler:       errorHandler,
	}

	for _, conn := range connections {
		signature := conn.Signature()
		if _, exists := cp.tracked[signature]; exists {
			continue
		}
		cp.tracked[signature] = conn
		cp.alive = append(cp.alive, conn)
	}

	if cp.randomizeHosts {
		rand.Shuffle(len(cp.alive), func(i, j int) {
			cp.alive[i], cp.alive[j] = cp.alive[j], cp.alive[i]
		})
	}

	return cp, nil
}

// GetConnection yields an alive connection chosen by the selection policy.
// Dead connections whose delay elapsed rejoin first, and when nothing is alive
// the earliest dead connection is returned early instead of failing the caller.
func (cp *ConnectionPool) GetConnection() (Connection, error) {

	cp.poolRWLock.Lock()

	if cp.shutdown {
		cp.poolRWLock.Unlock()
		return nil, ErrPoolShutdown
	}

	cp.resurrectExpiredConnections()

	if len(cp.alive) == 0 {
		cp.resurrectByForce()
	}

	if len(cp.alive) == 0 {
		cp.poolRWLock.Unlock()
		return nil, ErrNoAliveConnections
	}

	candidates := make([]Connection, len(cp.alive))
	copy(candidates, cp.alive)
	cp.poolRWLock.Unlock()

	return cp.policy.Select(candidates), nil
}

// MarkDead removes a connection from rotation and schedules its resurrection.
// Each consecutive failure doubles the delay up to the configured cap.
// Unknown or already dead connections are a no-op.
func (cp *ConnectionPool) MarkDead(conn Connection) {

	if conn == nil {
		return
	}

	cp.poolRWLock.Lock()
	defer cp.poolRWLock.Unlock()

	if cp.shutdown {
		return
	}

	signature := conn.Signature()
	if current, exists := cp.tracked[signature]; !exists || current != conn {
		return
	}
	if cp.flaggedConnections[signature] {
		return
	}

	cp.removeFromAlive(conn)
	cp.flaggedConnections[signature] = true

	stats := cp.getStats(signature)
	stats.consecutiveFailures++
	stats.totalFailures++
	stats.lastDeadAt = cp.clock.Now()
	stats.deadEpoch++

	delay := stats.backoff.NextBackOff()
	if delay < 0 {
		delay = cp.deadBackoffCap
	}

	entry := &deadConnection{
		conn:        conn,
		signature:   signature,
		epoch:       stats.deadEpoch,
		resurrectAt: cp.clock.Now().Add(delay),
	}

	if err := cp.deadConnections.Put(entry); err != nil {
		cp.handleError(err)
		cp.flaggedConnections[signature] = false
		cp.alive = append(cp.alive, conn)
	}
}

// MarkLive resets the failure bookkeeping of a connection after a successful
// request and returns it to rotation if it was dead. Idempotent when already alive.
func (cp *ConnectionPool) MarkLive(conn Connection) {

	if conn == nil {
		return
	}

	cp.poolRWLock.Lock()
	defer cp.poolRWLock.Unlock()

	if cp.shutdown {
		return
	}

	signature := conn.Signature()
	if current, exists := cp.tracked[signature]; !exists || current != conn {
		return
	}

	if value, ok := cp.connectionStats.Get(signature); ok {
		stats := value.(*connectionStats)
		stats.consecutiveFailures = 0
		stats.deadEpoch++ // orphans any queued dead entry
		stats.backoff.Reset()
	}

	if cp.flaggedConnections[signature] {
		cp.flaggedConnections[signature] = false
		cp.alive = append(cp.alive, conn)
	}
}

// SetConnections replaces pool membership with the supplied descriptors.
// Nodes already tracked keep their Connection instance, liveness state and
// failure counters. New nodes are built through the ConnectionFactory and
// vanished nodes are closed and forgotten. An empty descriptor list is ignored.
func (cp *ConnectionPool) SetConnections(descriptors []ConnectionDescriptor) {

	if len(descriptors) == 0 {
		return
	}

	cp.poolRWLock.Lock()
	defer cp.poolRWLock.Unlock()

	if cp.shutdown {
		return
	}

	newTracked := make(map[string]Connection, len(descriptors))
	newAlive := make([]Connection, 0, len(descriptors))

	for _, descriptor := range descriptors {
		signature := descriptor.Signature()
		if _, duplicate := newTracked[signature]; duplicate {
			continue
		}

		if existing, known := cp.tracked[signature]; known {
			newTracked[signature] = existing
			if !cp.flaggedConnections[signature] {
				newAlive = append(newAlive, existing)
			}
			continue
		}

		created := cp.factory(descriptor, cp.seasoning)
		newTracked[signature] = created
		newAlive = append(newAlive, created)
	}

	// Retire connections whose node left the cluster.
	for signature, conn := range cp.tracked {
		if _, keep := newTracked[signature]; keep {
			continue
		}
		delete(cp.flaggedConnections, signature)
		cp.connectionStats.Remove(signature)
		if err := conn.Close(); err != nil {
			cp.handleError(err)
		}
	}

	cp.tracked = newTracked
	cp.alive = newAlive

	if cp.randomizeHosts {
		rand.Shuffle(len(cp.alive), func(i, j int) {
			cp.alive[i], cp.alive[j] = cp.alive[j], cp.alive[i]
		})
	}
}

// Connections yields a snapshot of the alive connections.
func (cp *ConnectionPool) Connections() []Connection {

	cp.poolRWLock.RLock()
	defer cp.poolRWLock.RUnlock()

	connections := make([]Connection, len(cp.alive))
	copy(connections, cp.alive)

	return connections
}

// AliveCount yields how many connections are currently in rotation.
func (cp *ConnectionPool) AliveCount() int {

	cp.poolRWLock.RLock()
	defer cp.poolRWLock.RUnlock()

	return len(cp.alive)
}

// DeadCount yields how many connections are currently out of rotation.
func (cp *ConnectionPool) DeadCount() int {

	cp.poolRWLock.RLock()
	defer cp.poolRWLock.RUnlock()

	count := 0
	for _, flagged := range cp.flaggedConnections {
		if flagged {
			count++
		}
	}

	return count
}

// Stats yields a snapshot of the failure bookkeeping for one node signature.
func (cp *ConnectionPool) Stats(signature string) (ConnectionStats, bool) {

	cp.poolRWLock.RLock()
	defer cp.poolRWLock.RUnlock()

	value, ok := cp.connectionStats.Get(signature)
	if !ok {
		return ConnectionStats{}, false
	}

	stats := value.(*connectionStats)
	return ConnectionStats{
		ConsecutiveFailures: stats.consecutiveFailures,
		TotalFailures:       stats.totalFailures,
		LastDeadAt:          stats.lastDeadAt,
	}, true
}

// Shutdown closes all connections in the ConnectionPool and stops further use.
func (cp *ConnectionPool) Shutdown() {

	if cp == nil {
		return
	}

	cp.poolRWLock.Lock()
	defer cp.poolRWLock.Unlock()

	if cp.shutdown {
		return
	}
	cp.shutdown = true

	for _, conn := range cp.tracked {
		if err := conn.Close(); err != nil {
			cp.handleError(err)
		}
	}

	cp.deadConnections.Dispose()
	cp.tracked = make(map[string]Connection)
	cp.alive = nil
	cp.flaggedConnections = make(map[string]bool)
	cp.connectionStats = cmap.New()
}

// resurrectExpiredConnections returns every due dead connection to rotation.
// Callers must hold the write lock.
func (cp *ConnectionPool) resurrectExpiredConnections() {

	now := cp.clock.Now()

	for cp.deadConnections.Len() > 0 {
		entry, ok := cp.deadConnections.Peek().(*deadConnection)
		if !ok {
			_, _ = cp.deadConnections.Get(1)
			continue
		}

		if !cp.deadEntryValid(entry) {
			_, _ = cp.deadConnections.Get(1)
			continue
		}

		if entry.resurrectAt.After(now) {
			break
		}

		_, _ = cp.deadConnections.Get(1)
		cp.flaggedConnections[entry.signature] = false
		cp.alive = append(cp.alive, entry.conn)
	}
}

// resurrectByForce presses the earliest dead connection back into service even
// though its delay has not elapsed. Callers must hold the write lock.
func (cp *ConnectionPool) resurrectByForce() {

	for cp.deadConnections.Len() > 0 {
		items, err := cp.deadConnections.Get(1)
		if err != nil || len(items) == 0 {
			return
		}

		entry, ok := items[0].(*deadConnection)
		if !ok || !cp.deadEntryValid(entry) {
			continue
		}

		cp.flaggedConnections[entry.signature] = false
		cp.alive = append(cp.alive, entry.conn)
		return
	}
}

// deadEntryValid filters out queue entries orphaned by MarkLive or SetConnections.
func (cp *ConnectionPool) deadEntryValid(entry *deadConnection) bool {

	current, exists := cp.tracked[entry.signature]
	if !exists || current != entry.conn {
		return false
	}

	if !cp.flaggedConnections[entry.signature] {
		return false
	}

	return cp.getStats(entry.signature).deadEpoch == entry.epoch
}

func (cp *ConnectionPool) removeFromAlive(conn Connection) {

	for i, alive := range cp.alive {
		if alive == conn {
			cp.alive = append(cp.alive[:i], cp.alive[i+1:]...)
			return
		}
	}
}

func (cp *ConnectionPool) getStats(signature string) *connectionStats {

	if value, ok := cp.connectionStats.Get(signature); ok {
		return value.(*connectionStats)
	}

	stats := &connectionStats{backoff: cp.newBackoff()}
	cp.connectionStats.Set(signature, stats)

	return stats
}

func (cp *ConnectionPool) newBackoff() *backoff.ExponentialBackOff {

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cp.deadBackoffBase
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = cp.deadBackoffCap
	b.MaxElapsedTime = 0
	b.Clock = cp.clock
	b.Reset()

	return b
}

func (cp *ConnectionPool) handleError(err error) {
	if cp.errorHandler != nil {
		cp.errorHandler(err)
	}
}

// SingleConnectionPool pins exactly one node and performs no liveness bookkeeping.
// The Transport uses it when the cluster location is static (one seed, no sniffing):
// with nowhere to fail over to, marking the only node dead would only add delays.
type SingleConnectionPool struct {
	conn Connection
}

// NewSingleConnectionPool creates a pool around a single connection.
func NewSingleConnectionPool(conn Connection) (*SingleConnectionPool, error) {

	if conn == nil {
		return nil, errors.New("singleconnectionpool can't be built without a connection")
	}

	return &SingleConnectionPool{conn: conn}, nil
}

// GetConnection yields the pinned connection.
func (sp *SingleConnectionPool) GetConnection() (Connection, error) {
	return sp.conn, nil
}

// MarkDead is a no-op, the only node there is stays in rotation.
func (sp *SingleConnectionPool) MarkDead(conn Connection) {}

// MarkLive is a no-op.
func (sp *SingleConnectionPool) MarkLive(conn Connection) {}

// SetConnections is a no-op, membership is pinned.
func (sp *SingleConnectionPool) SetConnections(descriptors []ConnectionDescriptor) {}

// Connections yields the pinned connection.
func (sp *SingleConnectionPool) Connections() []Connection {
	return []Connection{sp.conn}
}

// AliveCount yields 1, the pinned connection never leaves rotation.
func (sp *SingleConnectionPool) AliveCount() int {
	return 1
}

// DeadCount yields 0.
func (sp *SingleConnectionPool) DeadCount() int {
	return 0
}

// Stats yields nothing, a single connection pool keeps no failure bookkeeping.
func (sp *SingleConnectionPool) Stats(signature string) (ConnectionStats, bool) {
	return ConnectionStats{}, false
}

// Shutdown closes the pinned connection.
func (sp *SingleConnectionPool) Shutdown() {
	_ = sp.conn.Close()
}
