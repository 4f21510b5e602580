package esc

import (
	"math/rand"
	"sync/atomic"
)

const (
	// RoundRobinPolicyType helps identify which selection policy to build.
	RoundRobinPolicyType = "round_robin"

	// RandomPolicyType helps identify which selection policy to build.
	RandomPolicyType = "random"
)

// SelectionPolicy picks the next connection to receive a request from the alive set.
type SelectionPolicy interface {
	Select(connections []Connection) Connection
}

// RoundRobinPolicy cycles through the alive connections in order.
type RoundRobinPolicy struct {
	counter uint64
}

// NewRoundRobinPolicy creates the default SelectionPolicy.
func NewRoundRobinPolicy() *RoundRobinPolicy {
	return &RoundRobinPolicy{}
}

// Select picks the next connection in line.
func (p *RoundRobinPolicy) Select(connections []Connection) Connection {

	if len(connections) == 0 {
		return nil
	}

	next := atomic.AddUint64(&p.counter, 1)
	return connections[(next-1)%uint64(len(connections))]
}

// RandomPolicy picks an alive connection at random.
type RandomPolicy struct{}

// NewRandomPolicy creates a RandomPolicy.
func NewRandomPolicy() *RandomPolicy {
	return &RandomPolicy{}
}

// Select picks any connection.
func (p *RandomPolicy) Select(connections []Connection) Connection {

	if len(connections) == 0 {
		return nil
	}

	return connections[rand.Intn(len(connections))]
}

// NewSelectionPolicy builds the SelectionPolicy configured in the PoolConfig.
func NewSelectionPolicy(policyType string) SelectionPolicy {

	switch policyType {
	case RandomPolicyType:
		return NewRandomPolicy()
	case RoundRobinPolicyType:
		fallthrough
	default:
		return NewRoundRobinPolicy()
	}
}
