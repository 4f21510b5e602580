package esc_test

import (
	"testing"

	"github.com/houseofcat/escargot/pkg/esc"
	"github.com/stretchr/testify/assert"
)

func TestRoundRobinPolicySelect(t *testing.T) {

	connections := []esc.Connection{
		newMockConnection("127.0.0.1", 9200),
		newMockConnection("127.0.0.1", 9201),
		newMockConnection("127.0.0.1", 9202),
	}

	policy := esc.NewRoundRobinPolicy()

	assert.Same(t, connections[0], policy.Select(connections))
	assert.Same(t, connections[1], policy.Select(connections))
	assert.Same(t, connections[2], policy.Select(connections))
	assert.Same(t, connections[0], policy.Select(connections))
}

func TestRoundRobinPolicySelectShrunkenSet(t *testing.T) {

	connections := []esc.Connection{
		newMockConnection("127.0.0.1", 9200),
		newMockConnection("127.0.0.1", 9201),
		newMockConnection("127.0.0.1", 9202),
	}

	policy := esc.NewRoundRobinPolicy()

	policy.Select(connections)
	policy.Select(connections)

	// The rotation keeps going when nodes drop out of the alive set.
	shrunken := connections[:2]
	assert.NotNil(t, policy.Select(shrunken))
	assert.NotNil(t, policy.Select(shrunken))
}

func TestRoundRobinPolicySelectEmpty(t *testing.T) {

	policy := esc.NewRoundRobinPolicy()
	assert.Nil(t, policy.Select(nil))
	assert.Nil(t, policy.Select([]esc.Connection{}))
}

func TestRandomPolicySelect(t *testing.T) {

	connections := []esc.Connection{
		newMockConnection("127.0.0.1", 9200),
		newMockConnection("127.0.0.1", 9201),
		newMockConnection("127.0.0.1", 9202),
	}

	policy := esc.NewRandomPolicy()

	for i := 0; i < 25; i++ {
		selected := policy.Select(connections)
		assert.Contains(t, connections, selected)
	}

	assert.Nil(t, policy.Select(nil))
}

func TestNewSelectionPolicy(t *testing.T) {

	assert.IsType(t, &esc.RoundRobinPolicy{}, esc.NewSelectionPolicy(esc.RoundRobinPolicyType))
	assert.IsType(t, &esc.RandomPolicy{}, esc.NewSelectionPolicy(esc.RandomPolicyType))
	assert.IsType(t, &esc.RoundRobinPolicy{}, esc.NewSelectionPolicy("unheard-of"))
}
