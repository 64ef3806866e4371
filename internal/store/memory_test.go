package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	def := newDefinition("forecast", "demand_forecast")
	require.NoError(t, s.UpsertDefinition(ctx, def))

	got, err := s.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	got.TriggerEvents[0] = "mutated"

	again, err := s.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, "inventory.low", again.TriggerEvents[0])
}

func TestMemoryStore_EventsByType(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, &DomainEvent{ID: "e1", Type: "a"}))
	require.NoError(t, s.AppendEvent(ctx, &DomainEvent{ID: "e2", Type: "b"}))

	assert.Len(t, s.Events("a"), 1)
	assert.Len(t, s.Events(""), 2)
}
