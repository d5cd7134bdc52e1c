package supply_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quics-go/internal/supply"
)

func TestSupplyFIFO(t *testing.T) {
	items := make(chan int, 1)
	go func() {
		defer close(items)
		for i := 0; i < 5; i++ {
			items <- i
		}
	}()

	s := supply.New[int](items)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		got, ok := s.Fetch(ctx)
		require.True(t, ok)
		require.Equal(t, i, got)
	}

	_, ok := s.Fetch(ctx)
	require.False(t, ok)
}

func TestSupplyFetchRespectsContextCancellation(t *testing.T) {
	items := make(chan int)
	s := supply.New[int](items)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := s.Fetch(ctx)
	require.False(t, ok)
}

func TestSupplyFetchTimesOut(t *testing.T) {
	items := make(chan int)
	s := supply.New[int](items)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := s.Fetch(ctx)
	require.False(t, ok)
}
