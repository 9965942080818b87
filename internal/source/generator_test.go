package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ProduceBatch(t *testing.T) {
	tests := []struct {
		name        string
		count       int
		expectError bool
	}{
		{name: "Single trade", count: 1},
		{name: "Default batch", count: DefaultBatchSize},
		{name: "Zero count", count: 0, expectError: true},
		{name: "Negative count", count: -3, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGenerator()
			batch, err := g.ProduceBatch(tt.count)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidCount)
				assert.Nil(t, batch)
				return
			}
			require.NoError(t, err)
			require.Len(t, batch, tt.count)
			for i, trade := range batch {
				assert.Equal(t, int64(i+1), trade.TradeID)
				assert.GreaterOrEqual(t, trade.ProductID, int32(ProductIDBase))
				assert.Less(t, trade.ProductID, int32(ProductIDBase+IDRange))
				assert.GreaterOrEqual(t, trade.BrokerID, int32(BrokerIDBase))
				assert.Less(t, trade.BrokerID, int32(BrokerIDBase+IDRange))
			}
		})
	}
}

func Test_ProduceBatchIdsContinueAcrossBatches(t *testing.T) {
	g := NewGenerator()
	first, err := g.ProduceBatch(3)
	require.NoError(t, err)
	second, err := g.ProduceBatch(2)
	require.NoError(t, err)

	assert.Equal(t, int64(3), first[2].TradeID)
	assert.Equal(t, int64(4), second[0].TradeID)
	assert.Equal(t, int64(5), second[1].TradeID)

	// a rejected batch must not consume ids
	_, err = g.ProduceBatch(0)
	require.Error(t, err)
	next, err := g.ProduceBatch(1)
	require.NoError(t, err)
	assert.Equal(t, int64(6), next[0].TradeID)
}

func Test_SeededGeneratorIsDeterministic(t *testing.T) {
	a, err := NewSeededGenerator(7).ProduceBatch(50)
	require.NoError(t, err)
	b, err := NewSeededGenerator(7).ProduceBatch(50)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func Test_ProduceBatchCoversAllIds(t *testing.T) {
	batch, err := NewSeededGenerator(1).ProduceBatch(1000)
	require.NoError(t, err)

	productsSeen := make(map[int32]bool)
	brokersSeen := make(map[int32]bool)
	for _, trade := range batch {
		productsSeen[trade.ProductID] = true
		brokersSeen[trade.BrokerID] = true
	}
	assert.Len(t, productsSeen, IDRange)
	assert.Len(t, brokersSeen, IDRange)
}

func Test_Stream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trades, err := NewGenerator().Stream(ctx, 5, 5*time.Millisecond)
	require.NoError(t, err)

	for want := int64(1); want <= 12; want++ {
		select {
		case trade := <-trades:
			assert.Equal(t, want, trade.TradeID, "stream must keep ids monotonic across batches")
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for trade")
		}
	}

	cancel()
	assert.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-trades:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond, "stream must close after cancellation")
}

func Test_Batches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches, err := NewGenerator().Batches(ctx, 3, 5*time.Millisecond)
	require.NoError(t, err)

	first := <-batches
	second := <-batches
	require.Len(t, first, 3)
	require.Len(t, second, 3)
	assert.Equal(t, int64(1), first[0].TradeID)
	assert.Equal(t, int64(4), second[0].TradeID)

	cancel()
	for range batches {
	}
}

func Test_StreamInvalidArguments(t *testing.T) {
	g := NewGenerator()

	_, err := g.Stream(context.Background(), 0, time.Second)
	assert.ErrorIs(t, err, ErrInvalidCount)

	_, err = g.Stream(context.Background(), 10, 0)
	assert.Error(t, err)

	_, err = g.Batches(context.Background(), -1, time.Second)
	assert.ErrorIs(t, err, ErrInvalidCount)
}
