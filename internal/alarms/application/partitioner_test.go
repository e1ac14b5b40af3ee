package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarms "iot-alerting/internal/alarms/domain"
)

func TestPartitionerKeepsPerDeviceOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]float64{}
	p := NewPartitioner(4, 8, func(_ context.Context, s alarms.Sample) error {
		mu.Lock()
		defer mu.Unlock()
		seen[s.DeviceID] = append(seen[s.DeviceID], s.Values["seq"])
		return nil
	}, nil)
	p.Start()
	defer p.Stop()

	var wg sync.WaitGroup
	for d := 0; d < 5; d++ {
		device := fmt.Sprintf("dev-%d", d)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				err := p.Submit(context.Background(), alarms.Sample{TenantID: "t", DeviceID: device, Values: map[string]float64{"seq": float64(i)}})
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for d := 0; d < 5; d++ {
		got := seen[fmt.Sprintf("dev-%d", d)]
		require.Len(t, got, 20)
		for i := range got {
			assert.Equal(t, float64(i), got[i])
		}
	}
}

func TestPartitionerReturnsHandlerError(t *testing.T) {
	boom := errors.New("store down")
	p := NewPartitioner(2, 1, func(context.Context, alarms.Sample) error { return boom }, nil)
	p.Start()
	assert.ErrorIs(t, p.Submit(context.Background(), alarms.Sample{DeviceID: "d"}), boom)
	p.Stop()
	assert.ErrorIs(t, p.Submit(context.Background(), alarms.Sample{DeviceID: "d"}), ErrPartitionerStopped)
}

func TestPartitionerSameDeviceSameWorker(t *testing.T) {
	p := NewPartitioner(8, 0, nil, nil)
	assert.Equal(t, p.partition("device-42"), p.partition("device-42"))
}
