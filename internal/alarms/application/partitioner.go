package application

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	alarms "iot-alerting/internal/alarms/domain"
)

// ErrPartitionerStopped is returned by Submit after Stop.
var ErrPartitionerStopped = errors.New("alarms: partitioner stopped")

// SampleHandler evaluates one sample.
type SampleHandler func(ctx context.Context, sample alarms.Sample) error

type partitionJob struct {
	ctx    context.Context
	sample alarms.Sample
	done   chan error
}

// Partitioner serializes samples per device: each device hashes to one worker queue,
// so samples of a device are evaluated in submission order.
type Partitioner struct {
	handler SampleHandler
	queues  []chan partitionJob
	logger  *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewPartitioner builds a partitioner with workers queues of queueSize each.
func NewPartitioner(workers, queueSize int, handler SampleHandler, logger *zap.Logger) *Partitioner {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Partitioner{handler: handler, logger: logger, queues: make([]chan partitionJob, workers)}
	for i := range p.queues {
		p.queues[i] = make(chan partitionJob, queueSize)
	}
	return p
}

// Start launches the workers. They run until Stop.
func (p *Partitioner) Start() {
	for i, queue := range p.queues {
		p.wg.Add(1)
		go func(worker int, queue <-chan partitionJob) {
			defer p.wg.Done()
			for job := range queue {
				job.done <- p.run(job)
			}
			p.logger.Debug("partition worker stopped", zap.Int("worker", worker))
		}(i, queue)
	}
}

func (p *Partitioner) run(job partitionJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("sample handler panic", zap.Any("panic", r), zap.String("device_id", job.sample.DeviceID))
			err = errors.New("alarms: sample handler panic")
		}
	}()
	if err := job.ctx.Err(); err != nil {
		return err
	}
	return p.handler(job.ctx, job.sample)
}

// Submit routes the sample to its device's worker and waits for the evaluation result.
func (p *Partitioner) Submit(ctx context.Context, sample alarms.Sample) error {
	job := partitionJob{ctx: ctx, sample: sample, done: make(chan error, 1)}

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPartitionerStopped
	}
	select {
	case p.queues[p.partition(sample.DeviceID)] <- job:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Partitioner) partition(deviceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Stop closes the queues and waits for in-flight samples.
func (p *Partitioner) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, queue := range p.queues {
		close(queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
