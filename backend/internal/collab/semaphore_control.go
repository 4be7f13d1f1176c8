package collab

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrAcquireTimeout = errors.New("semaphore acquire reached time limit")
	ErrNotAcquired    = errors.New("semaphore release failed, not acquired")
)

const DefaultMaxSemaphore = 100

// SemaphoreControl 限制并发：Kafka 发送、WebSocket 上的单元格写入
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(max int) *SemaphoreControl {
	if max <= 0 {
		max = DefaultMaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, max)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

// InUse 当前占用数
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
