package queue

import (
	"context"
	"time"
)

// Priority — приоритет диспетчеризации: меньше значение — раньше заберут.
type Priority int

const (
	PriorityUrgent Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

type Options struct {
	// JobID — ключ дедупликации: пока джоба с таким id в очереди или
	// выполняется, повторный Enqueue не ставит вторую. Пустой = без дедупа.
	JobID    string
	Priority Priority
	Delay    time.Duration
}

type Handler func(ctx context.Context, payload []byte) error

// Queue — at-least-once очередь с приоритетами, дедупликацией по job id
// и ретраями с экспоненциальным бэкоффом на стороне консьюмера.
type Queue interface {
	// Enqueue возвращает false, если джоба отсечена дедупликацией.
	Enqueue(ctx context.Context, queueName string, payload []byte, opts Options) (bool, error)
	// Consume блокируется до отмены контекста, параллельно обрабатывая
	// до concurrency джоб.
	Consume(ctx context.Context, queueName string, concurrency int, h Handler) error
	Close() error
}
