// Package serial предоставляет единую точку сериализации для реестров
// сессий и звонков.
//
// Все мутации состояния выполняются одной горутиной в порядке постановки
// в очередь. Колбэки транспортного движка приходят асинхронно и должны
// возвращаться в Loop через Post перед тем как трогать состояние.
package serial

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed возвращается при постановке задачи в закрытый Loop
var ErrClosed = errors.New("serial loop closed")

// Loop однопоточный исполнитель с неограниченной очередью
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	closed  bool
	done    chan struct{}
	running sync.WaitGroup
}

// New создает и запускает Loop
func New() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	l.running.Add(1)
	go l.run()
	return l
}

// Post ставит задачу в очередь и не ждет ее выполнения.
// Никогда не блокируется, поэтому безопасен внутри колбэков и самого Loop.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do выполняет fn в Loop и ждет завершения.
// Нельзя вызывать из задачи, уже выполняющейся в Loop.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !l.Post(func() { result <- fn() }) {
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync дожидается выполнения всех задач, поставленных до вызова
func (l *Loop) Sync(ctx context.Context) error {
	return l.Do(ctx, func() error { return nil })
}

// Close останавливает Loop. Задачи, уже стоящие в очереди, выполняются.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.running.Wait()
}

func (l *Loop) run() {
	defer l.running.Done()

	for {
		l.drain()

		select {
		case <-l.wake:
		case <-l.done:
			l.drain()
			return
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}
