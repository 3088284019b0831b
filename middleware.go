// This file contains the generic middleware chain used by the hub to process
// inbound frames. Handlers run in registration order; each decides whether to
// continue the chain by calling next.
package relay

import (
	"context"
	"sync"
)

type middleware[Request any, Response any] struct {
	mutex    sync.RWMutex
	handlers []handlerFunc[Request, Response]
}

func newMiddleWare[Request any, Response any]() *middleware[Request, Response] {
	return &middleware[Request, Response]{
		handlers: make([]handlerFunc[Request, Response], 0),
	}
}

// Use appends a handler to the chain. Handlers registered first run first.
func (m *middleware[Request, Response]) Use(handler handlerFunc[Request, Response]) {
	m.mutex.Lock()

	defer m.mutex.Unlock()

	m.handlers = append(m.handlers, handler)
}

// Handle runs the chain against a request, finishing with the final handler
// if every middleware called next. The first error stops the chain.
func (m *middleware[Request, Response]) Handle(ctx context.Context, request Request, response Response, final FinalHandlerFunc[Request, Response]) error {
	m.mutex.RLock()

	handlers := make([]handlerFunc[Request, Response], len(m.handlers))

	copy(handlers, m.handlers)

	m.mutex.RUnlock()

	var run func(index int) error
	run = func(index int) error {
		select {
		case <-ctx.Done():
			return ctx.Err()

		default:
		}
		if index >= len(handlers) {
			return final(request, response)
		}
		return handlers[index](ctx, request, response, func() error {
			return run(index + 1)
		})
	}
	return run(0)
}
