package kafka

import (
	"fmt"
	"sync"
)

type MessageHandler func(topic string, key, value []byte) error

// Router topic -> handler
type Router struct {
	mu         sync.RWMutex
	handlerMap map[string]MessageHandler
}

func NewRouter() *Router {
	return &Router{handlerMap: make(map[string]MessageHandler)}
}

func (r *Router) RegisterHandler(topic string, handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlerMap[topic] = handler
}

func (r *Router) GetHandler(topic string) (MessageHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlerMap[topic]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("no handler registered for topic: %s", topic)
}

func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlerMap))
	for t := range r.handlerMap {
		out = append(out, t)
	}
	return out
}
