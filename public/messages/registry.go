package messages

import (
	"fmt"
	"sync"
)

// Factory produces a zero-valued instance of a message type, ready to be
// filled by the payload decoder.
type Factory func() Message

var (
	registryMux sync.RWMutex
	registry    = make(map[string]Factory)
)

// Register binds a kind tag to its payload factory. Components defining their
// own payload kinds call this from an init function. Registering the same
// kind twice is a programming error and panics.
func Register(kind string, f Factory) {
	registryMux.Lock()
	defer registryMux.Unlock()

	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("messages: kind %q registered twice", kind))
	}
	registry[kind] = f
}

func newByKind(kind string) (Message, bool) {
	registryMux.RLock()
	f, ok := registry[kind]
	registryMux.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}
