package loader

import (
	"sort"
	"sync"
)

// ImageSource resolves program names to encoded images.
type ImageSource interface {
	Lookup(name string) ([]byte, bool)
	Names() []string
}

// Registry is an in-memory ImageSource. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	images map[string][]byte
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{images: make(map[string][]byte)}
}

// Register stores image under name, replacing any previous image with the
// same name.
func (r *Registry) Register(name string, image []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[name] = image
}

// Lookup returns the image registered under name.
func (r *Registry) Lookup(name string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	image, ok := r.images[name]
	return image, ok
}

// Names returns the registered names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.images))
	for name := range r.images {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
