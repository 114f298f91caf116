package connector

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry maps caller-chosen server ids to their ServerClient. Clients are
// created lazily on first Get and live until Close; entries are never evicted.
type Registry struct {
	mu      sync.Mutex
	opts    Options
	clients map[string]*ServerClient
	closed  bool
}

// NewRegistry creates an empty registry. opts applies to every client it creates.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:    opts,
		clients: make(map[string]*ServerClient),
	}
}

// Get returns the client registered under id, creating it and starting its
// first connection attempt if absent. address is only used on creation and
// defaults to DefaultAddress.
func (r *Registry) Get(id, address string) *ServerClient {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[id]; ok {
		return c
	}

	c := newServerClient(id, address, r.opts)
	r.clients[id] = c

	if r.closed {
		// Still hand back a usable, permanently disconnected client.
		close(c.done)
		return c
	}

	go c.run()

	log.Debug().Str("server", id).Str("addr", c.address).Msg("server client registered")
	return c
}

// Lookup returns the client for id without creating one.
func (r *Registry) Lookup(id string) (*ServerClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	return c, ok
}

// All returns every registered client ordered by id.
func (r *Registry) All() []*ServerClient {
	r.mu.Lock()
	result := make([]*ServerClient, 0, len(r.clients))
	for _, c := range r.clients {
		result = append(result, c)
	}
	r.mu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].id < result[j].id })
	return result
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close shuts down every client. Clients obtained afterwards never connect.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	clients := make([]*ServerClient, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()

	log.Info().Int("clients", len(clients)).Msg("all server clients closed")
}
