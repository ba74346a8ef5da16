package core

import "sync"

type connState struct {
	user  string
	alive bool
}

// Binding pairs a connection with the user it was initialized as.
type Binding struct {
	Conn Conn
	User string
}

// Registry tracks live connections of this process and the user bound to each.
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[Conn]*connState
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[Conn]*connState)}
}

// Add tracks a connection that has not been initialized yet.
func (r *Registry) Add(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c]; !ok {
		r.conns[c] = &connState{alive: true}
	}
}

// Bind associates c with user and returns the user it was bound to before, if any.
func (r *Registry) Bind(c Conn, user string) (prev string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.conns[c]
	if !ok {
		st = &connState{alive: true}
		r.conns[c] = st
	}
	prev = st.user
	st.user = user
	return prev
}

// Remove forgets c and returns the user it was bound to.
func (r *Registry) Remove(c Conn) (user string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.conns[c]; ok {
		user = st.user
		delete(r.conns, c)
	}
	return user
}

// User returns the user bound to c.
func (r *Registry) User(c Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.conns[c]
	if !ok || st.user == "" {
		return "", false
	}
	return st.user, true
}

// MarkAlive records a liveness answer from c.
func (r *Registry) MarkAlive(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.conns[c]; ok {
		st.alive = true
	}
}

// Bindings returns a snapshot of every initialized connection.
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Binding, 0, len(r.conns))
	for c, st := range r.conns {
		if st.user != "" {
			out = append(out, Binding{Conn: c, User: st.user})
		}
	}
	return out
}

// HasAnyUser reports whether at least one of users is bound to a local connection.
func (r *Registry) HasAnyUser(users []string) bool {
	if len(users) == 0 {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	bound := make(map[string]struct{}, len(r.conns))
	for _, st := range r.conns {
		if st.user != "" {
			bound[st.user] = struct{}{}
		}
	}
	for _, u := range users {
		if _, ok := bound[u]; ok {
			return true
		}
	}
	return false
}

// Expire splits connections for a probe round: stale ones never answered the
// previous probe, the rest are marked unanswered and must be probed again.
func (r *Registry) Expire() (stale, probe []Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for c, st := range r.conns {
		if !st.alive {
			stale = append(stale, c)
			continue
		}
		st.alive = false
		probe = append(probe, c)
	}
	return stale, probe
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
