package distance

import (
	"sort"

	"github.com/danmuck/rangectl/internal/hci"
)

// registry indexes sessions by connection handle. At most one session exists
// per handle.
type registry struct {
	byHandle map[uint16]*session
}

func newRegistry() *registry {
	return &registry{byHandle: make(map[uint16]*session)}
}

func (r *registry) get(handle uint16) *session {
	return r.byHandle[handle]
}

func (r *registry) add(s *session) {
	r.byHandle[s.handle] = s
}

// remove deletes s only if it still owns its handle.
func (r *registry) remove(s *session) bool {
	if cur, ok := r.byHandle[s.handle]; ok && cur == s {
		delete(r.byHandle, s.handle)
		return true
	}
	return false
}

func (r *registry) byRemote(remote hci.Address) []*session {
	var out []*session
	for _, s := range r.all() {
		if s.remote == remote {
			out = append(out, s)
		}
	}
	return out
}

// all returns sessions ordered by handle.
func (r *registry) all() []*session {
	out := make([]*session, 0, len(r.byHandle))
	for _, s := range r.byHandle {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].handle < out[j].handle })
	return out
}

func (r *registry) len() int {
	return len(r.byHandle)
}
