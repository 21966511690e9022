package gradsearch

import "sync"

// maxPooled bounds the idle workspaces kept per dimension.
const maxPooled = 8

// workspace holds the scratch vectors a step writes into.
type workspace struct {
	gradient  []float64
	search    []float64
	candidate []float64
}

// workspacePool provides reusable workspaces to reduce allocations when
// optimizers of the same dimension are created and destroyed repeatedly.
type workspacePool struct {
	mu   sync.Mutex
	free map[int][]*workspace
}

var workspaces = newWorkspacePool()

func newWorkspacePool() *workspacePool {
	return &workspacePool{free: make(map[int][]*workspace)}
}

// get returns a zeroed workspace of dimension n from the pool or creates a
// new one.
func (p *workspacePool) get(n int) *workspace {
	p.mu.Lock()
	if free := p.free[n]; len(free) > 0 {
		ws := free[len(free)-1]
		p.free[n] = free[:len(free)-1]
		p.mu.Unlock()
		clear(ws.gradient)
		clear(ws.search)
		clear(ws.candidate)
		return ws
	}
	p.mu.Unlock()

	buf := make([]float64, 3*n)
	return &workspace{
		gradient:  buf[:n:n],
		search:    buf[n : 2*n : 2*n],
		candidate: buf[2*n:],
	}
}

// put returns ws to the pool. It is dropped if the pool is full.
func (p *workspacePool) put(ws *workspace) {
	if ws == nil {
		return
	}
	n := len(ws.gradient)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free[n]) < maxPooled {
		p.free[n] = append(p.free[n], ws)
	}
}

// idle returns the number of pooled workspaces of dimension n.
func (p *workspacePool) idle(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free[n])
}
