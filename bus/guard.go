package bus

import "sync"

// Guard serialises access to one physical line. Several controllers can
// share a single serial cable, so every sequence of MotorBus calls that
// must appear atomic to other goroutines is wrapped in one acquisition.
// Not reentrant.
type Guard struct {
	mu sync.Mutex
}

func NewGuard() *Guard {
	return new(Guard)
}

func (g *Guard) Lock() {
	g.mu.Lock()
}

func (g *Guard) Unlock() {
	g.mu.Unlock()
}

// Do runs fn while holding the guard. The guard is released on all exit
// paths, including a panic inside fn.
func (g *Guard) Do(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn()
}
