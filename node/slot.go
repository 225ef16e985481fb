//go:build linux
// +build linux

package node

// WorkerSlot is the coordinator's record of one spawned worker. A slot goes
// from live to dead exactly once, when its process is reaped, and is never
// reused.
type WorkerSlot struct {
	Index   int
	Pid     int
	channel *Channel
	dead    bool
}

func (s *WorkerSlot) Live() bool {
	return !s.dead
}

func (s *WorkerSlot) Channel() *Channel {
	return s.channel
}

// retire marks the slot dead and closes its channel end. Only the first
// call does anything.
func (s *WorkerSlot) retire() error {
	if s.dead {
		return nil
	}
	s.dead = true
	if s.channel == nil || s.channel.Closed() {
		return nil
	}
	return s.channel.Close()
}

// Pool is the fixed set of worker slots plus the round-robin cursor. Its
// length is set at construction and never changes.
type Pool struct {
	slots  []WorkerSlot
	cursor int
}

func newPool(size int) *Pool {
	p := &Pool{slots: make([]WorkerSlot, size)}
	for i := range p.slots {
		p.slots[i].Index = i
	}
	return p
}

func (p *Pool) Len() int {
	return len(p.slots)
}

func (p *Pool) Slot(i int) *WorkerSlot {
	return &p.slots[i]
}

// Cursor is where the next round-robin scan starts.
func (p *Pool) Cursor() int {
	return p.cursor
}

// Next picks the first live slot at or after the cursor, wrapping once
// around the pool, and moves the cursor past it. With no live slot it
// returns ErrPoolExhausted and leaves the cursor alone.
func (p *Pool) Next() (*WorkerSlot, error) {
	n := len(p.slots)
	for k := 0; k < n; k++ {
		j := (p.cursor + k) % n
		if p.slots[j].Live() {
			p.cursor = (j + 1) % n
			return &p.slots[j], nil
		}
	}
	return nil, ErrPoolExhausted
}

func (p *Pool) ByPid(pid int) *WorkerSlot {
	for i := range p.slots {
		if p.slots[i].Pid == pid {
			return &p.slots[i]
		}
	}
	return nil
}

// byChannel finds the slot whose coordinator end is fd.
func (p *Pool) byChannel(fd int) *WorkerSlot {
	for i := range p.slots {
		if ch := p.slots[i].channel; ch != nil && !ch.Closed() && ch.Fd() == fd {
			return &p.slots[i]
		}
	}
	return nil
}

func (p *Pool) LiveCount() int {
	live := 0
	for i := range p.slots {
		if p.slots[i].Live() {
			live++
		}
	}
	return live
}

func (p *Pool) AllDead() bool {
	return p.LiveCount() == 0
}
