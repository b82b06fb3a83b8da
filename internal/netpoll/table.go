package netpoll

import "sync"

// table is the registration set shared by the scan-based backends.
type table struct {
	mu     sync.Mutex
	fds    map[int]Interest
	closed bool
}

func newTable() *table {
	return &table{fds: make(map[int]Interest)}
}

func (t *table) add(fd int, in Interest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, ok := t.fds[fd]; ok {
		return ErrAlreadyRegistered
	}
	t.fds[fd] = in
	return nil
}

func (t *table) modify(fd int, in Interest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.fds[fd]; !ok {
		return ErrNotRegistered
	}
	t.fds[fd] = in
	return nil
}

func (t *table) remove(fd int) {
	t.mu.Lock()
	delete(t.fds, fd)
	t.mu.Unlock()
}

type entry struct {
	fd int
	in Interest
}

func (t *table) snapshot() []entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]entry, 0, len(t.fds))
	for fd, in := range t.fds {
		out = append(out, entry{fd: fd, in: in})
	}
	return out
}

func (t *table) close() {
	t.mu.Lock()
	t.closed = true
	t.fds = make(map[int]Interest)
	t.mu.Unlock()
}
