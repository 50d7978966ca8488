package listener

import "sync"

// dedupeWindow remembers a trailing window of message IDs.
type dedupeWindow struct {
	mu    sync.Mutex
	ids   map[string]bool
	order []string
	size  int
}

func newDedupeWindow(size int) *dedupeWindow {
	return &dedupeWindow{
		ids:  make(map[string]bool, size),
		size: size,
	}
}

// seen reports whether id was already observed and records it if not.
func (d *dedupeWindow) seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ids[id] {
		return true
	}
	d.ids[id] = true
	d.order = append(d.order, id)
	if len(d.order) > d.size {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.ids, oldest)
	}
	return false
}

// forget drops an id so a redelivery can be processed after a local failure.
func (d *dedupeWindow) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ids[id] {
		return
	}
	delete(d.ids, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}
