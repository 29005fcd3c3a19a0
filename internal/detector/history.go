package detector

import "time"

type position struct {
	lat, lon float64
	at       time.Time
}

// pathBuffer keeps the last few positions of one vehicle
type pathBuffer struct {
	items []position
	next  int
	size  int
}

func newPathBuffer(capacity int) *pathBuffer {
	return &pathBuffer{items: make([]position, capacity)}
}

func (b *pathBuffer) push(p position) {
	b.items[b.next] = p
	b.next = (b.next + 1) % len(b.items)
	if b.size < len(b.items) {
		b.size++
	}
}

func (b *pathBuffer) full() bool {
	return b.size == len(b.items)
}

func (b *pathBuffer) newest() (position, bool) {
	if b.size == 0 {
		return position{}, false
	}
	return b.items[(b.next-1+len(b.items))%len(b.items)], true
}

// positions returns the buffered positions oldest first
func (b *pathBuffer) positions() []position {
	out := make([]position, 0, b.size)
	start := (b.next - b.size + len(b.items)) % len(b.items)
	for i := 0; i < b.size; i++ {
		out = append(out, b.items[(start+i)%len(b.items)])
	}
	return out
}

// paths is the set of per-vehicle buffers built for one detection run
type paths struct {
	capacity int
	buffers  map[string]*pathBuffer
}

func newPaths(capacity int) *paths {
	return &paths{capacity: capacity, buffers: make(map[string]*pathBuffer)}
}

// observe records a sighting unless it is not newer than the last one
func (p *paths) observe(vehicleID string, pos position) {
	b, ok := p.buffers[vehicleID]
	if !ok {
		b = newPathBuffer(p.capacity)
		p.buffers[vehicleID] = b
	}
	if last, ok := b.newest(); ok && !pos.at.After(last.at) {
		return
	}
	b.push(pos)
}

// reset forgets a vehicle's sightings; a stop breaks the run of in-transit
// positions
func (p *paths) reset(vehicleID string) {
	delete(p.buffers, vehicleID)
}

func (p *paths) get(vehicleID string) *pathBuffer {
	return p.buffers[vehicleID]
}
