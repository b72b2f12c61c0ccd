package phone

import (
	"sync"

	"github.com/rs/zerolog"
)

// Broadcaster fans status snapshots out to direct subscribers and bounded
// stream queues. Publish never blocks on a slow consumer: a full queue drops
// the snapshot.
type Broadcaster struct {
	log zerolog.Logger

	mu      sync.Mutex
	nextID  uint64
	lastSeq uint64
	subs    []subscriber
	streams map[uint64]chan Status
}

type subscriber struct {
	id uint64
	fn func(Status)
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		log:     log,
		streams: make(map[uint64]chan Status),
	}
}

// Subscribe registers fn to be called with every snapshot, in registration
// order. fn must not call Subscribe, Stream or their cancel funcs.
func (b *Broadcaster) Subscribe(fn func(Status)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Stream registers a bounded queue of the given size. The channel is closed
// by cancel.
func (b *Broadcaster) Stream(size int) (<-chan Status, func()) {
	if size < 1 {
		size = 1
	}
	ch := make(chan Status, size)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.streams[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.streams, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers st. Snapshots older than the last published one are dropped.
func (b *Broadcaster) Publish(st Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st.seq != 0 && st.seq <= b.lastSeq {
		return
	}
	if st.seq != 0 {
		b.lastSeq = st.seq
	}

	for id, ch := range b.streams {
		select {
		case ch <- st:
		default:
			b.log.Debug().Uint64("stream", id).Msg("stream queue full, dropping snapshot")
		}
	}
	for _, s := range b.subs {
		b.deliver(s, st)
	}
}

func (b *Broadcaster) deliver(s subscriber, st Status) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Uint64("subscriber", s.id).Msg("status subscriber failed")
		}
	}()
	s.fn(st)
}
