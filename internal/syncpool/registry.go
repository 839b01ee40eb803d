package syncpool

// SubscriptionID identifies a header or event subscription.
type SubscriptionID uint64

type entry[T any] struct {
	id SubscriptionID
	fn T
}

// registry keeps subscribers in registration order. Notification iterates a
// snapshot, so handlers may subscribe or unsubscribe while being notified.
type registry[T any] struct {
	entries []entry[T]
}

func (r *registry[T]) add(id SubscriptionID, fn T) {
	r.entries = append(r.entries, entry[T]{id: id, fn: fn})
}

func (r *registry[T]) remove(id SubscriptionID) bool {
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *registry[T]) snapshot() []entry[T] {
	out := make([]entry[T], len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *registry[T]) len() int {
	return len(r.entries)
}
