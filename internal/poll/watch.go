package poll

import (
	"context"
	"sync"
	"time"
)

// View is a synchronizer whose snapshots are tied to an open view.
type View interface {
	Open(key string)
	Close(key string)
}

// Watch opens the view of key, fetches it once right away and then every
// period. The immediate fetch's error is returned, but the schedule keeps
// running either way. The returned stop func stops the schedule before
// closing the view, so no fetch starts against a closed view.
func (s *Scheduler) Watch(ctx context.Context, view View, key string, fetch func(ctx context.Context, key string) error, period time.Duration) (stop func(), err error) {
	view.Open(key)
	err = fetch(ctx, key)
	h := s.Start(ctx, key, func(ctx context.Context) error { return fetch(ctx, key) }, period)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.Stop(h)
			view.Close(key)
		})
	}, err
}
