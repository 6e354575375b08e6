package simplerecords

import "sync"

// scopeLocks hands out one mutex per key and forgets it once nobody holds it.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[string]*scopeLock
}

type scopeLock struct {
	mu   sync.Mutex
	refs int
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{locks: make(map[string]*scopeLock)}
}

// lock blocks until key is free and returns the matching unlock.
func (l *scopeLocks) lock(key string) func() {
	l.mu.Lock()
	sl, ok := l.locks[key]
	if !ok {
		sl = &scopeLock{}
		l.locks[key] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func scopeKey(scope RecordScope) string {
	return scope.EnsembleID.String() + "/" + scope.Name + "@" + FormatRealization(scope.RealizationIndex)
}
