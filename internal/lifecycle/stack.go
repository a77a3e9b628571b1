package lifecycle

import (
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// ReleaseFunc releases one acquired resource
type ReleaseFunc func() error

type entry struct {
	name    string
	release ReleaseFunc
}

// Stack records acquired resources and releases them in reverse order.
// Release runs at most once; later calls are no-ops.
type Stack struct {
	mu       sync.Mutex
	entries  []entry
	released bool
}

// Push records a resource. Pushing after Release releases the resource immediately.
func (s *Stack) Push(name string, release ReleaseFunc) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		klog.Warningf("Lifecycle: %s acquired after teardown, releasing now", name)
		if err := release(); err != nil {
			klog.Errorf("Lifecycle: failed to release %s: %v", name, err)
		}
		return
	}
	s.entries = append(s.entries, entry{name: name, release: release})
	s.mu.Unlock()
}

// PushCloser records a resource whose close step cannot fail
func (s *Stack) PushCloser(name string, close func()) {
	s.Push(name, func() error {
		close()
		return nil
	})
}

// Len returns the number of resources still held
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Release releases every resource in reverse acquisition order.
// A failing release is logged and does not stop the rest; the joined
// errors are returned.
func (s *Stack) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		klog.V(2).Infof("Lifecycle: releasing %s", e.name)
		if err := safeRelease(e); err != nil {
			klog.Errorf("Lifecycle: failed to release %s: %v", e.name, err)
			errs = append(errs, fmt.Errorf("release %s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

func safeRelease(e entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.release()
}
