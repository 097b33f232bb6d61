// Package connectivity tracks whether the clinic backend is reachable and
// starts sync passes when it is.
package connectivity

import "sync"

// State is the process-wide online flag. Subscribers see every transition.
type State struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]chan bool
	nextID int
}

func NewState(online bool) *State {
	return &State{online: online, subs: map[int]chan bool{}}
}

// Online reports the last known connectivity.
func (s *State) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Set records the current connectivity and reports whether it changed.
// A full subscriber channel has its stale value replaced by the newest one.
func (s *State) Set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return false
	}
	s.online = online
	for _, ch := range s.subs {
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
	return true
}

// Subscribe returns a channel of transitions and a function that detaches it.
func (s *State) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan bool, 1)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}
