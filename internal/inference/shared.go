package inference

import (
	"sync"
)

// SharedSession serialises Run calls on a session shared between the three
// micro-stages of one NN node. The lock exists only to serialise run():
// one inference at a time per session, no concurrent GPU dispatch.
type SharedSession struct {
	mu      sync.Mutex
	session Session
}

// NewSharedSession wraps a session for shared ownership.
func NewSharedSession(s Session) *SharedSession {
	return &SharedSession{session: s}
}

// Inputs describes the model's inputs.
func (s *SharedSession) Inputs() []IOInfo { return s.session.Inputs() }

// Outputs describes the model's outputs.
func (s *SharedSession) Outputs() []IOInfo { return s.session.Outputs() }

// Run executes the model under the session lock.
func (s *SharedSession) Run(inputs map[string]*Tensor) (map[string]*Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Run(inputs)
}

// Close releases the underlying session.
func (s *SharedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Close()
}
