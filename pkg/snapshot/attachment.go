package snapshot

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Attachment is a named binary blob owned by the process-wide Store.
// Attachments are immutable once created; replacement is delete-then-create,
// never in-place mutation of the bytes.
type Attachment struct {
	Name  string
	Bytes []byte

	// handle is a transient in-process reference. It is rebuilt whenever the
	// attachment is (re)created and is never persisted.
	handle string
}

// Handle returns the transient in-process reference for this attachment.
func (a *Attachment) Handle() string {
	return a.handle
}

func newAttachment(name string, data []byte) *Attachment {
	return &Attachment{
		Name:   name,
		Bytes:  data,
		handle: fmt.Sprintf("mem://%s/%s", uuid.NewString(), name),
	}
}

// Store is the process-wide attachment set. Sessions reference attachments
// by name, they never own copies.
type Store struct {
	mu     sync.Mutex
	order  []string
	byName map[string]*Attachment
}

func NewStore() *Store {
	return &Store{
		byName: make(map[string]*Attachment),
	}
}

// Add creates a new immutable attachment. Adding a name that already exists
// is an error; use Replace for that.
func (s *Store) Add(name string, data []byte) (*Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[name]; ok {
		return nil, errors.Errorf("attachment %q already exists", name)
	}
	a := newAttachment(name, data)
	s.order = append(s.order, name)
	s.byName[name] = a
	return a, nil
}

// Replace swaps an attachment's content by removing the old entry and
// creating a fresh one, with a fresh transient handle.
func (s *Store) Replace(name string, data []byte) *Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(name)
	a := newAttachment(name, data)
	s.order = append(s.order, name)
	s.byName[name] = a
	return a
}

func (s *Store) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Store) removeLocked(name string) bool {
	if _, ok := s.byName[name]; !ok {
		return false
	}
	delete(s.byName, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *Store) Get(name string) (*Attachment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byName[name]
	return a, ok
}

// List returns all attachments in insertion order.
func (s *Store) List() []*Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]*Attachment, 0, len(s.order))
	for _, name := range s.order {
		ret = append(ret, s.byName[name])
	}
	return ret
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Restore replaces the store's entire content in one step, rebuilding
// transient handles from the attachment bytes.
func (s *Store) Restore(attachments []*Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = make([]string, 0, len(attachments))
	s.byName = make(map[string]*Attachment, len(attachments))
	for _, a := range attachments {
		restored := newAttachment(a.Name, a.Bytes)
		s.order = append(s.order, restored.Name)
		s.byName[restored.Name] = restored
	}
}
