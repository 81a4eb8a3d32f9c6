package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/adeboyed/Parliament/pkg/types"
)

var (
	ErrDuplicateUser = errors.New("user already connected")
	ErrUserNotFound  = errors.New("user not found")
	ErrUserDeleted   = errors.New("user connection closed")
)

// Users tracks connected users and the jobs they own.
type Users struct {
	mu    sync.RWMutex
	users map[string]*types.User
	now   func() time.Time
}

// NewUsers returns an empty user registry.
func NewUsers() *Users {
	return &Users{users: make(map[string]*types.User), now: time.Now}
}

// Create registers a new user session.
func (r *Users) Create(id, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[id]; exists {
		return ErrDuplicateUser
	}
	r.users[id] = &types.User{
		ID:          id,
		LastRequest: r.now(),
		Jobs:        make(map[string]struct{}),
		Image:       image,
	}
	return nil
}

func (r *Users) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[id]
	return ok
}

// Authenticate refreshes the user's last-request time. It fails for
// unknown users and for sessions that were closed.
func (r *Users) Authenticate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.LastRequest = r.now()
	if u.ToBeDeleted {
		return ErrUserDeleted
	}
	return nil
}

// Close marks the session for deletion.
func (r *Users) Close(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.ToBeDeleted = true
	return nil
}

// AddJobs records jobIDs as owned by the user.
func (r *Users) AddJobs(id string, jobIDs ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	for _, j := range jobIDs {
		u.Jobs[j] = struct{}{}
	}
	return nil
}

// Owns reports whether the user owns jobID.
func (r *Users) Owns(id, jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return false
	}
	_, owned := u.Jobs[jobID]
	return owned
}

// Image returns the execution image the user connected with.
func (r *Users) Image(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u, ok := r.users[id]; ok {
		return u.Image
	}
	return ""
}

// EvictIdle removes every user whose last request is older than timeout
// and returns their ids.
func (r *Users) EvictIdle(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-timeout)
	var evicted []string
	for id, u := range r.users {
		if u.LastRequest.After(cutoff) {
			continue
		}
		delete(r.users, id)
		evicted = append(evicted, id)
	}
	return evicted
}

func (r *Users) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
