package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/markb/tasklive/internal/transport"
)

// User is one online user as seen on a presence channel.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Reconcile turns a full presence snapshot into one User per distinct
// user id. Only the first meta under each key counts; metas without a
// username are dropped. The result is sorted by id.
func Reconcile(snapshot transport.Snapshot) []User {
	byID := make(map[string]User, len(snapshot))
	for key, metas := range snapshot {
		if len(metas) == 0 {
			continue
		}
		first := metas[0]

		username, _ := first["username"].(string)
		if username == "" {
			continue
		}
		id, _ := first["user_id"].(string)
		if id == "" {
			id = key
		}
		byID[id] = User{ID: id, Username: username}
	}

	users := make([]User, 0, len(byID))
	for _, u := range byID {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// DefaultCoalesceDelay is the quiet period before a snapshot is published.
const DefaultCoalesceDelay = 100 * time.Millisecond

// Reconciler publishes the reconciled user list of a channel, coalescing
// bursts of presence events: each Update restarts the quiet period and
// only the latest snapshot is reconciled when it expires.
type Reconciler struct {
	delay time.Duration

	mu        sync.Mutex
	latest    transport.Snapshot
	users     []User
	timer     *time.Timer
	gen       uint64
	stopped   bool
	listeners map[int]func([]User)
	nextID    int
}

// NewReconciler creates a reconciler. A delay <= 0 publishes on every
// Update.
func NewReconciler(delay time.Duration) *Reconciler {
	return &Reconciler{
		delay:     delay,
		users:     []User{},
		listeners: make(map[int]func([]User)),
	}
}

// Update records the channel's latest full snapshot.
func (r *Reconciler) Update(snapshot transport.Snapshot) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.latest = snapshot
	if r.delay <= 0 {
		r.mu.Unlock()
		r.Flush()
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.timer = time.AfterFunc(r.delay, func() { r.fire(gen) })
	r.mu.Unlock()
}

func (r *Reconciler) fire(gen uint64) {
	r.mu.Lock()
	current := gen == r.gen
	r.mu.Unlock()
	if current {
		r.Flush()
	}
}

// Flush reconciles the latest snapshot now and notifies listeners when
// the user list changed.
func (r *Reconciler) Flush() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
	users := Reconcile(r.latest)
	if equalUsers(users, r.users) {
		r.mu.Unlock()
		return
	}
	r.users = users
	fns := make([]func([]User), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(append([]User(nil), users...))
	}
}

// Stop cancels any pending publish. Later updates are ignored.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Users returns the last published list.
func (r *Reconciler) Users() []User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]User{}, r.users...)
}

// Subscribe registers fn for every published list.
func (r *Reconciler) Subscribe(fn func([]User)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func equalUsers(a, b []User) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
