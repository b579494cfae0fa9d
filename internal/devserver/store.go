package devserver

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// timestampLayout matches the naive timestamps the production backend emits
const timestampLayout = "2006-01-02T15:04:05.000000"

// User is a registered account
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IsAdmin  bool   `json:"is_admin"`
}

// Record is one stored chat message between an operator and a user
type Record struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"-"`
	AdminID    *int64    `json:"admin_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"-"`
}

// Store is the in-memory user and message store
type Store struct {
	mu      sync.Mutex
	users   map[int64]User
	history map[int64][]Record
	nextID  int64
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		users:   make(map[int64]User),
		history: make(map[int64][]Record),
		nextID:  1,
	}
}

// NewSeededStore creates a store with an operator, a few users and a
// short conversation.
func NewSeededStore(now time.Time) *Store {
	st := NewStore()
	st.AddUser(User{ID: 1, Username: "admin", Email: "admin@example.com", IsAdmin: true})
	st.AddUser(User{ID: 42, Username: "alice", Email: "alice@example.com"})
	st.AddUser(User{ID: 7, Username: "bob", Email: "bob@example.com"})
	st.AddUser(User{ID: 13, Username: "carol", Email: "carol@example.com"})

	admin := int64(1)
	start := now.Add(-time.Hour)
	st.Append(42, nil, "", "Hi, my order has not arrived yet", start)
	st.Append(42, &admin, "", "Sorry to hear that. Can you share the order number?", start.Add(2*time.Minute))
	st.Append(42, nil, "", "It is #1042", start.Add(3*time.Minute))
	st.Append(7, nil, "", "Is the store open on Sunday?", start.Add(10*time.Minute))
	return st
}

// AddUser registers or replaces a user
func (st *Store) AddUser(u User) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.users[u.ID] = u
}

// User looks up a user by id
func (st *Store) User(id int64) (User, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	u, ok := st.users[id]
	return u, ok
}

// Users returns every user ordered by id
func (st *Store) Users() []User {
	st.mu.Lock()
	defer st.mu.Unlock()
	users := make([]User, 0, len(st.users))
	for _, u := range st.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// History returns the conversation with a user in insertion order
func (st *Store) History(userID int64) ([]Record, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.users[userID]; !ok {
		return nil, fmt.Errorf("unknown user %d", userID)
	}
	return append([]Record(nil), st.history[userID]...), nil
}

// Append stores a message. adminID is nil for messages written by the user.
func (st *Store) Append(userID int64, adminID *int64, senderName, content string, ts time.Time) Record {
	st.mu.Lock()
	defer st.mu.Unlock()
	rec := Record{
		ID:         st.nextID,
		UserID:     userID,
		AdminID:    adminID,
		SenderName: senderName,
		Content:    content,
		Timestamp:  ts.UTC(),
	}
	st.nextID++
	st.history[userID] = append(st.history[userID], rec)
	return rec
}

// historyJSON is the wire shape of Record
type historyJSON struct {
	Record
	Timestamp string `json:"timestamp"`
}

func toHistoryJSON(records []Record) []historyJSON {
	out := make([]historyJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, historyJSON{Record: rec, Timestamp: rec.Timestamp.Format(timestampLayout)})
	}
	return out
}
