package chat

import "sync"

// Store holds the message log of every room for one login session.
// Nothing in it outlives the process.
type Store struct {
	mu    sync.Mutex
	rooms map[string][]Message
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{rooms: make(map[string][]Message)}
}

// Messages returns a copy of room's log.
func (s *Store) Messages(room string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.rooms[room]...)
}

// Append adds m to room's log unless a message with its id is there.
func (s *Store) Append(room string, m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rooms[room] {
		if existing.ID == m.ID {
			return false
		}
	}
	s.rooms[room] = append(s.rooms[room], m)
	return true
}

// SetStatus overwrites the status of message id in room. It reports the
// updated message, or false when the id is unknown.
func (s *Store) SetStatus(room, id string, status Status) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.rooms[room]
	for i := range msgs {
		if msgs[i].ID == id {
			msgs[i].Status = status
			return msgs[i], true
		}
	}
	return Message{}, false
}

// Advance moves message id forward to status. It never moves a status
// back, so a late local confirmation cannot undo a remote seen.
func (s *Store) Advance(room, id string, status Status) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.rooms[room]
	for i := range msgs {
		if msgs[i].ID == id {
			if status.rank() <= msgs[i].Status.rank() {
				return msgs[i], false
			}
			msgs[i].Status = status
			return msgs[i], true
		}
	}
	return Message{}, false
}

// Seed merges msgs fetched elsewhere into room's log.
func (s *Store) Seed(room string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room] = MergeMessages(s.rooms[room], msgs)
}

// Rooms lists rooms that have messages.
func (s *Store) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Clear drops every room.
func (s *Store) Clear() {
	s.mu.Lock()
	s.rooms = make(map[string][]Message)
	s.mu.Unlock()
}
