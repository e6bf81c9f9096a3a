package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/undoablehq/undoable/internal/providers"
)

// DefaultWindow bounds how many prior messages a session replays into a new
// run when the caller does not configure its own limit.
const DefaultWindow = 50

// Session is one persisted transcript.
type Session struct {
	ID       string              `json:"id"`
	Messages []providers.Message `json:"messages"`
	Channel  string              `json:"channel,omitempty"`
	Created  time.Time           `json:"created"`
	Updated  time.Time           `json:"updated"`
}

// Info is a lightweight descriptor for listing.
type Info struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel,omitempty"`
	MessageCount int       `json:"messageCount"`
	Updated      time.Time `json:"updated"`
}

// Store keeps every transcript in memory and writes each one to its own
// file under dir. Writes are atomic; a torn file is skipped on load rather
// than taking the daemon down.
type Store struct {
	mu       sync.RWMutex
	dir      string
	sessions map[string]*Session
}

func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	s := &Store{dir: dir, sessions: make(map[string]*Session)}
	s.loadAll()
	return s, nil
}

func (s *Store) loadAll() {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil || sess.ID == "" {
			slog.Warn("skipping unreadable session file", "file", f.Name(), "error", err)
			continue
		}
		s.sessions[sess.ID] = &sess
	}
}

// History returns a copy of the last `window` messages. window <= 0 returns
// the full transcript.
func (s *Store) History(id string, window int) []providers.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok || len(sess.Messages) == 0 {
		return nil
	}
	msgs := sess.Messages
	if window > 0 && len(msgs) > window {
		msgs = msgs[len(msgs)-window:]
	}
	out := make([]providers.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Append adds messages to a transcript, creating the session on first use.
// Callers persist with Save once the exchange is complete.
func (s *Store) Append(id string, msgs ...providers.Message) {
	if id == "" || len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id, Created: time.Now()}
		s.sessions[id] = sess
	}
	sess.Messages = append(sess.Messages, msgs...)
	sess.Updated = time.Now()
}

// SetChannel tags a session with the channel it came from.
func (s *Store) SetChannel(id, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Channel = channel
	}
}

// Reset clears a transcript but keeps the session id.
func (s *Store) Reset(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		sess.Messages = nil
		sess.Updated = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Save(id)
}

// Delete removes a session and its file.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	stem := fileStem(id)
	if stem == "" {
		return nil
	}
	if err := os.Remove(filepath.Join(s.dir, stem+".json")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// List returns all sessions, most recently updated first.
func (s *Store) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Info{
			ID:           sess.ID,
			Channel:      sess.Channel,
			MessageCount: len(sess.Messages),
			Updated:      sess.Updated,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Updated.Equal(out[j].Updated) {
			return out[i].Updated.After(out[j].Updated)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Save writes one transcript to disk atomically. Unknown ids are a no-op so
// callers can save unconditionally after a run.
func (s *Store) Save(id string) error {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	snapshot := *sess
	snapshot.Messages = make([]providers.Message, len(sess.Messages))
	copy(snapshot.Messages, sess.Messages)
	s.mu.RUnlock()

	stem := fileStem(id)
	if stem == "" {
		return fmt.Errorf("session id %q cannot be stored", id)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", id, err)
	}

	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return fmt.Errorf("save session %s: %w", id, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("save session %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("save session %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("save session %s: %w", id, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, stem+".json")); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("save session %s: %w", id, err)
	}
	return nil
}
