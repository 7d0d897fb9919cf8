package conversation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Store keeps one Log per conversation ID, persisted as
// conversation_<id>.json under dir.
type Store struct {
	dir  string
	opts []Option
	now  func() time.Time

	mu   sync.Mutex
	logs map[string]*Log
}

func NewStore(dir string, opts ...Option) *Store {
	return &Store{dir: dir, opts: opts, now: time.Now, logs: make(map[string]*Log)}
}

// GetOrCreate returns the log for id. An empty or unknown id starts a new
// conversation whose ID is the current Unix time in milliseconds.
func (s *Store) GetOrCreate(id string) (string, *Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if l, ok := s.logs[id]; ok {
			return id, l, nil
		}
	}
	if id == "" {
		id = strconv.FormatInt(s.now().UnixMilli(), 10)
		for s.logs[id] != nil {
			id += "0"
		}
	}
	if !validID.MatchString(id) {
		return "", nil, fmt.Errorf("invalid conversation id %q", id)
	}
	l, err := Open(filepath.Join(s.dir, "conversation_"+id+".json"), s.opts...)
	if err != nil {
		return "", nil, err
	}
	s.logs[id] = l
	return id, l, nil
}

// IDs lists the conversations opened through the store, sorted.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
