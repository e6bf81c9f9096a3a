package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// jobFile is the on-disk shape of scheduler-jobs.json.
type jobFile struct {
	Jobs []*Job `json:"jobs"`
}

// Store keeps the job list in memory and writes every change through to a
// single JSON file, atomically.
type Store struct {
	path string

	mu   sync.Mutex
	jobs map[string]*Job
}

// OpenStore loads (or initializes) the job file at path.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, jobs: make(map[string]*Job)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read jobs file: %w", err)
	}
	var f jobFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse jobs file: %w", err)
	}
	for _, j := range f.Jobs {
		s.jobs[j.ID] = j
	}
	return s, nil
}

// Put inserts or replaces a job and persists the file.
func (s *Store) Put(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j.clone()
	return s.saveLocked()
}

// Get returns a copy of the job, or nil when absent.
func (s *Store) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	return j.clone()
}

// Delete removes the job and persists. Removing an absent id is a no-op.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return nil
	}
	delete(s.jobs, id)
	return s.saveLocked()
}

// List returns copies of all jobs, oldest first, ties by id.
func (s *Store) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAtMs != out[b].CreatedAtMs {
			return out[a].CreatedAtMs < out[b].CreatedAtMs
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Update applies fn to the stored job under the lock and persists the
// result. fn receives the live copy; returning an error abandons the write.
func (s *Store) Update(id string, fn func(*Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if err := fn(j); err != nil {
		return err
	}
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	f := jobFile{Jobs: make([]*Job, 0, len(s.jobs))}
	for _, j := range s.jobs {
		f.Jobs = append(f.Jobs, j)
	}
	sort.Slice(f.Jobs, func(a, b int) bool { return f.Jobs[a].ID < f.Jobs[b].ID })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal jobs: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create jobs dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "jobs-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp jobs file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write jobs file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync jobs file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close jobs file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename jobs file: %w", err)
	}
	return nil
}
