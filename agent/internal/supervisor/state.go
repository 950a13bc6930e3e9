package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"nat-tunnel/agent/internal/endpoint"
)

// Record is the persisted state of one endpoint.
type Record struct {
	Endpoint  endpoint.Endpoint `json:"endpoint"`
	Tag       string            `json:"tag"`
	Label     string            `json:"label"`
	State     endpoint.State    `json:"state"`
	LastError string            `json:"last_error,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// StateStore keeps one JSON file per endpoint.
type StateStore struct {
	Dir string
}

func (s StateStore) path(name string) string {
	return filepath.Join(s.Dir, name+".json")
}

// Load returns the record for name. A missing record yields an error
// matching fs.ErrNotExist.
func (s StateStore) Load(name string) (Record, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return Record{}, fmt.Errorf("read state: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode state %s: %w", name, err)
	}
	return rec, nil
}

func (s StateStore) Save(rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, "."+rec.Endpoint.Name+".*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod state: %w", err)
	}
	if err := os.Rename(tmpName, s.path(rec.Endpoint.Name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

func (s StateStore) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// Names lists the endpoints with a stored record, sorted.
func (s StateStore) Names() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, ".") || !strings.HasSuffix(n, ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(n, ".json"))
	}
	sort.Strings(names)
	return names, nil
}

func ensureDir(file string) error {
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}
	return nil
}
