package vfshell

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// SnapshotMetadata describes a named snapshot.
type SnapshotMetadata struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`       // Encoded size of the snapshot
	FileCount int       `json:"file_count"` // Number of nodes captured
}

type snapshot struct {
	meta SnapshotMetadata
	blob []byte
}

// Snapshots keeps named point-in-time copies of a tree so that it can be
// rolled back. Snapshots live in memory only.
type Snapshots struct {
	tree *Tree

	mu        sync.Mutex
	snapshots map[string]*snapshot
}

// NewSnapshots creates a snapshot set for tree.
func NewSnapshots(tree *Tree) *Snapshots {
	return &Snapshots{tree: tree, snapshots: make(map[string]*snapshot)}
}

// Create captures the current tree under name.
func (s *Snapshots) Create(name string) (SnapshotMetadata, error) {
	if name == "" {
		return SnapshotMetadata{}, errors.New("snapshot name cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.snapshots[name]; exists {
		return SnapshotMetadata{}, fmt.Errorf("snapshot '%s' already exists", name)
	}

	blob, err := s.tree.Serialize(SerializeOptions{})
	if err != nil {
		return SnapshotMetadata{}, err
	}
	nodes, _ := s.tree.Usage()
	meta := SnapshotMetadata{
		Name:      name,
		CreatedAt: s.tree.now(),
		Size:      int64(len(blob)),
		FileCount: nodes,
	}
	s.snapshots[name] = &snapshot{meta: meta, blob: blob}
	return meta, nil
}

// Restore rolls the tree back to the snapshot called name. The snapshot
// is kept and can be restored again.
func (s *Snapshots) Restore(name string) error {
	s.mu.Lock()
	snap, exists := s.snapshots[name]
	s.mu.Unlock()
	if !exists {
		return fmt.Errorf("snapshot '%s' does not exist", name)
	}
	restored, err := Deserialize(snap.blob, "")
	if err != nil {
		return err
	}
	s.tree.replaceWith(restored)
	return nil
}

// Get returns the metadata of the snapshot called name.
func (s *Snapshots) Get(name string) (SnapshotMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, exists := s.snapshots[name]
	if !exists {
		return SnapshotMetadata{}, fmt.Errorf("snapshot '%s' does not exist", name)
	}
	return snap.meta, nil
}

// List returns snapshot metadata ordered by creation time.
func (s *Snapshots) List() []SnapshotMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SnapshotMetadata, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap.meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete removes the snapshot called name.
func (s *Snapshots) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.snapshots[name]; !exists {
		return fmt.Errorf("snapshot '%s' does not exist", name)
	}
	delete(s.snapshots, name)
	return nil
}
