package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileStateStore is a file-based StateStore. Layout under the data directory:
//
//	state.json           live workflow instance
//	checkpoints/         one JSON file per checkpoint
//	history/             archived completed/reset instances
//
// Every write goes through a temp-file-then-rename so a crash mid-write
// never yields a half-written state file.
type FileStateStore struct {
	dataDir string
}

// NewFileStateStore creates a file-based state store rooted at dataDir. An
// empty dataDir defaults to ~/.conductor/workflows.
func NewFileStateStore(dataDir string) (*FileStateStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".conductor", "workflows")
	}
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "checkpoints"), filepath.Join(dataDir, "history")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}
	return &FileStateStore{dataDir: dataDir}, nil
}

// DataDir returns the root data directory
func (s *FileStateStore) DataDir() string {
	return s.dataDir
}

func (s *FileStateStore) statePath() string {
	return filepath.Join(s.dataDir, "state.json")
}

func (s *FileStateStore) checkpointPath(name string) string {
	return filepath.Join(s.dataDir, "checkpoints", sanitizeName(name)+".json")
}

func (s *FileStateStore) Load(ctx context.Context) (*WorkflowInstance, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewFileAccessError(fmt.Sprintf("failed to read state file: %v", err), false)
	}
	var instance WorkflowInstance
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, NewStateCorruptionError(fmt.Errorf("state file is not valid JSON: %w", err))
	}
	return &instance, nil
}

func (s *FileStateStore) Save(ctx context.Context, instance *WorkflowInstance) error {
	data, err := json.MarshalIndent(instance, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	if err := writeFileAtomic(s.statePath(), data); err != nil {
		return NewFileAccessError(fmt.Sprintf("failed to write state file: %v", err), true)
	}
	return nil
}

func (s *FileStateStore) Delete(ctx context.Context) error {
	if err := os.Remove(s.statePath()); err != nil && !os.IsNotExist(err) {
		return NewFileAccessError(fmt.Sprintf("failed to delete state file: %v", err), false)
	}
	return nil
}

func (s *FileStateStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := writeFileAtomic(s.checkpointPath(checkpoint.Name), data); err != nil {
		return NewFileAccessError(fmt.Sprintf("failed to write checkpoint file: %v", err), true)
	}
	return nil
}

func (s *FileStateStore) LoadCheckpoint(ctx context.Context, name string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.checkpointPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checkpoint %q not found", name)
		}
		return nil, NewFileAccessError(fmt.Sprintf("failed to read checkpoint file: %v", err), false)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, NewStateCorruptionError(fmt.Errorf("checkpoint %q is not valid JSON: %w", name, err))
	}
	return &checkpoint, nil
}

func (s *FileStateStore) ListCheckpoints(ctx context.Context) ([]*CheckpointInfo, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "checkpoints"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewFileAccessError(fmt.Sprintf("failed to read checkpoints directory: %v", err), false)
	}

	var infos []*CheckpointInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		checkpoint, err := s.LoadCheckpoint(ctx, name)
		if err != nil {
			// Skip checkpoints we can't read
			continue
		}
		infos = append(infos, checkpoint.Info())
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

func (s *FileStateStore) DeleteCheckpoint(ctx context.Context, name string) error {
	if err := os.Remove(s.checkpointPath(name)); err != nil && !os.IsNotExist(err) {
		return NewFileAccessError(fmt.Sprintf("failed to delete checkpoint: %v", err), false)
	}
	return nil
}

func (s *FileStateStore) Archive(ctx context.Context, instance *WorkflowInstance, reason string) error {
	data, err := json.MarshalIndent(instance, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	name := fmt.Sprintf("%s-%s-%d.json", sanitizeName(instance.ID), sanitizeName(reason), time.Now().UnixNano())
	path := filepath.Join(s.dataDir, "history", name)
	if err := writeFileAtomic(path, data); err != nil {
		return NewFileAccessError(fmt.Sprintf("failed to write history file: %v", err), true)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// sanitizeName makes a value safe for use as a file name component
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '-'
		}
	}, name)
}
