// Package checkpoint durably persists partial study results so a crashed or
// aborted run can resume without re-querying completed items. Checkpoints
// are whole-file JSON documents; a reader never observes a torn write.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/probelab/surveyor/internal/logger"
	"github.com/probelab/surveyor/pkg/study"
)

// Info describes a written checkpoint file.
type Info struct {
	Path             string
	QueriesCompleted int
	SavedAt          time.Time
}

// Store writes and reads checkpoint files under one directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating it when missing.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save writes the checkpoint as a whole file. The filename embeds the study
// id and the completed count, so the latest checkpoint for a study is
// unambiguous by count. The write goes through a temp file and rename.
func (s *Store) Save(studyID string, cp study.Checkpoint) (Info, error) {
	cp.StudyID = studyID
	cp.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return Info{}, fmt.Errorf("marshal checkpoint: %w", err)
	}

	name := fmt.Sprintf("%s_checkpoint_%dq.json", studyID, cp.QueriesCompleted)
	path := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return Info{}, fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Info{}, fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Info{}, fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return Info{}, fmt.Errorf("publish checkpoint: %w", err)
	}

	logger.Debug("checkpoint saved",
		"study", studyID,
		"completed", cp.QueriesCompleted,
		"path", path)

	return Info{Path: path, QueriesCompleted: cp.QueriesCompleted, SavedAt: cp.SavedAt}, nil
}

// Load returns the checkpoint with the highest completed count for the study
// id, or nil when none exists. Called once, at runner startup.
func (s *Store) Load(studyID string) (*study.Checkpoint, error) {
	pattern := filepath.Join(s.dir, fmt.Sprintf("%s_checkpoint_*q.json", studyID))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	best := -1
	var bestPath string
	for _, path := range matches {
		var count int
		base := filepath.Base(path)
		if _, err := fmt.Sscanf(base, studyID+"_checkpoint_%dq.json", &count); err != nil {
			continue
		}
		if count > best {
			best = count
			bestPath = path
		}
	}
	if bestPath == "" {
		return nil, nil
	}

	data, err := os.ReadFile(bestPath)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp study.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", bestPath, err)
	}

	logger.Info("checkpoint loaded",
		"study", studyID,
		"completed", cp.QueriesCompleted,
		"total", cp.TotalQueries,
		"path", bestPath)
	return &cp, nil
}
