package database

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"walt-sched/internal/config"
	"walt-sched/internal/sim"
)

type SpoolArtifact struct {
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`

	RunID         string `json:"run_id"`
	RunName       string `json:"run_name"`
	TraceChecksum string `json:"trace_checksum"`

	ConfigContent string `json:"config_content"`

	Metadata *RunMetadata `json:"metadata"`
	Report   *sim.Report  `json:"report"`
}

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("WALT_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

// WriteSpoolArtifact writes a gzip-compressed JSON artifact to disk atomically.
// It returns the final file path.
func WriteSpoolArtifact(dir string, artifact *SpoolArtifact) (string, error) {
	if artifact == nil {
		return "", fmt.Errorf("spool artifact is nil")
	}
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	checksum := artifact.TraceChecksum
	if checksum == "" {
		checksum = "nocsum"
	}
	name := fmt.Sprintf(
		"run_%s_%s_%s.json.gz",
		artifact.CreatedAt.UTC().Format("20060102T150405Z"),
		checksum,
		artifact.RunID,
	)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

// ReadSpoolArtifact loads an artifact written by WriteSpoolArtifact.
func ReadSpoolArtifact(path string) (*SpoolArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer gz.Close()

	var artifact SpoolArtifact
	if err := json.NewDecoder(gz).Decode(&artifact); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &artifact, nil
}

// BuildSpoolArtifact constructs a spool artifact from a finished run.
func BuildSpoolArtifact(cfg *config.RunConfig, configContent string, rep *sim.Report, metadata *RunMetadata) *SpoolArtifact {
	name := ""
	checksum := ""
	if cfg != nil {
		name = cfg.Run.Name
		if cs, err := config.TraceChecksum(cfg); err == nil {
			checksum = cs
		}
	}
	if metadata != nil {
		if checksum == "" {
			checksum = metadata.TraceChecksum
		}
		if name == "" {
			name = metadata.RunName
		}
	}

	return &SpoolArtifact{
		Version:       1,
		CreatedAt:     time.Now(),
		RunID:         rep.RunID,
		RunName:       name,
		TraceChecksum: checksum,
		ConfigContent: configContent,
		Metadata:      metadata,
		Report:        rep,
	}
}
