package config

import (
	"os"
	"path/filepath"
)

const defaultBaseDir = ".livedesk"

// Paths holds resolved filesystem paths for livedesk data.
type Paths struct {
	Base   string // ~/.livedesk
	Config string // ~/.livedesk/config.yaml
	Logs   string // ~/.livedesk/logs
	Data   string // ~/.livedesk/data
}

// ResolvePaths computes all standard paths from the home directory.
// If LIVEDESK_HOME is set, it overrides the default base directory.
func ResolvePaths() (Paths, error) {
	base := os.Getenv("LIVEDESK_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, err
		}
		base = filepath.Join(home, defaultBaseDir)
	}

	return Paths{
		Base:   base,
		Config: filepath.Join(base, "config.yaml"),
		Logs:   filepath.Join(base, "logs"),
		Data:   filepath.Join(base, "data"),
	}, nil
}

// EnsureDirs creates all standard directories if they don't exist.
func (p Paths) EnsureDirs() error {
	dirs := []string{p.Base, p.Logs, p.Data}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// ArchivePath returns the configured archive database path, falling back
// to the standard location under the data directory.
func (p Paths) ArchivePath(cfg *Config) string {
	if cfg.Archive.Path != "" {
		return cfg.Archive.Path
	}
	return filepath.Join(p.Data, "livedesk.db")
}
