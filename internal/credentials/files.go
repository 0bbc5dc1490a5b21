package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ramDir is preferred for transient artifacts so they never reach disk.
const ramDir = "/dev/shm"

const filePerm = 0o600

// Artifacts are the files written for one worker run.
type Artifacts struct {
	CredentialsPath string
	ConfigPath      string
}

// TempDir returns dir when set, else a RAM-backed directory when one is
// usable, else the system temp directory.
func TempDir(dir string) string {
	if dir != "" {
		return dir
	}
	if info, err := os.Stat(ramDir); err == nil && info.IsDir() {
		probe, err := os.CreateTemp(ramDir, ".seorunner-probe-*")
		if err == nil {
			name := probe.Name()
			probe.Close()
			os.Remove(name)
			return ramDir
		}
	}
	return os.TempDir()
}

// ArtifactPaths derives the two file paths for a correlation id.
func ArtifactPaths(dir, id string) Artifacts {
	return Artifacts{
		CredentialsPath: filepath.Join(dir, fmt.Sprintf("seorunner-%s-credentials.json", id)),
		ConfigPath:      filepath.Join(dir, fmt.Sprintf("seorunner-%s-config.yaml", id)),
	}
}

// WriteEphemeral creates both files exclusively with owner-only permissions.
// Files already written are removed when a later step fails.
func WriteEphemeral(dir, id string, b Bundle) (*Artifacts, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	a := ArtifactPaths(dir, id)

	if err := writeExclusive(a.CredentialsPath, b.Document); err != nil {
		return nil, err
	}

	cfg, err := NewWorkerConfig(a.CredentialsPath, b).Marshal()
	if err != nil {
		a.Remove()
		return nil, err
	}
	if err := writeExclusive(a.ConfigPath, cfg); err != nil {
		a.Remove()
		return nil, err
	}

	return &a, nil
}

// Remove deletes both files, ignoring errors.
func (a *Artifacts) Remove() {
	if a == nil {
		return
	}
	for _, p := range []string{a.CredentialsPath, a.ConfigPath} {
		if p != "" {
			_ = os.Remove(p)
		}
	}
}

// Exists reports whether either file is still present.
func (a *Artifacts) Exists() bool {
	for _, p := range []string{a.CredentialsPath, a.ConfigPath} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeAtomic replaces path via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return err
	}
	if err := os.Chmod(tmp, filePerm); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
