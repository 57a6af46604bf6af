package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Remote filesystems on which SQLite file locking is unreliable.
var remoteFilesystems = []string{"afpfs", "cifs", "nfs", "smb2", "smbfs", "webdav"}

// RemoteFilesystemError reports a state database placed on a network mount.
type RemoteFilesystemError struct {
	Path   string
	FSType string
}

func (e *RemoteFilesystemError) Error() string {
	return fmt.Sprintf("state database %q is on a %s mount; set state.path to a local disk", e.Path, e.FSType)
}

type fsDetector func(path string) (string, error)

// CheckLocal returns a *RemoteFilesystemError when path would be created on
// a network mount.
func CheckLocal(path string) error {
	return checkLocal(path, detectFilesystem)
}

// checkLocal rejects database paths whose nearest existing ancestor lives on a
// remote filesystem. An empty detector result means "unknown" and passes.
func checkLocal(path string, detect fsDetector) error {
	existing, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve state database path: %w", err)
	}
	fsType, err := detect(existing)
	if err != nil {
		return fmt.Errorf("inspect filesystem of %q: %w", existing, err)
	}
	if isRemote(fsType) {
		return &RemoteFilesystemError{Path: path, FSType: fsType}
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing ancestor of %q", path)
		}
		p = parent
	}
}

func isRemote(fsType string) bool {
	return slices.Contains(remoteFilesystems, strings.ToLower(strings.TrimSpace(fsType)))
}
