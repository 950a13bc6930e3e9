// Package platform registers tunnel descriptors with the host's service
// manager and drives them.
package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/juju/loggo/v2"

	"nat-tunnel/agent/internal/descriptor"
)

var logger = loggo.GetLogger("nat-tunnel.platform")

// Actuator is one service manager. Every method is keyed by the
// registration label.
type Actuator interface {
	// Write stores the registration artifact without loading it.
	Write(ctx context.Context, label string, d descriptor.Descriptor) error
	// Remove deletes the artifact. A missing artifact is not an error.
	Remove(ctx context.Context, label string) error
	Register(ctx context.Context, label string) error
	Deregister(ctx context.Context, label string) error
	Start(ctx context.Context, label string) error
	Stop(ctx context.Context, label string) error
	// Registered reports whether the service manager has the job loaded.
	Registered(ctx context.Context, label string) (bool, error)
	// Artifact returns the stored artifact. A missing artifact yields an
	// error matching fs.ErrNotExist.
	Artifact(ctx context.Context, label string) ([]byte, error)
}

// Options selects and configures an actuator.
type Options struct {
	Kind      string
	UserScope bool
	// Dir overrides where artifacts are written.
	Dir string
}

// New returns the actuator for opts.Kind.
func New(opts Options) (Actuator, error) {
	switch opts.Kind {
	case "systemd":
		return NewSystemd(opts.Dir, opts.UserScope), nil
	case "launchd":
		return NewLaunchd(opts.Dir, opts.UserScope), nil
	default:
		return nil, fmt.Errorf("unknown platform %q", opts.Kind)
	}
}

func writeArtifact(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func removeArtifact(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
