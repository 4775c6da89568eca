package docker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shipsec/shipsec/runtime/fault"
	"github.com/shipsec/shipsec/runtime/runner"
)

// VolumeManager provisions the per-run isolated volume that passes input
// files into a component's container. Volumes are host directories named
// deterministically from tenant and run so concurrent runs never collide,
// mounted read-only, and removed when the run finishes. A volume created for
// one tenant's run is never handed to another tenant's run.
type VolumeManager struct {
	baseDir  string
	tenantID string
	runID    string
	created  bool
}

// NewVolumeManager binds a manager to one (tenant, run) pair. baseDir
// defaults to a shipsec-volumes directory under the system temp dir.
func NewVolumeManager(baseDir, tenantID, runID string) (*VolumeManager, error) {
	if tenantID == "" || runID == "" {
		return nil, fault.New(fault.KindConfiguration, "volume manager requires tenant and run ids")
	}
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "shipsec-volumes")
	}
	return &VolumeManager{
		baseDir:  baseDir,
		tenantID: sanitizeVolumeToken(tenantID),
		runID:    sanitizeVolumeToken(runID),
	}, nil
}

// Name returns the deterministic volume name for this run.
func (m *VolumeManager) Name() string {
	return fmt.Sprintf("shipsec-vol-%s-%s", m.tenantID, m.runID)
}

// Path returns the host path backing the volume.
func (m *VolumeManager) Path() string {
	return filepath.Join(m.baseDir, m.Name())
}

// Initialize creates the volume and seeds it with the given input files.
// File names must be plain names; path separators are rejected so one run
// cannot write outside its own volume.
func (m *VolumeManager) Initialize(inputFiles map[string][]byte) error {
	dir := m.Path()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create volume %s: %w", m.Name(), err)
	}
	m.created = true
	for name, data := range inputFiles {
		if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
			return fault.Newf(fault.KindValidation, "invalid input file name %q", name)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return fmt.Errorf("seed volume file %s: %w", name, err)
		}
	}
	return nil
}

// VolumeConfig returns the mount descriptor the container executor consumes.
func (m *VolumeManager) VolumeConfig(targetPath string, readOnly bool) runner.VolumeMount {
	return runner.VolumeMount{
		Source:   m.Path(),
		Target:   targetPath,
		ReadOnly: readOnly,
	}
}

// Cleanup removes the volume. A missing volume is not an error: cleanup runs
// on every exit path and may race an earlier cleanup.
func (m *VolumeManager) Cleanup() error {
	err := os.RemoveAll(m.Path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove volume %s: %w", m.Name(), err)
	}
	return nil
}

// sanitizeVolumeToken keeps volume names filesystem- and docker-safe.
func sanitizeVolumeToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
