package listeners

import (
	"encoding/json"
	"fmt"
	"os"
)

// WriteReadinessFile saves Info to path so that a process which spawned
// the supervisor (the host container runtime, out of scope per spec.md
// section 1) can discover how to connect once the supervisor is ready.
//
// It writes to a temporary file first and renames it into place so a
// concurrent reader never observes a half-written file, the same
// atomic-rename trick used by core/pkg/server/listeners/portinfo.go in
// the teacher repository.
func (info Info) WriteReadinessFile(path string) (err error) {
	tempPath := fmt.Sprintf("%s.tmp", path)

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("listeners: marshal readiness info: %w", err)
	}

	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("listeners: create readiness file: %w", err)
	}
	defer func() {
		closeErr := f.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("listeners: close readiness file: %w", closeErr)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("listeners: write readiness file: %w", err)
	}

	if err = os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("listeners: rename readiness file: %w", err)
	}

	return nil
}
