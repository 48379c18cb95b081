package coordinator

import (
	"fmt"
	"os"
	"time"

	"github.com/hileamlakB/floodclone/internal/ferrors"
)

// writeTimestamps persists start and end as two plain decimal lines of
// Unix-epoch microseconds.
func writeTimestamps(path string, start, end time.Time) error {
	if path == "" {
		return nil
	}
	content := fmt.Sprintf("%d\n%d", start.UnixMicro(), end.UnixMicro())
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return ferrors.Wrap(err, "writing timestamp file")
	}
	return nil
}
