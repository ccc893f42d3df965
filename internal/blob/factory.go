package blob

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Open selects an archive driver from the environment.
//
//	PACSCORE_ARCHIVE_DRIVER=fs|s3|memory (default fs)
//	PACSCORE_ARCHIVE_FS_ROOT=<dir>       (fs driver, default ./archive)
func Open(ctx context.Context) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("PACSCORE_ARCHIVE_DRIVER")))
	switch driver {
	case "", string(DriverFilesystem):
		return NewFilesystem(os.Getenv("PACSCORE_ARCHIVE_FS_ROOT"))
	case string(DriverS3):
		return OpenS3FromEnv(ctx)
	case string(DriverMemory):
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown archive driver %q", driver)
	}
}
