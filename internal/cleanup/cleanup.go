package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/italolelis/chat_downloader/internal/logctx"
	"github.com/italolelis/chat_downloader/internal/storage"
)

// PartialSuffix marks a file that is still being written.
const PartialSuffix = ".part"

// PartialPath returns where the in-flight transfer of download id writes its
// bytes. The id keeps two records aimed at the same target apart.
func PartialPath(targetPath string, id int64) string {
	return fmt.Sprintf("%s.%d%s", targetPath, id, PartialSuffix)
}

// RemovePartial deletes the partial file of download id. A missing file is not an error.
func RemovePartial(ctx context.Context, targetPath string, id int64) error {
	if targetPath == "" {
		return nil
	}

	return remove(ctx, PartialPath(targetPath, id))
}

// RemoveOutput deletes both the finished file and the partial file of download id.
func RemoveOutput(ctx context.Context, targetPath string, id int64) error {
	if targetPath == "" {
		return nil
	}

	return errors.Join(remove(ctx, targetPath), remove(ctx, PartialPath(targetPath, id)))
}

// DeleteStalePartials removes partial files left behind by records whose
// transfer died with the previous process.
func DeleteStalePartials(ctx context.Context, records []storage.DownloadRecord) error {
	var errs []error

	for _, rec := range records {
		if err := RemovePartial(ctx, rec.TargetPath, rec.ID); err != nil {
			errs = append(errs, fmt.Errorf("download %d: %w", rec.ID, err))
		}
	}

	return errors.Join(errs...)
}

func remove(ctx context.Context, path string) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		logger.Error("failed to delete file", "file", path, "err", err)

		return err
	}

	logger.Debug("deleted file", "file", path)

	return nil
}
