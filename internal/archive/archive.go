// Package archive compresses the log directory of a completed job.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/me/nexus/pkg/model"
)

// TimestampLayout prefixes every archive file name.
const TimestampLayout = "20060102-150405"

// Uploader copies a finished archive to remote storage.
type Uploader interface {
	Upload(ctx context.Context, key, path string) error
}

// Archiver writes <dir>/<timestamp>_<job id>.tar.gz files.
type Archiver struct {
	dir          string
	removeSource bool
	uploader     Uploader
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithRemoveSource deletes the uncompressed log directory after a
// successful archive.
func WithRemoveSource(remove bool) Option {
	return func(a *Archiver) { a.removeSource = remove }
}

// WithUploader uploads every archive after it is written.
func WithUploader(u Uploader) Option {
	return func(a *Archiver) { a.uploader = u }
}

// New creates an Archiver writing into dir.
func New(dir string, logger *slog.Logger, opts ...Option) *Archiver {
	a := &Archiver{
		dir:    dir,
		now:    time.Now,
		logger: logger.With("component", "archive"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Archive compresses job.LogDir. It returns "" and no error when the job
// has no log directory on disk. On failure the directory is left in place.
func (a *Archiver) Archive(ctx context.Context, job *model.Job) (string, error) {
	if job.LogDir == "" {
		return "", nil
	}
	fi, err := os.Stat(job.LogDir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", job.LogDir, err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("%s is not a directory", job.LogDir)
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.tar.gz", a.now().Format(TimestampLayout), job.ID)
	dest := filepath.Join(a.dir, name)

	if err := writeTarGz(dest, job.LogDir); err != nil {
		return "", fmt.Errorf("archive job %s: %w", job.ID, err)
	}
	a.logger.Info("logs archived", "job_id", job.ID, "path", dest)

	if a.uploader != nil {
		if err := a.uploader.Upload(ctx, name, dest); err != nil {
			a.logger.Warn("archive upload failed", "job_id", job.ID, "path", dest, "error", err)
		} else {
			a.logger.Info("archive uploaded", "job_id", job.ID, "key", name)
		}
	}

	if a.removeSource {
		if err := os.RemoveAll(job.LogDir); err != nil {
			a.logger.Warn("remove archived logs", "job_id", job.ID, "path", job.LogDir, "error", err)
		}
	}
	return dest, nil
}

// writeTarGz writes src as a gzip-compressed tarball rooted at the base
// name of src. The archive is built in a temp file and renamed into place.
func writeTarGz(dest, src string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".archive-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)
	root := filepath.Dir(src)

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	if err = tw.Close(); err != nil {
		return err
	}
	if err = gz.Close(); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
