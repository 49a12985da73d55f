package store

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// BackupPaths names the files that make up the full durable state.
type BackupPaths struct {
	ImageDir   string
	ConfigFile string
	BufferFile string
}

// Backup writes a zip archive of the full durable state (database, runtime
// config, dialogue buffer and the image library) to w.
func (s *Store) Backup(w io.Writer, paths BackupPaths) error {
	zw := zip.NewWriter(w)

	addFile := func(path, name string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.Wrapf(err, "failed to read %s", path)
		}
		f, err := zw.Create(name)
		if err != nil {
			return errors.Wrapf(err, "failed to create zip entry %s", name)
		}
		_, err = f.Write(data)
		return err
	}

	if err := addFile(s.dbPath, filepath.Base(s.dbPath)); err != nil {
		return err
	}
	if paths.ConfigFile != "" {
		if err := addFile(paths.ConfigFile, "config.json"); err != nil {
			return err
		}
	}
	if paths.BufferFile != "" {
		if err := addFile(paths.BufferFile, "buffer.json"); err != nil {
			return err
		}
	}

	if paths.ImageDir != "" {
		entries, err := os.ReadDir(paths.ImageDir)
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "failed to read image dir")
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if err := addFile(filepath.Join(paths.ImageDir, e.Name()), "images/"+e.Name()); err != nil {
				return err
			}
		}
	}

	return zw.Close()
}

// Restore extracts a backup archive into dataDir. The caller is responsible
// for reopening the store and reloading config afterwards; entries escaping
// dataDir are rejected.
func Restore(r io.ReaderAt, size int64, dataDir string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return errors.Wrap(err, "failed to open backup archive")
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		dest := filepath.Join(dataDir, filepath.Clean(f.Name))
		if !strings.HasPrefix(dest, filepath.Clean(dataDir)+string(os.PathSeparator)) {
			return errors.Errorf("backup entry escapes data dir: %s", f.Name)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o770); err != nil {
			return errors.Wrap(err, "failed to create restore dir")
		}

		rc, err := f.Open()
		if err != nil {
			return errors.Wrapf(err, "failed to open backup entry %s", f.Name)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return errors.Wrapf(err, "failed to read backup entry %s", f.Name)
		}
		if err := os.WriteFile(dest, data, 0o660); err != nil {
			return errors.Wrapf(err, "failed to write %s", dest)
		}
	}
	return nil
}
