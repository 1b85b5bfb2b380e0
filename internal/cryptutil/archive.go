package cryptutil

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SealDir tars and gzips the contents of dir, seals the result with s, and
// writes it to destFile. Used to give the Index's segment files an
// at-rest-encrypted form on disk, since bleve's on-disk format has no
// native encryption hook (spec.md §9 "Encryption coupling").
func SealDir(s *Sealer, dir, destFile string) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
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
		return fmt.Errorf("archive index dir: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}

	sealed, err := s.Seal(buf.Bytes())
	if err != nil {
		return fmt.Errorf("seal index archive: %w", err)
	}
	if err := os.WriteFile(destFile, sealed, 0o600); err != nil {
		return fmt.Errorf("write sealed index archive: %w", err)
	}
	return nil
}

// UnsealDir reverses SealDir: it reads srcFile, opens it with s, and
// extracts the tar.gz contents into dir, which must already exist.
func UnsealDir(s *Sealer, srcFile, dir string) error {
	sealed, err := os.ReadFile(srcFile)
	if err != nil {
		return fmt.Errorf("read sealed index archive: %w", err)
	}
	plain, err := s.Open(sealed)
	if err != nil {
		return fmt.Errorf("open sealed index archive: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(plain))
	if err != nil {
		return fmt.Errorf("open gzip reader: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		target := filepath.Join(dir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}
