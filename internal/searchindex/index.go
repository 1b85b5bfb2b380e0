// Package searchindex wraps a bleve full-text index as Seshat's Index
// component: document mapping, write batches, reader-generation tracking,
// and optional at-rest encryption of the on-disk segment files.
package searchindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/blevesearch/bleve/v2"

	"github.com/mtx-seshat/seshat/internal/cryptutil"
)

const (
	sealedArchiveName = "index.sealed"
	saltFileName      = "salt"
)

// Index is Seshat's full-text index (spec.md §4.2).
type Index struct {
	bi bleve.Index

	mu         sync.RWMutex
	generation uint64

	dir      string // working (plaintext) directory bleve operates on
	sealPath string // path to the sealed archive when encryption is enabled
	sealer   *cryptutil.Sealer

	bleveDir string // <dir>/bleve, recreated by Recreate
	language string
}

// Open opens or creates the Index rooted at indexDir ("<database>/index"),
// using the analyzer named by language (validated against bleve's analyzer
// registry) and, if passphrase is non-empty, encrypting segment files at
// rest using a key derived from passphrase and the salt persisted at
// indexDir/salt (generated on first use).
func Open(indexDir, language, passphrase string) (*Index, error) {
	if err := os.MkdirAll(indexDir, 0o700); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	var sealer *cryptutil.Sealer
	if passphrase != "" {
		s, err := openOrCreateSealer(indexDir, passphrase)
		if err != nil {
			return nil, err
		}
		sealer = s
	}

	workDir := indexDir
	sealPath := ""
	if sealer != nil {
		workDir = filepath.Join(indexDir, ".work")
		sealPath = filepath.Join(indexDir, sealedArchiveName)
		if err := os.MkdirAll(workDir, 0o700); err != nil {
			return nil, fmt.Errorf("create index work directory: %w", err)
		}
		if _, err := os.Stat(sealPath); err == nil {
			if err := cryptutil.UnsealDir(sealer, sealPath, workDir); err != nil {
				return nil, fmt.Errorf("unseal index archive: %w", err)
			}
		}
	}

	bleveDir := filepath.Join(workDir, "bleve")
	bi, err := openOrCreateBleve(bleveDir, language)
	if err != nil {
		return nil, err
	}

	return &Index{bi: bi, dir: workDir, sealPath: sealPath, sealer: sealer, bleveDir: bleveDir, language: language}, nil
}

func openOrCreateSealer(indexDir, passphrase string) (*cryptutil.Sealer, error) {
	saltPath := filepath.Join(indexDir, saltFileName)
	salt, err := os.ReadFile(saltPath)
	if os.IsNotExist(err) {
		salt, err = cryptutil.NewSalt()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return nil, fmt.Errorf("persist index salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read index salt: %w", err)
	}
	return cryptutil.NewSealer(passphrase, salt)
}

func openOrCreateBleve(path, language string) (bleve.Index, error) {
	if _, err := os.Stat(path); err == nil {
		bi, err := bleve.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open bleve index: %w", err)
		}
		return bi, nil
	}
	im, err := buildMapping(language)
	if err != nil {
		return nil, err
	}
	bi, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("create bleve index: %w", err)
	}
	return bi, nil
}

// Generation returns the current reader-generation: the monotonic counter
// advanced by Commit, used as the visibility boundary for query snapshots
// (spec.md §4.2 "Commit visibility").
func (ix *Index) Generation() uint64 {
	return atomic.LoadUint64(&ix.generation)
}

func (ix *Index) advanceGeneration() uint64 {
	return atomic.AddUint64(&ix.generation, 1)
}

// seal re-archives and re-encrypts the working directory. Called after
// every Commit when encryption is enabled, and from Close.
func (ix *Index) seal() error {
	if ix.sealer == nil {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return cryptutil.SealDir(ix.sealer, ix.dir, ix.sealPath)
}

// Close commits any pending seal and releases the bleve index handle.
func (ix *Index) Close() error {
	if err := ix.bi.Close(); err != nil {
		return fmt.Errorf("close bleve index: %w", err)
	}
	return ix.seal()
}

// Destroy removes the Index entirely, closing the bleve handle and leaving
// ix unusable. Used when a caller (e.g. seshat.Database.Delete) wants the
// on-disk state gone for good, not rebuilt.
func (ix *Index) Destroy() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.bi.Close(); err != nil {
		return fmt.Errorf("close bleve index before destroy: %w", err)
	}
	if err := os.RemoveAll(ix.dir); err != nil {
		return fmt.Errorf("remove index working directory: %w", err)
	}
	if ix.sealPath != "" {
		if err := os.Remove(ix.sealPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove sealed index archive: %w", err)
		}
	}
	return nil
}

// Recreate closes the current bleve handle, deletes its on-disk segment
// files, and opens a brand new index against a fresh mapping — unlike
// DeleteAll (which empties documents from an index whose mapping is already
// correct), Recreate is what actually corrects a stale on-disk format, since
// a bumped FormatVersion usually means the mapping or analyzer changed, not
// just that the documents are wrong (spec.md §4.5 steps 1-2: "destroy and
// recreate the Index, then stream"). ix keeps the same encryption and
// directory configuration; only the bleve index itself is replaced.
func (ix *Index) Recreate() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.bi.Close(); err != nil {
		return fmt.Errorf("close bleve index before recreate: %w", err)
	}
	if err := os.RemoveAll(ix.bleveDir); err != nil {
		return fmt.Errorf("remove bleve directory: %w", err)
	}
	im, err := buildMapping(ix.language)
	if err != nil {
		return err
	}
	bi, err := bleve.New(ix.bleveDir, im)
	if err != nil {
		return fmt.Errorf("recreate bleve index: %w", err)
	}
	ix.bi = bi
	atomic.StoreUint64(&ix.generation, 0)
	return nil
}

// ChangePassphrase re-keys the Index under a new passphrase, writing a
// fresh salt and re-sealing the current working directory. The caller is
// responsible for closing and reopening the database afterward (spec.md
// §4.6 changePassphrase semantics).
func (ix *Index) ChangePassphrase(indexDir, newPassphrase string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if newPassphrase == "" {
		ix.sealer = nil
		ix.sealPath = ""
		return nil
	}
	salt, err := cryptutil.NewSalt()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(indexDir, saltFileName), salt, 0o600); err != nil {
		return fmt.Errorf("persist new index salt: %w", err)
	}
	sealer, err := cryptutil.NewSealer(newPassphrase, salt)
	if err != nil {
		return err
	}
	ix.sealer = sealer
	ix.sealPath = filepath.Join(indexDir, sealedArchiveName)
	return cryptutil.SealDir(ix.sealer, ix.dir, ix.sealPath)
}
