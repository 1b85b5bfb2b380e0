package cryptutil_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/mtx-seshat/seshat/internal/cryptutil"
)

func TestSealOpenRoundTrip(t *testing.T) {
	salt, err := cryptutil.NewSalt()
	if err != nil {
		t.Fatalf("new salt: %v", err)
	}
	s, err := cryptutil.NewSealer("correct horse battery staple", salt)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	plaintext := []byte("hello, sealed world")
	sealed, err := s.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(sealed, plaintext) {
		t.Fatalf("sealed blob must not equal plaintext")
	}

	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", opened, plaintext)
	}
}

func TestOpenWrongPassphraseFails(t *testing.T) {
	salt, err := cryptutil.NewSalt()
	if err != nil {
		t.Fatalf("new salt: %v", err)
	}
	s1, err := cryptutil.NewSealer("passphrase-one", salt)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	s2, err := cryptutil.NewSealer("passphrase-two", salt)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	sealed, err := s1.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := s2.Open(sealed); err == nil {
		t.Fatalf("expected decryption with wrong passphrase to fail")
	}
}

func TestSealDirUnsealDirRoundTrip(t *testing.T) {
	salt, err := cryptutil.NewSalt()
	if err != nil {
		t.Fatalf("new salt: %v", err)
	}
	s, err := cryptutil.NewSealer("dir-passphrase", salt)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	srcDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(srcDir, "sub"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("segment a"), 0o600); err != nil {
		t.Fatalf("write a.txt: %v", err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "sub", "b.txt"), []byte("segment b"), 0o600); err != nil {
		t.Fatalf("write b.txt: %v", err)
	}

	archive := filepath.Join(t.TempDir(), "index.sealed")
	if err := cryptutil.SealDir(s, srcDir, archive); err != nil {
		t.Fatalf("seal dir: %v", err)
	}

	destDir := t.TempDir()
	if err := cryptutil.UnsealDir(s, archive, destDir); err != nil {
		t.Fatalf("unseal dir: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
	if err != nil {
		t.Fatalf("read a.txt: %v", err)
	}
	if string(got) != "segment a" {
		t.Fatalf("a.txt mismatch: %q", got)
	}
	got, err = os.ReadFile(filepath.Join(destDir, "sub", "b.txt"))
	if err != nil {
		t.Fatalf("read sub/b.txt: %v", err)
	}
	if string(got) != "segment b" {
		t.Fatalf("sub/b.txt mismatch: %q", got)
	}
}
