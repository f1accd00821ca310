package backup

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateSalt(t *testing.T) {
	salt1, err := GenerateSalt()
	if err != nil {
		t.Fatalf("generate salt: %v", err)
	}
	if len(salt1) != saltSize {
		t.Errorf("salt length = %d, want %d", len(salt1), saltSize)
	}

	salt2, err := GenerateSalt()
	if err != nil {
		t.Fatalf("generate salt 2: %v", err)
	}
	if bytes.Equal(salt1, salt2) {
		t.Error("two salts should not be equal")
	}
}

func TestDeriveKey(t *testing.T) {
	salt := []byte("1234567890abcdef")

	if !bytes.Equal(DeriveKey("mypassphrase", salt), DeriveKey("mypassphrase", salt)) {
		t.Error("same passphrase+salt should produce same key")
	}
	if bytes.Equal(DeriveKey("password1", salt), DeriveKey("password2", salt)) {
		t.Error("different passphrases should produce different keys")
	}
	if n := len(DeriveKey("x", salt)); n != keySize {
		t.Errorf("key length = %d, want %d", n, keySize)
	}
}

func encryptTestFile(t *testing.T, content []byte, passphrase string) (dir, encPath string) {
	t.Helper()
	dir = t.TempDir()
	srcPath := filepath.Join(dir, "database.sql.gz")
	encPath = srcPath + ".enc"
	if err := os.WriteFile(srcPath, content, 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := EncryptFile(srcPath, encPath, passphrase); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return dir, encPath
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	original := []byte("compressed dump bytes with some data in it")
	dir, encPath := encryptTestFile(t, original, "test-passphrase-123")

	encrypted, _ := os.ReadFile(encPath)
	if bytes.Contains(encrypted, original) {
		t.Error("encrypted content should not contain the plaintext")
	}
	if !bytes.HasPrefix(encrypted, magic) {
		t.Error("encrypted file should start with the artifact header")
	}

	decPath := filepath.Join(dir, "decrypted")
	if err := DecryptFile(encPath, decPath, "test-passphrase-123"); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	decrypted, _ := os.ReadFile(decPath)
	if !bytes.Equal(original, decrypted) {
		t.Error("decrypted content should match original")
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	dir, encPath := encryptTestFile(t, []byte("secret data"), "correct-password")

	if err := DecryptFile(encPath, filepath.Join(dir, "dec"), "wrong-password"); err == nil {
		t.Fatal("expected error with wrong passphrase")
	}
}

func TestDecryptTampered(t *testing.T) {
	for _, offset := range []int{len(magic) + 1, len(magic) + saltSize + nonceSize + 1} {
		dir, encPath := encryptTestFile(t, []byte("secret data"), "password")

		data, _ := os.ReadFile(encPath)
		data[offset] ^= 0xFF
		os.WriteFile(encPath, data, 0o600)

		if err := DecryptFile(encPath, filepath.Join(dir, "dec"), "password"); err == nil {
			t.Errorf("offset %d: expected error with tampered file", offset)
		}
	}
}

func TestEncryptRejectsEmptyPassphrase(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	os.WriteFile(src, []byte("x"), 0o600)

	if err := EncryptFile(src, src+".enc", ""); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}

func TestDecryptNotAnArtifact(t *testing.T) {
	dir := t.TempDir()
	encPath := filepath.Join(dir, "small.enc")
	os.WriteFile(encPath, []byte("too short"), 0o600)

	if err := DecryptFile(encPath, filepath.Join(dir, "dec"), "password"); err == nil {
		t.Fatal("expected error for a file without the artifact header")
	}
}
