package repository

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
)

// xorSealer はテスト用のSealer。
type xorSealer struct {
	encryptErr error
}

func (s *xorSealer) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if s.encryptErr != nil {
		return nil, s.encryptErr
	}
	return xor(plaintext), nil
}

func (s *xorSealer) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return xor(ciphertext), nil
}

func xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ 0x5c
	}
	return out
}

func TestArtifactRepository_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	repo := NewArtifactRepository(t.TempDir(), nil)
	seed := bytes.Repeat([]byte{0x01}, 32)

	if err := repo.SaveRecoveryKey(ctx, "EsTc abcd"); err != nil {
		t.Fatalf("SaveRecoveryKey failed: %v", err)
	}
	if err := repo.SavePrivateKey(ctx, seed); err != nil {
		t.Fatalf("SavePrivateKey failed: %v", err)
	}
	if err := repo.SavePublicKey(ctx, "pubkey"); err != nil {
		t.Fatalf("SavePublicKey failed: %v", err)
	}

	modes := map[string]os.FileMode{
		RecoveryKeyFile: 0o600,
		PrivateKeyFile:  0o600,
		PublicKeyFile:   0o644,
	}
	for name, want := range modes {
		info, err := os.Stat(repo.Path(name))
		if err != nil {
			t.Fatalf("stat %s failed: %v", name, err)
		}
		if info.Mode().Perm() != want {
			t.Errorf("%s: want mode %o, got %o", name, want, info.Mode().Perm())
		}
	}

	key, err := repo.LoadRecoveryKey(ctx)
	if err != nil || key != "EsTc abcd" {
		t.Errorf("want recovery key back, got %q (%v)", key, err)
	}
	got, err := repo.LoadPrivateKey(ctx)
	if err != nil || !bytes.Equal(got, seed) {
		t.Errorf("want private key back, got %x (%v)", got, err)
	}
}

func TestArtifactRepository_SealedPrivateKey(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	repo := NewArtifactRepository(dir, &xorSealer{})
	seed := bytes.Repeat([]byte{0x02}, 32)

	if err := repo.SavePrivateKey(ctx, seed); err != nil {
		t.Fatalf("SavePrivateKey failed: %v", err)
	}

	raw, err := os.ReadFile(repo.Path(PrivateKeyFile))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if bytes.Equal(raw, seed) {
		t.Error("private key was written unsealed")
	}

	got, err := repo.LoadPrivateKey(ctx)
	if err != nil || !bytes.Equal(got, seed) {
		t.Errorf("want unsealed private key, got %x (%v)", got, err)
	}
}

func TestArtifactRepository_SealError(t *testing.T) {
	repo := NewArtifactRepository(t.TempDir(), &xorSealer{encryptErr: errors.New("kms unavailable")})

	if err := repo.SavePrivateKey(context.Background(), []byte("seed")); err == nil {
		t.Error("expected seal error")
	}
	if _, err := os.Stat(repo.Path(PrivateKeyFile)); !os.IsNotExist(err) {
		t.Error("private key file must not be written when sealing fails")
	}
}

func TestArtifactRepository_LoadMissing(t *testing.T) {
	repo := NewArtifactRepository(t.TempDir(), nil)

	key, err := repo.LoadRecoveryKey(context.Background())
	if err != nil || key != "" {
		t.Errorf("want empty key, got %q (%v)", key, err)
	}
	seed, err := repo.LoadPrivateKey(context.Background())
	if err != nil || seed != nil {
		t.Errorf("want nil seed, got %x (%v)", seed, err)
	}
}
