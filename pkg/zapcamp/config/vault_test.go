package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	return NewVault(filepath.Join(t.TempDir(), VaultFile))
}

func TestVaultCreateAndUnlock(t *testing.T) {
	v := newTestVault(t)

	if v.Exists() {
		t.Fatal("vault exists before Create")
	}
	if err := v.Create("senha-mestra"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !v.Exists() {
		t.Error("vault file not written")
	}
	if !v.IsUnlocked() {
		t.Error("vault locked right after Create")
	}

	if err := v.Create("outra"); err == nil {
		t.Error("second Create on the same path should fail")
	}

	if err := v.Set("OPENAI_API_KEY", "sk-vault-12345"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v.Lock()
	if v.IsUnlocked() {
		t.Error("vault still unlocked after Lock")
	}
	if _, err := v.Get("OPENAI_API_KEY"); err == nil {
		t.Error("Get on a locked vault should fail")
	}

	// Fresh instance, same file.
	v2 := NewVault(v.path)
	if err := v2.Unlock("senha-errada"); err == nil {
		t.Error("unlock with wrong password should fail")
	}
	if err := v2.Unlock("senha-mestra"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	got, err := v2.Get("OPENAI_API_KEY")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "sk-vault-12345" {
		t.Errorf("secret = %q, want round-tripped value", got)
	}
}

func TestVaultSecretsNotPlaintextOnDisk(t *testing.T) {
	v := newTestVault(t)
	if err := v.Create("senha-mestra"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Set("DISCORD_TOKEN", "token-super-secreto"); err != nil {
		t.Fatalf("set: %v", err)
	}

	raw, err := os.ReadFile(v.path)
	if err != nil {
		t.Fatalf("read vault file: %v", err)
	}
	if strings.Contains(string(raw), "token-super-secreto") {
		t.Error("secret stored in plaintext")
	}
	if strings.Contains(string(raw), "senha-mestra") {
		t.Error("master password stored on disk")
	}

	info, err := os.Stat(v.path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("vault file mode = %04o, want 0600", perm)
	}
}

func TestVaultGetMissingAndDelete(t *testing.T) {
	v := newTestVault(t)
	if err := v.Create("senha-mestra"); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := v.Get("NUNCA_EXISTIU")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if got != "" {
		t.Errorf("missing secret = %q, want empty", got)
	}

	if err := v.Set("A", "1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := v.Set("B", "2"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := v.Delete("A"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	names := v.List()
	sort.Strings(names)
	if len(names) != 1 || names[0] != "B" {
		t.Errorf("list after delete = %v, want [B]", names)
	}
	for _, n := range names {
		if n == "__verify__" {
			t.Error("internal verification entry leaked into List")
		}
	}
}

func TestVaultChangePassword(t *testing.T) {
	v := newTestVault(t)
	if err := v.Create("antiga"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Set("OPENAI_API_KEY", "sk-abc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := v.ChangePassword("nova-senha"); err != nil {
		t.Fatalf("change password: %v", err)
	}

	v2 := NewVault(v.path)
	if err := v2.Unlock("antiga"); err == nil {
		t.Error("old password still unlocks after change")
	}
	if err := v2.Unlock("nova-senha"); err != nil {
		t.Fatalf("unlock with new password: %v", err)
	}
	got, err := v2.Get("OPENAI_API_KEY")
	if err != nil || got != "sk-abc" {
		t.Errorf("secret after password change = %q (err %v), want sk-abc", got, err)
	}
}

func TestVaultInjectSecrets(t *testing.T) {
	// t.Setenv registers cleanup so InjectSecrets' os.Setenv is undone.
	t.Setenv("ZAPTEST_VAULT_SECRET", "")
	os.Unsetenv("ZAPTEST_VAULT_SECRET")

	v := newTestVault(t)
	if err := v.Create("senha-mestra"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Set("ZAPTEST_VAULT_SECRET", "injetado"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := v.InjectSecrets(); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if got := os.Getenv("ZAPTEST_VAULT_SECRET"); got != "injetado" {
		t.Errorf("env after inject = %q, want injetado", got)
	}

	v.Lock()
	if err := v.InjectSecrets(); err == nil {
		t.Error("inject on a locked vault should fail")
	}
}
