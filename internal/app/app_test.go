package app

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setupCLIEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_SQLITE_PATH", filepath.Join(dir, "bans.db"))
	t.Setenv("REDIS_URL", "")
	t.Setenv("GATE_TIMEOUT", "2s")
	t.Setenv("GATEWAY_WORKERS", "2")
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCLIBanCheckUnban(t *testing.T) {
	setupCLIEnv(t)

	out, err := execute(t, "ban", "alice", "x-ray", "texture", "pack", "--by", "moderator")
	if err != nil {
		t.Fatalf("ban returned error: %v (output %q)", err, out)
	}
	if !strings.Contains(out, "Player alice was banned.") {
		t.Fatalf("ban output = %q", out)
	}

	out, err = execute(t, "check", "alice", "203.0.113.5:4000")
	if err != nil {
		t.Fatalf("check returned error: %v", err)
	}
	if !strings.Contains(out, "verdict: deny") || !strings.Contains(out, "Reason: x-ray texture pack") {
		t.Fatalf("check output = %q", out)
	}

	out, err = execute(t, "check", "bob", "203.0.113.5:4000")
	if err != nil || !strings.Contains(out, "verdict: allow") {
		t.Fatalf("check bob = %q, %v; want allow", out, err)
	}

	out, err = execute(t, "unban", "alice")
	if err != nil || !strings.Contains(out, "Player alice was unbanned.") {
		t.Fatalf("unban = %q, %v", out, err)
	}

	out, err = execute(t, "unban", "alice")
	if err == nil {
		t.Fatal("second unban should report failure")
	}
	if !strings.Contains(out, "Player alice is not banned.") {
		t.Fatalf("second unban output = %q", out)
	}
}

func TestCLIBanRequiresReason(t *testing.T) {
	setupCLIEnv(t)

	if _, err := execute(t, "ban", "alice"); err == nil {
		t.Fatal("ban without a reason succeeded")
	}
}

func TestCLIExportImport(t *testing.T) {
	dir := setupCLIEnv(t)

	if _, err := execute(t, "ban", "10.0.0.9", "open", "proxy"); err != nil {
		t.Fatalf("ban ip returned error: %v", err)
	}

	exportPath := filepath.Join(dir, "bans.yaml")
	if _, err := execute(t, "export", "--out", exportPath); err != nil {
		t.Fatalf("export returned error: %v", err)
	}
	raw, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.Contains(string(raw), "10.0.0.9") {
		t.Fatalf("export does not contain the ban:\n%s", raw)
	}

	t.Setenv("DB_SQLITE_PATH", filepath.Join(dir, "restored.db"))
	out, err := execute(t, "import", exportPath)
	if err != nil {
		t.Fatalf("import returned error: %v", err)
	}
	if !strings.Contains(out, "imported 1 bans, 0 rejected") {
		t.Fatalf("import output = %q", out)
	}

	out, _ = execute(t, "check", "someone", "10.0.0.9")
	if !strings.Contains(out, "verdict: deny") {
		t.Fatalf("restored database did not deny the address: %q", out)
	}
}

func TestCLIRejectsInvalidLogLevel(t *testing.T) {
	setupCLIEnv(t)

	if _, err := execute(t, "version", "--log-level", "loud"); err == nil {
		t.Fatal("invalid log level accepted")
	}
	out, err := execute(t, "version")
	if err != nil || !strings.Contains(out, "dev") {
		t.Fatalf("version = %q, %v", out, err)
	}
}
