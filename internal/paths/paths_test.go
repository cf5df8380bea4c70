package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBaseDirHonorsEnvironment(t *testing.T) {
	t.Setenv("MEDIATE_HOME", "/srv/mediate")
	if got := BaseDir(); got != "/srv/mediate" {
		t.Errorf("BaseDir() = %q", got)
	}
	if got := ConfigPath(); got != filepath.Join("/srv/mediate", "config.toml") {
		t.Errorf("ConfigPath() = %q", got)
	}
}

func TestBaseDirDefault(t *testing.T) {
	t.Setenv("MEDIATE_HOME", "")
	home, _ := os.UserHomeDir()
	if got := BaseDir(); got != filepath.Join(home, ".mediate") {
		t.Errorf("BaseDir() = %q", got)
	}
}

func TestDataDirLayout(t *testing.T) {
	if got := DataDir("/var/lib/mediate"); got != "/var/lib/mediate" {
		t.Errorf("DataDir() = %q", got)
	}
	if got := DBPath("/d"); got != filepath.Join("/d", "mediate.db") {
		t.Errorf("DBPath() = %q", got)
	}
	if got := LogPath("/d"); !strings.HasSuffix(got, filepath.Join("logs", "mediated.log")) {
		t.Errorf("LogPath() = %q", got)
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	if err := EnsureDir(dir); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir(dir))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() || info.Mode().Perm() != 0700 {
		t.Errorf("log dir mode = %v", info.Mode())
	}
}
