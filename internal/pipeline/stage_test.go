package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsExcluded(t *testing.T) {
	cases := map[string]bool{
		"cache":                true,
		"cache/object":         true,
		"w3tc-config":          true,
		"uploads/cache":        true,
		"uploads/cache/thumbs": true,
		"uploads/2024":         false,
		"node_modules":         true,
		".git":                 true,
		"debug.log":            true,
		"plugins/my-plugin":    false,
		"themes/twentytwenty":  false,
	}
	for rel, want := range cases {
		if got := isExcluded(rel); got != want {
			t.Errorf("isExcluded(%q) = %v, want %v", rel, got, want)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"example.com":     "example_com",
		"My Site 1":       "My_Site_1",
		"already-ok_name": "already-ok_name",
		"weird/../path":   "weird____path",
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseWPConfigExtractsDefines(t *testing.T) {
	content := `<?php
define('DB_HOST', 'localhost');
define('DB_NAME', "wordpress" );
define("DB_USER", 'wp_user');
define('DB_PASSWORD', 'sup3r secret!');
define('AUTH_KEY', 'unrelated');
`
	path := filepath.Join(t.TempDir(), "wp-config.php")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := ParseWPConfig(path)
	if err != nil {
		t.Fatalf("ParseWPConfig: %v", err)
	}
	if cfg.DBHost != "localhost" {
		t.Errorf("DBHost = %q, want %q", cfg.DBHost, "localhost")
	}
	if cfg.DBName != "wordpress" {
		t.Errorf("DBName = %q, want %q", cfg.DBName, "wordpress")
	}
	if cfg.DBUser != "wp_user" {
		t.Errorf("DBUser = %q, want %q", cfg.DBUser, "wp_user")
	}
	if cfg.DBPassword != "sup3r secret!" {
		t.Errorf("DBPassword = %q, want %q", cfg.DBPassword, "sup3r secret!")
	}
}

func TestParseWPConfigMissingDefineReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wp-config.php")
	if err := os.WriteFile(path, []byte("<?php\n// no defines here\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := ParseWPConfig(path)
	if err != nil {
		t.Fatalf("ParseWPConfig: %v", err)
	}
	if cfg.DBHost != "" || cfg.DBName != "" || cfg.DBUser != "" || cfg.DBPassword != "" {
		t.Errorf("expected all-empty WPConfig, got %+v", cfg)
	}
}

func TestParseWPConfigMissingFile(t *testing.T) {
	if _, err := ParseWPConfig(filepath.Join(t.TempDir(), "does-not-exist.php")); err == nil {
		t.Fatalf("expected an error for a missing wp-config.php")
	}
}
