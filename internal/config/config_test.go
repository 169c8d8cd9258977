package config

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.GetTransferData().MaxRedirects != 5 {
		t.Fatalf("Unexpected default redirects %d", cfg.GetTransferData().MaxRedirects)
	}
	if _, err = os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Fatalf("Unexpected missing config file: %v", err)
	}
	if !cfg.IsFirstRun() {
		t.Fatalf("Unexpected configured state without a download directory")
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	if err := os.WriteFile(path, []byte(`{"transfer":{"max_redirects":2,"download_directory":"/tmp/dl"}}`), 0644); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	td := cfg.GetTransferData()
	if td.MaxRedirects != 2 || td.DownloadDirectory != "/tmp/dl" {
		t.Fatalf("Unexpected overlay: %+v", td)
	}
	if td.PollIntervalMS != 50 || td.UserAgent == "" {
		t.Fatalf("Unexpected missing defaults: %+v", td)
	}

	saved, _ := os.ReadFile(path)
	if !bytes.Contains(saved, []byte(`"poll_interval_ms": 50`)) {
		t.Fatalf("Unexpected re-saved config without new defaults")
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(`{"transfer":`), 0644)
	if _, err := Load(dir); err == nil {
		t.Fatalf("Unexpected success on truncated JSON")
	}
}

func TestUpdateTransferField(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.UpdateTransferField("max_redirects", 9); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.GetTransferData().MaxRedirects != 9 {
		t.Fatalf("Unexpected value %d", cfg.GetTransferData().MaxRedirects)
	}
	if err := cfg.UpdateTransferField("max_redirects", "many"); err == nil {
		t.Fatalf("Unexpected success with a string for an int field")
	}
	if cfg.GetTransferData().MaxRedirects != 9 {
		t.Fatalf("Unexpected partial update")
	}
	if err := cfg.UpdateTransferField("no_such_field", 1); err == nil {
		t.Fatalf("Unexpected success for an unknown field")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transfer.DownloadDirectory = t.TempDir()
	if r := Validate(cfg); !r.IsValid() {
		t.Fatalf("Unexpected errors on defaults: %v", r.Errors)
	}

	cfg.Transfer.MaxResponseBytes = MaxResponseBytes + 1
	cfg.Transfer.MaxRedirects = -1
	cfg.Transfer.UserAgent = "bad\r\nagent"
	cfg.ApplicationData.Patch.Enabled = true
	cfg.ApplicationData.Patch.ManifestURL = "https://patch.test/manifest"
	r := Validate(cfg)

	fields := map[string]bool{}
	for _, e := range r.Errors {
		fields[e.Field] = true
	}
	for _, want := range []string{
		"transfer.max_response_bytes",
		"transfer.max_redirects",
		"transfer.user_agent",
		"application_data.patch.manifest_url",
	} {
		if !fields[want] {
			t.Fatalf("Unexpected missing error for %s: %v", want, r.Errors)
		}
	}
}

func TestSetupWizard(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(dir, DefaultConfigFile))

	answers := strings.Join([]string{
		filepath.Join(dir, "downloads"), // download directory
		"4",                             // max concurrent
		"",                              // request timeout
		"",                              // ftp user
		"",                              // ftp password
		"no",                            // patching
		"yes",                           // webadmin
		"9090",                          // port
		"",                              // webhook
		"no",                            // mqtt
	}, "\n") + "\n"
	var out bytes.Buffer

	if err := runSetupWizard(cfg, bufio.NewReader(strings.NewReader(answers)), &out); err != nil {
		t.Fatalf("Unexpected error: %v\n%s", err, out.String())
	}

	td := cfg.GetTransferData()
	if td.DownloadDirectory != filepath.Join(dir, "downloads") || td.MaxConcurrent != 4 || td.FTPUser != "anonymous" {
		t.Fatalf("Unexpected transfer data %+v", td)
	}
	if cfg.GetApplicationData().WebAdmin.Port != 9090 {
		t.Fatalf("Unexpected webadmin port")
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Fatalf("Unexpected missing saved config: %v", err)
	}
}
