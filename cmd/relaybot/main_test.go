package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"relaybot/internal/job"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "relaybot dev") || !strings.Contains(out, "commit: none") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestFingerprintCmdMatchesJob(t *testing.T) {
	out, err := runCmd(t, "fingerprint", "-m", "hello", "-a", "b.jpg=second", "-a", "a.jpg", "-t", "vip,new")
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	want := job.Spec{
		Payload:     job.TextMessage{Text: "hello"},
		Attachments: map[string]string{"a.jpg": "", "b.jpg": "second"},
		Tags:        []string{"new", "vip"},
	}.Fingerprint()
	if strings.TrimSpace(out) != want {
		t.Fatalf("fingerprint=%q want %q", strings.TrimSpace(out), want)
	}
}

func TestFingerprintCmdRequiresContent(t *testing.T) {
	if _, err := runCmd(t, "fingerprint"); err == nil {
		t.Fatalf("expected an error for an empty job")
	}
}

func TestTagsCmd(t *testing.T) {
	dir := t.TempDir()
	contacts := filepath.Join(dir, "contacts.json")
	if err := os.WriteFile(contacts, []byte(`[{"id":"c1","tags":"vip, new"},{"id":"c2","tags":"vip"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := filepath.Join(dir, "config.yaml")
	body := "transport:\n  driver: dryrun\nrecipients:\n  contacts: " + filepath.ToSlash(contacts) + "\n"
	if err := os.WriteFile(cfg, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "tags", "-c", cfg, "--class", "contacts")
	if err != nil {
		t.Fatalf("tags: %v (%s)", err, out)
	}
	if got := strings.Fields(out); strings.Join(got, ",") != "All,new,vip" {
		t.Fatalf("tags=%q", out)
	}
}

func TestTagsCmdUnknownClass(t *testing.T) {
	if _, err := runCmd(t, "tags", "--class", "channel"); err == nil {
		t.Fatalf("expected an error for an unknown class")
	}
}
