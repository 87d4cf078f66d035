package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunBadUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"/dev/sda1"}, &stdout, &stderr)
	if code != exitBadUsage {
		t.Fatalf("code = %d, want %d", code, exitBadUsage)
	}
}

func TestRunUnsupportedFsType(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"/dev/sda1", "xfs"}, &stdout, &stderr)
	if code != exitBadUsage {
		t.Fatalf("code = %d, want %d", code, exitBadUsage)
	}
	if !strings.Contains(stderr.String(), "unsupported fsType") {
		t.Fatalf("stderr = %q, want a fsType complaint", stderr.String())
	}
}

func TestRunRejectsRelativePath(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"sda1", "ntfs"}, &stdout, &stderr)
	if code != exitBadDevicePath {
		t.Fatalf("code = %d, want %d", code, exitBadDevicePath)
	}
}

func TestRunRejectsPathOutsideDev(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"/mnt/sda1", "ntfs"}, &stdout, &stderr)
	if code != exitBadDevicePath {
		t.Fatalf("code = %d, want %d", code, exitBadDevicePath)
	}
}

func TestCheckDevicePathRejectsRelative(t *testing.T) {
	if _, err := checkDevicePath("dev/sda1"); err == nil {
		t.Fatal("expected error for relative path")
	}
}

func TestCheckDevicePathRejectsNonDev(t *testing.T) {
	if _, err := checkDevicePath("/etc/passwd"); err == nil {
		t.Fatal("expected error for path outside /dev/")
	}
}

func TestProgressReporterDedupesAndRateLimits(t *testing.T) {
	var buf bytes.Buffer
	r := newProgressReporter(&buf)
	r.report(0)
	r.report(0)  // duplicate, suppressed
	r.report(50) // within the 100ms interval of the 0% line, suppressed
	r.report(100)
	out := buf.String()
	if strings.Count(out, "KERYTHING_PROGRESS 0") != 1 {
		t.Fatalf("expected exactly one 0%% emission, got %q", out)
	}
	if strings.Contains(out, "KERYTHING_PROGRESS 50") {
		t.Fatalf("expected the 50%% emission to be rate-limited, got %q", out)
	}
	if !strings.Contains(out, "KERYTHING_PROGRESS 100") {
		t.Fatalf("expected a 100%% emission, got %q", out)
	}
}
