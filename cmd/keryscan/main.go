// Command keryscan is the privileged-helper half of the scanner: a small,
// kong-free binary invoked by the daemon's job supervisor as a child
// process, never run interactively. Its entire argv contract is two
// positional arguments, matching original_source's own narrow scanner-host
// usage (`NtfsScannerEngine`/`Ext4ScannerEngine` invoked with a device path
// and nothing else).
//
// Usage: keryscan <devicePath> <fsType>
//
// It writes the decoded kerecord.Table to stdout as a binary stream,
// progress lines ("KERYTHING_PROGRESS <pct>\n") to stderr, and exits with
// one of the documented codes below.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/reikooters/kerything/internal/ext4fs"
	"github.com/reikooters/kerything/internal/kerecord"
	"github.com/reikooters/kerything/internal/ntfsfs"
)

// Exit codes, per spec.md's scanner-host contract.
const (
	exitOK            = 0
	exitBadUsage      = 64
	exitBadDevicePath = 65
	exitScanError     = 2
	exitWriteError    = 3
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintf(stderr, "usage: keryscan <devicePath> <fsType>\n")
		return exitBadUsage
	}
	devicePath, fsType := args[0], args[1]

	if fsType != "ntfs" && fsType != "ext4" {
		fmt.Fprintf(stderr, "keryscan: unsupported fsType %q (want \"ntfs\" or \"ext4\")\n", fsType)
		return exitBadUsage
	}

	realPath, err := checkDevicePath(devicePath)
	if err != nil {
		fmt.Fprintf(stderr, "keryscan: %v\n", err)
		return exitBadDevicePath
	}

	dev, err := os.Open(realPath)
	if err != nil {
		fmt.Fprintf(stderr, "keryscan: opening device: %v\n", err)
		return exitBadDevicePath
	}
	defer dev.Close()

	reporter := newProgressReporter(stderr)
	reporter.report(0)

	var tbl kerecord.Table
	switch fsType {
	case "ntfs":
		tbl, err = ntfsfs.Decode(dev)
	case "ext4":
		tbl, err = ext4fs.Decode(dev)
	}
	if err != nil {
		fmt.Fprintf(stderr, "keryscan: scan failed: %v\n", err)
		return exitScanError
	}
	reporter.report(90)

	w := bufio.NewWriter(stdout)
	if err := kerecord.EncodeTable(w, tbl.Records, tbl.Pool); err != nil {
		fmt.Fprintf(stderr, "keryscan: writing output: %v\n", err)
		return exitWriteError
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(stderr, "keryscan: flushing output: %v\n", err)
		return exitWriteError
	}

	reporter.report(100)
	return exitOK
}

// checkDevicePath enforces the startup safety checks from spec.md §4.3:
// the argument must be an absolute path under /dev/, its realpath must
// resolve to a block device, and that device must not be world-writable.
func checkDevicePath(devicePath string) (string, error) {
	if !filepath.IsAbs(devicePath) || !strings.HasPrefix(devicePath, "/dev/") {
		return "", fmt.Errorf("device path %q is not an absolute path under /dev/", devicePath)
	}

	realPath, err := filepath.EvalSymlinks(devicePath)
	if err != nil {
		return "", fmt.Errorf("resolving real path: %w", err)
	}
	if !strings.HasPrefix(realPath, "/dev/") {
		return "", fmt.Errorf("resolved path %q escapes /dev/", realPath)
	}

	var st unix.Stat_t
	if err := unix.Stat(realPath, &st); err != nil {
		return "", fmt.Errorf("stat %q: %w", realPath, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return "", fmt.Errorf("%q is not a block device", realPath)
	}
	if st.Mode&unix.S_IWOTH != 0 {
		return "", fmt.Errorf("%q is world-writable, refusing to scan", realPath)
	}

	return realPath, nil
}

// progressReporter rate-limits KERYTHING_PROGRESS emission so a scan over
// millions of records doesn't flood the supervisor's stderr pipe.
type progressReporter struct {
	w        io.Writer
	last     time.Time
	lastPct  int
	interval time.Duration
}

func newProgressReporter(w io.Writer) *progressReporter {
	return &progressReporter{w: w, lastPct: -1, interval: 100 * time.Millisecond}
}

func (p *progressReporter) report(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct == p.lastPct {
		return
	}
	now := time.Now()
	if pct != 100 && pct != 0 && now.Sub(p.last) < p.interval {
		return
	}
	p.last = now
	p.lastPct = pct
	fmt.Fprintf(p.w, "KERYTHING_PROGRESS %d\n", pct)
}
