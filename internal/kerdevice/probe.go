package kerdevice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
)

// KnownDevice is one row of ListKnownDevices (spec.md §6.1).
type KnownDevice struct {
	DeviceID          string
	DevNode           string
	FsType            string
	UUID              string
	Label             string
	PartUUID          string
	Mounted           bool
	MountPoints       []string
	PrimaryMountPoint string
}

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	FsType      string   `json:"fstype"`
	Label       string   `json:"label"`
	UUID        string   `json:"uuid"`
	PartUUID    string   `json:"partuuid"`
	MountPoints []string `json:"mountpoints"`
}

// Prober enumerates block devices via lsblk (best-effort, the same
// shell-out-and-parse-JSON style as the teacher's
// getDeviceErrorStatsJSON) and derives each one's authoritative deviceId
// from its own GPT entry rather than trusting lsblk's cached PARTUUID.
type Prober struct {
	resolvePartUUID func(devNode string) (string, error) // seam for tests
}

// NewProber creates a Prober.
func NewProber() *Prober {
	return &Prober{resolvePartUUID: ResolvePartUUID}
}

// ListKnownDevices enumerates every partition lsblk reports, resolving
// each one's deviceId straight from the GPT (spec.md §6.3: "never from
// the filesystem") and filling label/fsType/mountpoints in from lsblk.
// A lsblk failure is returned as an error; a row whose partuuid cannot be
// resolved from a GPT entry is omitted from the result.
func (p *Prober) ListKnownDevices() ([]KnownDevice, error) {
	raw, err := p.runLsblk()
	if err != nil {
		return nil, err
	}
	return devicesFromLsblk(raw, p.resolvePartUUID), nil
}

// devicesFromLsblk is the pure, testable half of ListKnownDevices:
// filtering and shaping lsblk's rows given an already-parsed result and
// an injectable partuuid resolver.
func devicesFromLsblk(raw lsblkOutput, resolvePartUUID func(devNode string) (string, error)) []KnownDevice {
	var out []KnownDevice
	for _, d := range raw.BlockDevices {
		if d.Path == "" {
			continue
		}
		uuid, err := resolvePartUUID(d.Path)
		if err != nil {
			// Not a GPT partition (e.g. a whole disk, an MBR-only
			// device, or a loop device) -- not addressable as a
			// deviceId, so it's simply not a kerything-known device.
			continue
		}

		mountPoints := nonEmpty(d.MountPoints)
		primary := ""
		if len(mountPoints) > 0 {
			primary = mountPoints[0]
		}

		out = append(out, KnownDevice{
			DeviceID:          "partuuid:" + uuid,
			DevNode:           d.Path,
			FsType:            d.FsType,
			UUID:              d.UUID,
			Label:             d.Label,
			PartUUID:          d.PartUUID,
			Mounted:           len(mountPoints) > 0,
			MountPoints:       mountPoints,
			PrimaryMountPoint: primary,
		})
	}
	return out
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p *Prober) runLsblk() (lsblkOutput, error) {
	cmd := exec.Command("lsblk", "-J", "-p", "-o", "NAME,PATH,FSTYPE,LABEL,UUID,PARTUUID,MOUNTPOINTS")
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return lsblkOutput{}, fmt.Errorf("kerdevice: lsblk failed: %w (%s)", err, stderr.String())
	}

	var result lsblkOutput
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		return lsblkOutput{}, fmt.Errorf("kerdevice: parsing lsblk JSON: %w", err)
	}
	return result, nil
}

// MountPoint implements kerwatch.MountResolver: the current primary
// mount point for deviceId's partition, or "" if it isn't mounted or
// isn't currently known at all.
func (p *Prober) MountPoint(deviceID string) (string, error) {
	devices, err := p.ListKnownDevices()
	if err != nil {
		return "", err
	}
	for _, d := range devices {
		if d.DeviceID == deviceID {
			return d.PrimaryMountPoint, nil
		}
	}
	return "", nil
}
