package kerdevice

import (
	"fmt"
	"testing"
)

func TestDevicesFromLsblkResolvesDeviceIDAndMountState(t *testing.T) {
	raw := lsblkOutput{BlockDevices: []lsblkDevice{
		{Path: "/dev/sda1", FsType: "ext4", Label: "root", UUID: "fs-uuid-1", PartUUID: "cached-partuuid", MountPoints: []string{"/"}},
		{Path: "/dev/sda2", FsType: "ntfs", Label: "", UUID: "", PartUUID: "", MountPoints: []string{""}},
		{Path: "", FsType: "", MountPoints: nil}, // whole-disk row with no path, e.g. a parent device
	}}

	resolve := func(devNode string) (string, error) {
		switch devNode {
		case "/dev/sda1":
			return "real-gpt-uuid-1", nil
		case "/dev/sda2":
			return "real-gpt-uuid-2", nil
		default:
			return "", fmt.Errorf("not a partition: %s", devNode)
		}
	}

	devices := devicesFromLsblk(raw, resolve)
	if len(devices) != 2 {
		t.Fatalf("len(devices) = %d, want 2", len(devices))
	}

	if devices[0].DeviceID != "partuuid:real-gpt-uuid-1" {
		t.Fatalf("devices[0].DeviceID = %q, want partuuid:real-gpt-uuid-1", devices[0].DeviceID)
	}
	if !devices[0].Mounted || devices[0].PrimaryMountPoint != "/" {
		t.Fatalf("devices[0] mount state = %+v, want mounted at /", devices[0])
	}

	if devices[1].Mounted {
		t.Fatalf("devices[1] should be unmounted (blank mountpoint entry), got %+v", devices[1])
	}
	if devices[1].PrimaryMountPoint != "" {
		t.Fatalf("devices[1].PrimaryMountPoint = %q, want empty", devices[1].PrimaryMountPoint)
	}
}

func TestDevicesFromLsblkSkipsUnresolvableDevices(t *testing.T) {
	raw := lsblkOutput{BlockDevices: []lsblkDevice{
		{Path: "/dev/sda", FsType: "", MountPoints: nil}, // whole disk, no GPT entry of its own
	}}
	resolve := func(devNode string) (string, error) {
		return "", fmt.Errorf("no GPT entry for whole disk %s", devNode)
	}

	devices := devicesFromLsblk(raw, resolve)
	if len(devices) != 0 {
		t.Fatalf("expected whole-disk device to be skipped, got %+v", devices)
	}
}

func TestDevicesFromLsblkEmptyInputYieldsNoDevices(t *testing.T) {
	p := &Prober{resolvePartUUID: func(devNode string) (string, error) {
		return "", fmt.Errorf("unused in this test")
	}}
	// Shape an empty lsblk result directly, without shelling out to lsblk;
	// MountPoint itself is not called here.
	devices := devicesFromLsblk(lsblkOutput{}, p.resolvePartUUID)
	if len(devices) != 0 {
		t.Fatalf("expected no devices, got %+v", devices)
	}
}
