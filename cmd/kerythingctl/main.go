package main

import (
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/godbus/dbus/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/reikooters/kerything/pkg/config"
)

const (
	busName    = config.BusName
	objectPath = dbus.ObjectPath("/net/reikooters/Kerything1/Indexer")
	ifaceName  = "net.reikooters.Kerything1.Indexer"
)

// CLI is the root command structure for the kerythingctl client.
type CLI struct {
	Ping          PingCmd          `cmd:"" help:"Check the daemon is reachable"`
	ListDevices   ListDevicesCmd   `cmd:"" name:"list-devices" help:"List devices the daemon knows about"`
	ListIndexed   ListIndexedCmd   `cmd:"" name:"list-indexed" help:"List currently indexed devices"`
	Index         IndexCmd         `cmd:"" help:"Start indexing a device"`
	Cancel        CancelCmd        `cmd:"" help:"Cancel a running indexing job"`
	Forget        ForgetCmd        `cmd:"" help:"Forget a device's index"`
	Watch         WatchCmd         `cmd:"" help:"Enable or disable watching a device"`
	Search        SearchCmd        `cmd:"" help:"Search indexed devices by name"`
}

func dialBus() (*dbus.Conn, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	return conn, nil
}

func obj(conn *dbus.Conn) dbus.BusObject {
	return conn.Object(busName, objectPath)
}

// PingCmd checks that the daemon answers and reports its version.
type PingCmd struct{}

func (c *PingCmd) Run() error {
	conn, err := dialBus()
	if err != nil {
		return err
	}
	defer conn.Close()

	var version string
	var apiVersion uint32
	if err := obj(conn).Call(ifaceName+".Ping", 0).Store(&version, &apiVersion); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	fmt.Printf("kerythingd %s (api v%d)\n", version, apiVersion)
	return nil
}

// ListDevicesCmd lists every device the daemon has ever seen.
type ListDevicesCmd struct{}

func (c *ListDevicesCmd) Run() error {
	conn, err := dialBus()
	if err != nil {
		return err
	}
	defer conn.Close()

	var rows []map[string]dbus.Variant
	if err := obj(conn).Call(ifaceName+".ListKnownDevices", 0).Store(&rows); err != nil {
		return fmt.Errorf("list-devices: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Device ID", "Dev Node", "FS", "Label", "Mounted", "Mount Point"})
	for _, r := range rows {
		t.AppendRow(table.Row{
			variantString(r, "deviceId"),
			variantString(r, "devNode"),
			variantString(r, "fsType"),
			variantString(r, "label"),
			variantBool(r, "mounted"),
			variantString(r, "primaryMountPoint"),
		})
	}
	t.Render()
	return nil
}

// ListIndexedCmd lists devices currently indexed for the calling user.
type ListIndexedCmd struct{}

func (c *ListIndexedCmd) Run() error {
	conn, err := dialBus()
	if err != nil {
		return err
	}
	defer conn.Close()

	var rows []map[string]dbus.Variant
	if err := obj(conn).Call(ifaceName+".ListIndexedDevices", 0).Store(&rows); err != nil {
		return fmt.Errorf("list-indexed: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Device ID", "FS", "Entries", "Generation", "Last Indexed", "Watch"})
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 3, Align: text.AlignRight}, {Number: 4, Align: text.AlignRight}})
	for _, r := range rows {
		lastIndexedSec := variantInt64(r, "lastIndexedTime")
		lastIndexed := "never"
		if lastIndexedSec > 0 {
			lastIndexed = time.Unix(lastIndexedSec, 0).Format("2006-01-02 15:04:05")
		}
		watch := variantString(r, "watchState")
		if !variantBool(r, "watchEnabled") {
			watch = "disabled"
		}
		t.AppendRow(table.Row{
			variantString(r, "deviceId"),
			variantString(r, "fsType"),
			variantInt64(r, "entryCount"),
			variantInt64(r, "generation"),
			lastIndexed,
			watch,
		})
	}
	t.Render()
	return nil
}

// IndexCmd starts an indexing job for a device.
type IndexCmd struct {
	DeviceID string `arg:"" help:"Device ID to index"`
}

func (c *IndexCmd) Run() error {
	conn, err := dialBus()
	if err != nil {
		return err
	}
	defer conn.Close()

	var jobID uint64
	if err := obj(conn).Call(ifaceName+".StartIndex", 0, c.DeviceID).Store(&jobID); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	fmt.Printf("started job %d for %s\n", jobID, c.DeviceID)
	return nil
}

// CancelCmd cancels a running job.
type CancelCmd struct {
	JobID uint64 `arg:"" help:"Job ID to cancel"`
}

func (c *CancelCmd) Run() error {
	conn, err := dialBus()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := obj(conn).Call(ifaceName+".CancelJob", 0, c.JobID).Store(); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	fmt.Printf("cancelled job %d\n", c.JobID)
	return nil
}

// ForgetCmd drops a device's index.
type ForgetCmd struct {
	DeviceID string `arg:"" help:"Device ID to forget"`
}

func (c *ForgetCmd) Run() error {
	conn, err := dialBus()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := obj(conn).Call(ifaceName+".ForgetIndex", 0, c.DeviceID).Store(); err != nil {
		return fmt.Errorf("forget: %w", err)
	}
	fmt.Printf("forgot %s\n", c.DeviceID)
	return nil
}

// WatchCmd toggles whether a device is watched for changes.
type WatchCmd struct {
	DeviceID string `arg:"" help:"Device ID"`
	Enabled  bool   `arg:"" help:"true or false"`
}

func (c *WatchCmd) Run() error {
	conn, err := dialBus()
	if err != nil {
		return err
	}
	defer conn.Close()

	var ok bool
	if err := obj(conn).Call(ifaceName+".SetWatchEnabled", 0, c.DeviceID, c.Enabled).Store(&ok); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	fmt.Printf("watch for %s set to %v\n", c.DeviceID, c.Enabled)
	return nil
}

// SearchCmd searches indexed devices by name.
type SearchCmd struct {
	Query    string   `arg:"" help:"Search text"`
	Devices  []string `short:"d" help:"Restrict to these device IDs (default: all indexed)"`
	Sort     string   `short:"s" default:"name" enum:"name,path,size,mtime" help:"Sort key"`
	Desc     bool     `help:"Sort descending"`
	Offset   uint32   `help:"Row offset"`
	Limit    uint32   `default:"50" help:"Max rows"`
}

func (c *SearchCmd) Run() error {
	conn, err := dialBus()
	if err != nil {
		return err
	}
	defer conn.Close()

	sortDir := "asc"
	if c.Desc {
		sortDir = "desc"
	}

	var total uint64
	var rows [][]any
	call := obj(conn).Call(ifaceName+".Search", 0,
		c.Query, c.Devices, c.Sort, sortDir, c.Offset, c.Limit, map[string]dbus.Variant{})
	if err := call.Store(&total, &rows); err != nil {
		return fmt.Errorf("search: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Name", "Device", "Dir ID", "Size", "Modified"})
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 4, Align: text.AlignRight}})
	for _, r := range rows {
		if len(r) < 7 {
			continue
		}
		name, _ := r[2].(string)
		deviceID, _ := r[1].(string)
		dirID, _ := r[3].(uint32)
		size, _ := r[4].(uint64)
		mtime, _ := r[5].(int64)
		t.AppendRow(table.Row{name, deviceID, dirID, humanize.IBytes(size), time.Unix(mtime, 0).Format("2006-01-02 15:04:05")})
	}
	t.Render()
	fmt.Printf("%d of %d total\n", len(rows), total)
	return nil
}

func variantString(row map[string]dbus.Variant, key string) string {
	v, ok := row[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func variantBool(row map[string]dbus.Variant, key string) bool {
	v, ok := row[key]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

func variantInt64(row map[string]dbus.Variant, key string) int64 {
	v, ok := row[key]
	if !ok {
		return 0
	}
	switch n := v.Value().(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case uint32:
		return int64(n)
	default:
		return 0
	}
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("kerythingctl"),
		kong.Description("Control and query the kerythingd indexing daemon"),
		kong.UsageOnError(),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
