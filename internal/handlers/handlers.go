// Package handlers implements the request handlers behind every PeerReq
// variant that touches the local filesystem or local system metrics. ACL
// gating happens one layer up, in the actor, before any handler here is
// called — these functions trust that the caller already authorized the
// operation.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/j45k4/puppypeer/internal/wire"
)

// MaxReadChunk bounds how much of a file ReadFile returns in one call.
const MaxReadChunk = 4 << 20 // 4 MiB

// Error kinds from spec.md §7's taxonomy that originate below the ACL
// layer: a path that fails to resolve, an overflowing or otherwise
// malformed argument, and a read attempted against a directory.
var (
	ErrPathResolution  = errors.New("handlers: path resolution failed")
	ErrInvalidArgument = errors.New("handlers: invalid argument")
	ErrIsDirectory     = errors.New("handlers: path is a directory")
)

// ListDir lists the entries of a directory, directories sorted before
// files and otherwise case-insensitively by name.
func ListDir(path string) (wire.DirEntriesResponse, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return wire.DirEntriesResponse{}, fmt.Errorf("handlers: list dir %s: %w: %w", path, ErrPathResolution, err)
	}

	out := make([]wire.DirEntry, 0, len(entries))
	for _, e := range entries {
		de, err := entryFor(filepath.Join(path, e.Name()), e.Name())
		if err != nil {
			// A single unreadable entry (broken symlink, permission
			// race) should not fail the whole listing.
			continue
		}
		out = append(out, de)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})

	return wire.DirEntriesResponse{Entries: out}, nil
}

// StatFile returns metadata for a single path.
func StatFile(path string) (wire.FileStatResponse, error) {
	de, err := entryFor(path, filepath.Base(path))
	if err != nil {
		return wire.FileStatResponse{}, fmt.Errorf("handlers: stat %s: %w: %w", path, ErrPathResolution, err)
	}
	return wire.FileStatResponse{Entry: de}, nil
}

func entryFor(fullPath, name string) (wire.DirEntry, error) {
	info, err := os.Stat(fullPath)
	if err != nil {
		return wire.DirEntry{}, err
	}

	de := wire.DirEntry{
		Name:  name,
		IsDir: info.IsDir(),
		Size:  uint64(info.Size()),
	}

	modified := info.ModTime()
	de.ModifiedAt = &modified

	if !info.IsDir() {
		ext := strings.TrimPrefix(filepath.Ext(name), ".")
		if ext != "" {
			de.Extension = &ext
			// Guessed by extension only, per the documented contract;
			// content-sniffing would read file bytes we have no need
			// to touch for a directory listing.
			if m := mime.TypeByExtension("." + ext); m != "" {
				de.Mime = &m
			}
		}
	}

	return de, nil
}

// ReadFile reads up to length bytes (capped at MaxReadChunk, and to
// whatever remains in the file past offset) starting at offset.
func ReadFile(path string, offset uint64, length *uint64) (wire.FileChunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return wire.FileChunk{}, fmt.Errorf("handlers: open %s: %w: %w", path, ErrPathResolution, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return wire.FileChunk{}, fmt.Errorf("handlers: stat %s: %w: %w", path, ErrPathResolution, err)
	}
	if info.IsDir() {
		return wire.FileChunk{}, fmt.Errorf("handlers: read %s: %w", path, ErrIsDirectory)
	}
	size := uint64(info.Size())

	if offset >= size {
		return wire.FileChunk{Offset: offset, Data: []byte{}, Eof: true}, nil
	}

	want := uint64(MaxReadChunk)
	if length != nil && *length < want {
		want = *length
	}
	if remaining := size - offset; want > remaining {
		want = remaining
	}

	buf := make([]byte, want)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return wire.FileChunk{}, fmt.Errorf("handlers: read %s: %w", path, err)
	}

	return wire.FileChunk{
		Offset: offset,
		Data:   buf[:n],
		Eof:    offset+uint64(n) >= size,
	}, nil
}

// WriteFile writes data at offset, creating the file (and its parent
// directory, if missing) when it does not already exist, and extending
// the file when offset+len(data) is past the current end.
func WriteFile(path string, offset uint64, data []byte) (wire.FileWriteAck, error) {
	if filepath.Base(path) == "" || filepath.Base(path) == "." || filepath.Base(path) == string(filepath.Separator) {
		return wire.FileWriteAck{}, fmt.Errorf("handlers: write %s: %w: empty file name", path, ErrInvalidArgument)
	}
	if offset > math.MaxInt64-uint64(len(data)) {
		return wire.FileWriteAck{}, fmt.Errorf("handlers: write %s: %w: offset+length overflows", path, ErrInvalidArgument)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return wire.FileWriteAck{}, fmt.Errorf("handlers: create parent of %s: %w: %w", path, ErrPathResolution, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return wire.FileWriteAck{}, fmt.Errorf("handlers: open %s for write: %w: %w", path, ErrPathResolution, err)
	}
	defer f.Close()

	n, err := f.WriteAt(data, int64(offset))
	if err != nil {
		return wire.FileWriteAck{}, fmt.Errorf("handlers: write %s: %w", path, err)
	}

	return wire.FileWriteAck{BytesWritten: uint64(n)}, nil
}

// ListCpus samples per-logical-CPU usage and clock frequency.
func ListCpus(ctx context.Context) (wire.CpusResponse, error) {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return wire.CpusResponse{}, fmt.Errorf("handlers: cpu info: %w", err)
	}
	percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, true)
	if err != nil {
		return wire.CpusResponse{}, fmt.Errorf("handlers: cpu percent: %w", err)
	}

	out := make([]wire.CpuInfo, 0, len(infos))
	for i, info := range infos {
		usage := 0.0
		if i < len(percents) {
			usage = percents[i]
		}
		out = append(out, wire.CpuInfo{
			Name:         info.ModelName,
			UsagePercent: usage,
			FrequencyHz:  uint64(info.Mhz * 1_000_000),
		})
	}

	return wire.CpusResponse{Cpus: out}, nil
}

// ListInterfaces reports every network interface and its traffic totals.
func ListInterfaces(ctx context.Context) (wire.InterfacesResponse, error) {
	ifaces, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		return wire.InterfacesResponse{}, fmt.Errorf("handlers: list interfaces: %w", err)
	}
	counters, err := gnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return wire.InterfacesResponse{}, fmt.Errorf("handlers: interface counters: %w", err)
	}
	byName := make(map[string]gnet.IOCountersStat, len(counters))
	for _, c := range counters {
		byName[c.Name] = c
	}

	out := make([]wire.InterfaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		ips := make([]string, 0, len(iface.Addrs))
		for _, a := range iface.Addrs {
			ips = append(ips, a.Addr)
		}

		totals := wire.InterfaceTotals{}
		if c, ok := byName[iface.Name]; ok {
			totals = wire.InterfaceTotals{
				RxBytes:   c.BytesRecv,
				TxBytes:   c.BytesSent,
				RxPackets: c.PacketsRecv,
				TxPackets: c.PacketsSent,
				RxErrors:  c.Errin,
				TxErrors:  c.Errout,
			}
		}

		out = append(out, wire.InterfaceInfo{
			Name:   iface.Name,
			Mac:    iface.HardwareAddr,
			Ips:    ips,
			Totals: totals,
			Mtu:    uint32(iface.MTU),
		})
	}

	return wire.InterfacesResponse{Interfaces: out}, nil
}

// ListDisks reports every mounted volume and its usage and I/O totals.
// This supplements spec.md's explicit handler set per SPEC_FULL.md's
// Request Handlers section.
func ListDisks(ctx context.Context) (wire.DisksResponse, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return wire.DisksResponse{}, fmt.Errorf("handlers: list partitions: %w", err)
	}
	ioCounters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		// Per-device I/O counters are unavailable on some platforms and
		// in containers; degrade to zeroed totals rather than failing
		// the whole call.
		ioCounters = map[string]disk.IOCountersStat{}
	}

	out := make([]wire.DiskInfo, 0, len(partitions))
	for _, p := range partitions {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}

		device := filepath.Base(p.Device)
		var readBytes, writtenBytes uint64
		if c, ok := ioCounters[device]; ok {
			readBytes = c.ReadBytes
			writtenBytes = c.WriteBytes
		}

		out = append(out, wire.DiskInfo{
			Name:              device,
			MountPath:         p.Mountpoint,
			Filesystem:        p.Fstype,
			TotalSpace:        usage.Total,
			AvailableSpace:    usage.Free,
			UsagePercent:      usage.UsedPercent,
			TotalReadBytes:    readBytes,
			TotalWrittenBytes: writtenBytes,
			ReadOnly:          hasOpt(p.Opts, "ro"),
			Removable:         isRemovableFstype(p.Fstype),
			Kind:              p.Fstype,
		})
	}

	return wire.DisksResponse{Disks: out}, nil
}

func hasOpt(opts []string, want string) bool {
	for _, o := range opts {
		if o == want {
			return true
		}
	}
	return false
}

func isRemovableFstype(fstype string) bool {
	switch strings.ToLower(fstype) {
	case "vfat", "exfat", "iso9660", "udf":
		return true
	default:
		return false
	}
}
