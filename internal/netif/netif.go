// Package netif inventories the host's network interfaces together with
// their kernel I/O counters, and samples host load.
package netif

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// ErrNotFound is returned by Get for an unknown interface name.
var ErrNotFound = errors.New("netif: interface not found")

// Counters are the kernel I/O counters of one interface.
type Counters struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
	ErrIn       uint64 `json:"err_in"`
	ErrOut      uint64 `json:"err_out"`
	DropIn      uint64 `json:"drop_in"`
	DropOut     uint64 `json:"drop_out"`
}

// Interface describes one network interface.
type Interface struct {
	Index        int       `json:"index"`
	Name         string    `json:"name"`
	MTU          int       `json:"mtu"`
	HardwareAddr string    `json:"hardware_addr,omitempty"`
	Flags        []string  `json:"flags"`
	Up           bool      `json:"up"`
	Loopback     bool      `json:"loopback"`
	Addrs        []string  `json:"addrs"`
	Counters     *Counters `json:"counters,omitempty"`
}

// HostLoad is a point-in-time host utilisation sample.
type HostLoad struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// source abstracts gopsutil so tests can supply canned data.
type source interface {
	Interfaces(ctx context.Context) ([]psnet.InterfaceStat, error)
	IOCounters(ctx context.Context) ([]psnet.IOCountersStat, error)
	CPUPercent(ctx context.Context, interval time.Duration) (float64, error)
	MemoryPercent(ctx context.Context) (float64, error)
}

type gopsutilSource struct{}

func (gopsutilSource) Interfaces(ctx context.Context) ([]psnet.InterfaceStat, error) {
	return psnet.InterfacesWithContext(ctx)
}

func (gopsutilSource) IOCounters(ctx context.Context) ([]psnet.IOCountersStat, error) {
	return psnet.IOCountersWithContext(ctx, true)
}

func (gopsutilSource) CPUPercent(ctx context.Context, interval time.Duration) (float64, error) {
	c, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return 0, err
	}
	if len(c) == 0 {
		return 0, nil
	}
	return c[0], nil
}

func (gopsutilSource) MemoryPercent(ctx context.Context) (float64, error) {
	m, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return m.UsedPercent, nil
}

// Inspector reads interface and host information.
type Inspector struct {
	src         source
	cpuInterval time.Duration
}

// NewInspector returns an Inspector backed by the running kernel.
func NewInspector() *Inspector {
	return &Inspector{src: gopsutilSource{}, cpuInterval: 200 * time.Millisecond}
}

// List returns all interfaces ordered by index. Counters are attached when
// the platform reports them; a counter read failure is not fatal.
func (i *Inspector) List(ctx context.Context) ([]Interface, error) {
	stats, err := i.src.Interfaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("netif: list interfaces: %w", err)
	}

	counters := make(map[string]psnet.IOCountersStat)
	if io, err := i.src.IOCounters(ctx); err == nil {
		for _, c := range io {
			counters[c.Name] = c
		}
	}

	out := make([]Interface, 0, len(stats))
	for _, s := range stats {
		iface := Interface{
			Index:        s.Index,
			Name:         s.Name,
			MTU:          s.MTU,
			HardwareAddr: s.HardwareAddr,
			Flags:        append([]string{}, s.Flags...),
			Up:           slices.Contains(s.Flags, "up"),
			Loopback:     slices.Contains(s.Flags, "loopback"),
			Addrs:        make([]string, 0, len(s.Addrs)),
		}
		for _, a := range s.Addrs {
			iface.Addrs = append(iface.Addrs, a.Addr)
		}
		if c, ok := counters[s.Name]; ok {
			iface.Counters = &Counters{
				BytesSent:   c.BytesSent,
				BytesRecv:   c.BytesRecv,
				PacketsSent: c.PacketsSent,
				PacketsRecv: c.PacketsRecv,
				ErrIn:       c.Errin,
				ErrOut:      c.Errout,
				DropIn:      c.Dropin,
				DropOut:     c.Dropout,
			}
		}
		out = append(out, iface)
	}

	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out, nil
}

// Get returns the named interface.
func (i *Inspector) Get(ctx context.Context, name string) (Interface, error) {
	all, err := i.List(ctx)
	if err != nil {
		return Interface{}, err
	}
	for _, iface := range all {
		if iface.Name == name {
			return iface, nil
		}
	}
	return Interface{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Host samples CPU and memory utilisation. The CPU figure blocks for the
// sampling interval.
func (i *Inspector) Host(ctx context.Context) (HostLoad, error) {
	c, err := i.src.CPUPercent(ctx, i.cpuInterval)
	if err != nil {
		return HostLoad{}, fmt.Errorf("netif: cpu: %w", err)
	}
	m, err := i.src.MemoryPercent(ctx)
	if err != nil {
		return HostLoad{}, fmt.Errorf("netif: memory: %w", err)
	}
	return HostLoad{CPUPercent: c, MemoryPercent: m}, nil
}
