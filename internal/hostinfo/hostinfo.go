// Package hostinfo builds the key/value metadata attached to every upload:
// device identity, network interface addresses, and the configured log type.
package hostinfo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
	psnet "github.com/shirou/gopsutil/v4/net"

	"logupload/internal/logging"
)

// Default identity files and interface list.
const (
	DefaultPlatformPath = "/tmp/platform"
	DefaultSerialPath   = "/tmp/serial"
)

// DefaultInterfaces are the interfaces reported when present, in this order.
var DefaultInterfaces = []string{
	"br0", "br1", "eth0", "man", "pon0",
	"wcli0", "wcli1", "wlan0_portal", "wlan1_portal",
}

// Errors callers classify on.
var (
	ErrInterfaces = errors.New("enumerate network interfaces")
	ErrExtract    = errors.New("extract host metadata")
)

// Pair is one metadata entry.
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Pairs is an ordered metadata list.
type Pairs []Pair

// Get returns the value for key and whether it was present.
func (p Pairs) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Map returns the pairs as a map. Later duplicates win.
func (p Pairs) Map() map[string]string {
	m := make(map[string]string, len(p))
	for _, kv := range p {
		m[kv.Key] = kv.Value
	}
	return m
}

// Extractor produces the metadata for one cycle.
type Extractor interface {
	Extract(ctx context.Context, logType string) (Pairs, error)
}

// Config configures the default extractor. Zero values select defaults.
type Config struct {
	PlatformPath string
	SerialPath   string
	Interfaces   []string
	Logger       *slog.Logger

	// Test seams; nil selects gopsutil.
	ListInterfaces func(ctx context.Context) (psnet.InterfaceStatList, error)
	HostInfo       func(ctx context.Context) (*host.InfoStat, error)
}

// System extracts metadata from the running host.
type System struct {
	platformPath string
	serialPath   string
	interfaces   []string
	listIfaces   func(ctx context.Context) (psnet.InterfaceStatList, error)
	hostInfo     func(ctx context.Context) (*host.InfoStat, error)
	logger       *slog.Logger
}

// New creates the default extractor.
func New(cfg Config) *System {
	s := &System{
		platformPath: cfg.PlatformPath,
		serialPath:   cfg.SerialPath,
		interfaces:   cfg.Interfaces,
		listIfaces:   cfg.ListInterfaces,
		hostInfo:     cfg.HostInfo,
		logger:       logging.Default(cfg.Logger).With("component", "hostinfo"),
	}
	if s.platformPath == "" {
		s.platformPath = DefaultPlatformPath
	}
	if s.serialPath == "" {
		s.serialPath = DefaultSerialPath
	}
	if s.interfaces == nil {
		s.interfaces = DefaultInterfaces
	}
	if s.listIfaces == nil {
		s.listIfaces = psnet.InterfacesWithContext
	}
	if s.hostInfo == nil {
		s.hostInfo = host.InfoWithContext
	}
	return s
}

// Extract implements Extractor. Missing identity files are skipped. Failing
// to enumerate interfaces is ErrInterfaces; ending up with no metadata at all
// is ErrExtract.
func (s *System) Extract(ctx context.Context, logType string) (Pairs, error) {
	var pairs Pairs
	add := func(k, v string) {
		if v != "" {
			pairs = append(pairs, Pair{Key: k, Value: v})
		}
	}

	add("platform", s.readIdentity(s.platformPath))
	add("serial", s.readIdentity(s.serialPath))

	info, err := s.hostInfo(ctx)
	if err != nil {
		s.logger.Warn("host info unavailable", "error", err)
	} else {
		add("hostname", info.Hostname)
		add("kernel", info.KernelVersion)
	}

	ifaces, err := s.listIfaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInterfaces, err)
	}
	byName := make(map[string]psnet.InterfaceStat, len(ifaces))
	for _, ifc := range ifaces {
		byName[ifc.Name] = ifc
	}
	for _, name := range s.interfaces {
		ifc, ok := byName[name]
		if !ok {
			continue
		}
		add(name+"_mac", ifc.HardwareAddr)
		add(name+"_ip", firstIPv4(ifc.Addrs))
	}

	add("logtype", logType)

	if len(pairs) == 0 {
		return nil, ErrExtract
	}
	return pairs, nil
}

func (s *System) readIdentity(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("read identity file", "path", path, "error", err)
		}
		return ""
	}
	return strings.TrimSpace(string(b))
}

// firstIPv4 returns the first IPv4 address without its prefix length, or the
// first address of any family when there is no IPv4 one.
func firstIPv4(addrs psnet.InterfaceAddrList) string {
	var fallback string
	for _, a := range addrs {
		ip, _, _ := strings.Cut(a.Addr, "/")
		if strings.Contains(ip, ".") {
			return ip
		}
		if fallback == "" {
			fallback = ip
		}
	}
	return fallback
}
