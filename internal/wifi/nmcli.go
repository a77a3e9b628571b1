package wifi

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// Runner executes a command and returns its standard output
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

const (
	// nmcli GENERAL.STATE code for a fully connected device
	nmStateConnected = 100
	hotspotConnName  = "device-portal"
)

// NMCLI drives a NetworkManager-managed interface through the nmcli tool.
// It implements both Station and AccessPoint for the same interface.
type NMCLI struct {
	iface string
	run   Runner
	addr  func(iface string) string
}

// NewNMCLI creates an adapter for iface. A nil runner uses ExecRunner.
func NewNMCLI(iface string, run Runner) *NMCLI {
	if run == nil {
		run = ExecRunner
	}
	return &NMCLI{iface: iface, run: run, addr: interfaceIPv4}
}

func (n *NMCLI) nmcli(ctx context.Context, args ...string) ([]byte, error) {
	klog.V(4).Infof("NMCLI: nmcli %s", strings.Join(args, " "))
	return n.run(ctx, "nmcli", args...)
}

// Activate turns the wifi radio on
func (n *NMCLI) Activate(ctx context.Context) error {
	if _, err := n.nmcli(ctx, "radio", "wifi", "on"); err != nil {
		return fmt.Errorf("failed to enable wifi radio: %w", err)
	}
	return nil
}

// Connect starts an association and returns without waiting for it to finish
func (n *NMCLI) Connect(ctx context.Context, ssid, password string) error {
	args := []string{"--wait", "0", "device", "wifi", "connect", ssid}
	if password != "" {
		args = append(args, "password", password)
	}
	args = append(args, "ifname", n.iface)
	if _, err := n.nmcli(ctx, args...); err != nil {
		return fmt.Errorf("failed to connect to %q: %w", ssid, err)
	}
	return nil
}

// IsConnected reports whether the interface is in the connected state
func (n *NMCLI) IsConnected(ctx context.Context) bool {
	out, err := n.nmcli(ctx, "-t", "-g", "GENERAL.STATE", "device", "show", n.iface)
	if err != nil {
		klog.V(2).Infof("NMCLI: state query failed: %v", err)
		return false
	}
	return parseDeviceState(out) == nmStateConnected
}

// Address returns the interface's first IPv4 address, or "" when none
func (n *NMCLI) Address(ctx context.Context) string {
	return n.addr(n.iface)
}

// Scan rescans and returns the distinct visible SSIDs
func (n *NMCLI) Scan(ctx context.Context) ([]string, error) {
	out, err := n.nmcli(ctx, "-t", "-f", "SSID", "device", "wifi", "list", "ifname", n.iface, "--rescan", "yes")
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return parseSSIDList(out), nil
}

// Disconnect drops the current station association
func (n *NMCLI) Disconnect(ctx context.Context) error {
	if _, err := n.nmcli(ctx, "device", "disconnect", n.iface); err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", n.iface, err)
	}
	return nil
}

// Start brings up a WPA2 hotspot on the interface
func (n *NMCLI) Start(ctx context.Context, ssid, password string) error {
	_, err := n.nmcli(ctx, "device", "wifi", "hotspot",
		"ifname", n.iface, "con-name", hotspotConnName, "ssid", ssid, "password", password)
	if err != nil {
		return fmt.Errorf("failed to start hotspot %q: %w", ssid, err)
	}
	return nil
}

// Active reports whether the hotspot connection is activated
func (n *NMCLI) Active(ctx context.Context) bool {
	out, err := n.nmcli(ctx, "-t", "-g", "GENERAL.STATE", "connection", "show", hotspotConnName)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "activated"
}

// Stop takes the hotspot down
func (n *NMCLI) Stop(ctx context.Context) error {
	if _, err := n.nmcli(ctx, "connection", "down", hotspotConnName); err != nil {
		return fmt.Errorf("failed to stop hotspot: %w", err)
	}
	return nil
}

// parseDeviceState reads "100 (connected)" style output
func parseDeviceState(out []byte) int {
	field := strings.Fields(strings.TrimSpace(string(out)))
	if len(field) == 0 {
		return 0
	}
	code, err := strconv.Atoi(field[0])
	if err != nil {
		return 0
	}
	return code
}

// parseSSIDList reads terse nmcli output, one escaped SSID per line
func parseSSIDList(out []byte) []string {
	seen := make(map[string]bool)
	ssids := []string{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		ssid := unescapeTerse(strings.TrimRight(sc.Text(), "\r"))
		if ssid == "" || seen[ssid] {
			continue
		}
		seen[ssid] = true
		ssids = append(ssids, ssid)
	}
	return ssids
}

// unescapeTerse undoes nmcli's backslash escaping of ':' and '\'
func unescapeTerse(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func interfaceIPv4(iface string) string {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return ""
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if ip4 := ipn.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return ""
}
