package netif

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// Default host paths used by Exec.
const (
	DefaultHostapdConf   = "/etc/hostapd/natgate.conf"
	DefaultResolvConf    = "/etc/resolv.conf"
	DefaultDNSMasqDropIn = "/etc/dnsmasq.d/natgate.conf"
	DefaultChannel       = 6

	apPrefixBits = 24
)

var _ Interfaces = (*Exec)(nil)
var _ LinkSource = (*Exec)(nil)

// ExecConfig describes the host layout driven by Exec.
type ExecConfig struct {
	APInterface   string
	STAInterface  string
	Channel       int
	HostapdConf   string
	ResolvConf    string
	DNSMasqDropIn string
	// DNSMasqReload runs after the drop-in changes. Empty disables the reload.
	DNSMasqReload []string
	Runner        Runner
	Logger        *slog.Logger
}

// Exec implements Interfaces and LinkSource with ip, iw, wpa_cli and hostapd_cli.
type Exec struct {
	cfg    ExecConfig
	runner Runner
	logger *slog.Logger
}

// NewExec validates cfg and fills in default paths.
func NewExec(cfg ExecConfig) (*Exec, error) {
	if strings.TrimSpace(cfg.APInterface) == "" {
		return nil, fmt.Errorf("ap interface is required")
	}
	if strings.TrimSpace(cfg.STAInterface) == "" {
		return nil, fmt.Errorf("sta interface is required")
	}
	if cfg.APInterface == cfg.STAInterface {
		return nil, fmt.Errorf("ap and sta interfaces must differ")
	}
	if cfg.Channel == 0 {
		cfg.Channel = DefaultChannel
	}
	if cfg.HostapdConf == "" {
		cfg.HostapdConf = DefaultHostapdConf
	}
	if cfg.ResolvConf == "" {
		cfg.ResolvConf = DefaultResolvConf
	}
	if cfg.DNSMasqDropIn == "" {
		cfg.DNSMasqDropIn = DefaultDNSMasqDropIn
	}

	runner := cfg.Runner
	if runner == nil {
		runner = CommandRunner{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Exec{cfg: cfg, runner: runner, logger: logger}, nil
}

// ConfigureAP writes the hostapd configuration, addresses the AP interface
// with a /24 and asks hostapd to reload.
func (e *Exec) ConfigureAP(ctx context.Context, ap AP) error {
	if !ap.Address.Is4() {
		return fmt.Errorf("ap address %q is not IPv4", ap.Address)
	}

	if err := writeFileAtomic(e.cfg.HostapdConf, []byte(e.hostapdConfig(ap))); err != nil {
		return fmt.Errorf("write hostapd config: %w", err)
	}

	iface := e.cfg.APInterface
	prefix := netip.PrefixFrom(ap.Address, apPrefixBits).String()
	steps := macSteps(iface, ap.MAC)
	steps = append(steps, [][]string{
		{"ip", "addr", "flush", "dev", iface},
		{"ip", "addr", "add", prefix, "dev", iface},
		{"ip", "link", "set", "dev", iface, "up"},
		{"hostapd_cli", "-i", iface, "reload"},
	}...)
	if err := e.runAll(ctx, steps); err != nil {
		return fmt.Errorf("configure ap %s: %w", iface, err)
	}

	e.logger.Info("access point configured",
		slog.String("interface", iface),
		slog.String("ssid", ap.SSID),
		slog.String("address", prefix),
		slog.Bool("open", ap.Open),
		slog.String("mac", ap.MAC.String()),
	)
	return nil
}

// SetMode brings the STA interface up for ModeAPSTA and down for ModeAP.
func (e *Exec) SetMode(ctx context.Context, mode Mode) error {
	state := "down"
	if mode == ModeAPSTA {
		state = "up"
	}
	if _, err := e.runner.Output(ctx, "ip", "link", "set", "dev", e.cfg.STAInterface, state); err != nil {
		return fmt.Errorf("set mode %s: %w", mode, err)
	}
	e.logger.Info("radio mode set", slog.String("mode", mode.String()))
	return nil
}

// ConfigureSTA replaces the supplicant's network list with a single network.
// A MAC override is applied first and leaves the interface up.
func (e *Exec) ConfigureSTA(ctx context.Context, sta STA) error {
	if len(sta.MAC) > 0 {
		steps := append(macSteps(e.cfg.STAInterface, sta.MAC), []string{"ip", "link", "set", "dev", e.cfg.STAInterface, "up"})
		if err := e.runAll(ctx, steps); err != nil {
			return fmt.Errorf("set sta mac: %w", err)
		}
	}

	if _, err := e.wpa(ctx, "remove_network", "all"); err != nil {
		return fmt.Errorf("clear networks: %w", err)
	}

	out, err := e.wpa(ctx, "add_network")
	if err != nil {
		return fmt.Errorf("add network: %w", err)
	}
	id := lastLine(out)
	if _, err := strconv.Atoi(id); err != nil {
		return fmt.Errorf("add network returned %q", id)
	}

	settings := [][2]string{{"ssid", quote(sta.SSID)}}
	switch {
	case sta.Enterprise():
		settings = append(settings,
			[2]string{"key_mgmt", "WPA-EAP"},
			[2]string{"eap", "PEAP"},
			[2]string{"phase2", quote("auth=MSCHAPV2")},
			[2]string{"identity", quote(sta.EnterpriseUser)},
			[2]string{"anonymous_identity", quote(sta.Identity)},
			[2]string{"password", quote(sta.Password)},
		)
	case sta.Password != "":
		settings = append(settings, [2]string{"psk", quote(sta.Password)})
	default:
		settings = append(settings, [2]string{"key_mgmt", "NONE"})
	}

	for _, kv := range settings {
		if _, err := e.wpa(ctx, "set_network", id, kv[0], kv[1]); err != nil {
			return fmt.Errorf("set network %s: %w", kv[0], err)
		}
	}
	if _, err := e.wpa(ctx, "enable_network", id); err != nil {
		return fmt.Errorf("enable network: %w", err)
	}

	e.logger.Info("station configured",
		slog.String("interface", e.cfg.STAInterface),
		slog.String("ssid", sta.SSID),
		slog.Bool("enterprise", sta.Enterprise()),
		slog.String("mac", sta.MAC.String()),
	)
	return nil
}

// SetStaticIP assigns a fixed address and default route to the STA interface.
func (e *Exec) SetStaticIP(ctx context.Context, ip StaticIP) error {
	if !ip.Address.Is4() || !ip.Gateway.Is4() {
		return fmt.Errorf("static address and gateway must be IPv4")
	}
	bits, err := maskBits(ip.Netmask)
	if err != nil {
		return err
	}

	iface := e.cfg.STAInterface
	steps := [][]string{
		{"ip", "addr", "flush", "dev", iface},
		{"ip", "addr", "add", netip.PrefixFrom(ip.Address, bits).String(), "dev", iface},
		{"ip", "route", "replace", "default", "via", ip.Gateway.String(), "dev", iface},
	}
	if err := e.runAll(ctx, steps); err != nil {
		return fmt.Errorf("set static ip on %s: %w", iface, err)
	}
	return nil
}

// Connect asks the supplicant to (re)associate.
func (e *Exec) Connect(ctx context.Context) error {
	if _, err := e.wpa(ctx, "reconnect"); err != nil {
		return fmt.Errorf("connect %s: %w", e.cfg.STAInterface, err)
	}
	return nil
}

// STADNS returns the first IPv4 nameserver the uplink handed out.
func (e *Exec) STADNS(context.Context) (netip.Addr, error) {
	conf, err := dns.ClientConfigFromFile(e.cfg.ResolvConf)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("read resolver config %s: %w", e.cfg.ResolvConf, err)
	}
	for _, server := range conf.Servers {
		addr, err := netip.ParseAddr(server)
		if err != nil || !addr.Is4() || addr.IsLoopback() {
			continue
		}
		return addr, nil
	}
	return netip.Addr{}, fmt.Errorf("no usable IPv4 nameserver in %s", e.cfg.ResolvConf)
}

// SetAPDNS points DHCP clients on the AP at addr via a dnsmasq drop-in.
func (e *Exec) SetAPDNS(ctx context.Context, addr netip.Addr) error {
	if !addr.Is4() {
		return fmt.Errorf("dns address %q is not IPv4", addr)
	}

	content := fmt.Sprintf("interface=%s\ndhcp-option=6,%s\n", e.cfg.APInterface, addr)
	current, err := os.ReadFile(e.cfg.DNSMasqDropIn)
	if err == nil && string(current) == content {
		e.logger.Debug("ap dns unchanged", slog.String("dns", addr.String()))
		return nil
	}

	if err := writeFileAtomic(e.cfg.DNSMasqDropIn, []byte(content)); err != nil {
		return fmt.Errorf("write dnsmasq drop-in: %w", err)
	}
	if len(e.cfg.DNSMasqReload) > 0 {
		if _, err := e.runner.Output(ctx, e.cfg.DNSMasqReload[0], e.cfg.DNSMasqReload[1:]...); err != nil {
			return fmt.Errorf("reload dnsmasq: %w", err)
		}
	}

	e.logger.Info("ap dns updated", slog.String("dns", addr.String()))
	return nil
}

// STALink parses `wpa_cli status` for the supplicant state and address.
func (e *Exec) STALink(ctx context.Context) (Link, error) {
	out, err := e.wpa(ctx, "status")
	if err != nil {
		return Link{}, fmt.Errorf("query sta status: %w", err)
	}

	var link Link
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "wpa_state":
			link.State = value
		case "ip_address":
			if addr, err := netip.ParseAddr(value); err == nil && addr.Is4() {
				link.Address = addr
			}
		}
	}
	return link, nil
}

// APStations counts the stations associated with the AP interface.
func (e *Exec) APStations(ctx context.Context) (int, error) {
	out, err := e.runner.Output(ctx, "iw", "dev", e.cfg.APInterface, "station", "dump")
	if err != nil {
		return 0, fmt.Errorf("query ap stations: %w", err)
	}
	count := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "Station ") {
			count++
		}
	}
	return count, nil
}

func (e *Exec) wpa(ctx context.Context, args ...string) (string, error) {
	out, err := e.runner.Output(ctx, "wpa_cli", append([]string{"-i", e.cfg.STAInterface}, args...)...)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(lastLine(out), "FAIL") {
		return "", fmt.Errorf("wpa_cli %s: %s", strings.Join(args, " "), lastLine(out))
	}
	return out, nil
}

func (e *Exec) runAll(ctx context.Context, steps [][]string) error {
	for _, step := range steps {
		if _, err := e.runner.Output(ctx, step[0], step[1:]...); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exec) hostapdConfig(ap AP) string {
	var b strings.Builder
	fmt.Fprintf(&b, "interface=%s\n", e.cfg.APInterface)
	b.WriteString("driver=nl80211\n")
	fmt.Fprintf(&b, "ssid=%s\n", ap.SSID)
	b.WriteString("hw_mode=g\n")
	fmt.Fprintf(&b, "channel=%d\n", e.cfg.Channel)
	b.WriteString("auth_algs=1\n")
	if ap.Open {
		b.WriteString("wpa=0\n")
		return b.String()
	}
	b.WriteString("wpa=2\n")
	b.WriteString("wpa_key_mgmt=WPA-PSK\n")
	b.WriteString("rsn_pairwise=CCMP\n")
	fmt.Fprintf(&b, "wpa_passphrase=%s\n", ap.Password)
	return b.String()
}

// macSteps takes iface down and sets its hardware address. The kernel
// refuses address changes on a running interface.
func macSteps(iface string, mac net.HardwareAddr) [][]string {
	if len(mac) == 0 {
		return nil
	}
	return [][]string{
		{"ip", "link", "set", "dev", iface, "down"},
		{"ip", "link", "set", "dev", iface, "address", mac.String()},
	}
}

func maskBits(mask netip.Addr) (int, error) {
	if !mask.Is4() {
		return 0, fmt.Errorf("netmask %q is not IPv4", mask)
	}
	ones, bits := net.IPMask(mask.AsSlice()).Size()
	if bits == 0 {
		return 0, fmt.Errorf("netmask %s is not contiguous", mask)
	}
	return ones, nil
}

// quote wraps a wpa_cli string value in the double quotes the supplicant expects.
func quote(value string) string {
	return `"` + value + `"`
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
