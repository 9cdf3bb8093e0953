package netif

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type scriptedRunner struct {
	mu      sync.Mutex
	calls   []string
	respond func(command string, args []string) (string, error)
}

func (r *scriptedRunner) Output(_ context.Context, command string, args ...string) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, command+" "+strings.Join(args, " "))
	respond := r.respond
	r.mu.Unlock()
	if respond != nil {
		return respond(command, args)
	}
	return "OK\n", nil
}

func (r *scriptedRunner) joined() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExec(t *testing.T, runner *scriptedRunner) (*Exec, string) {
	t.Helper()
	dir := t.TempDir()
	e, err := NewExec(ExecConfig{
		APInterface:   "wlan1",
		STAInterface:  "wlan0",
		HostapdConf:   filepath.Join(dir, "hostapd.conf"),
		ResolvConf:    filepath.Join(dir, "resolv.conf"),
		DNSMasqDropIn: filepath.Join(dir, "dnsmasq.d", "natgate.conf"),
		DNSMasqReload: []string{"systemctl", "restart", "dnsmasq"},
		Runner:        runner,
		Logger:        discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewExec returned error: %v", err)
	}
	return e, dir
}

func TestNewExecValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		cfg         ExecConfig
		expectError string
	}{
		{name: "missing ap", cfg: ExecConfig{STAInterface: "wlan0"}, expectError: "ap interface is required"},
		{name: "missing sta", cfg: ExecConfig{APInterface: "wlan1"}, expectError: "sta interface is required"},
		{name: "same interface", cfg: ExecConfig{APInterface: "wlan0", STAInterface: "wlan0"}, expectError: "must differ"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewExec(tc.cfg)
			if err == nil || !strings.Contains(err.Error(), tc.expectError) {
				t.Fatalf("expected error containing %q, got %v", tc.expectError, err)
			}
		})
	}

	e, err := NewExec(ExecConfig{APInterface: "wlan1", STAInterface: "wlan0"})
	if err != nil {
		t.Fatalf("NewExec returned error: %v", err)
	}
	if e.cfg.HostapdConf != DefaultHostapdConf || e.cfg.Channel != DefaultChannel {
		t.Fatalf("expected defaults to be applied, got %+v", e.cfg)
	}
}

func TestConfigureAP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ap      AP
		want    []string
		notWant []string
	}{
		{
			name:    "secured",
			ap:      AP{SSID: "NozzleBOX", Password: "supersecret", Address: netip.MustParseAddr("192.168.5.1")},
			want:    []string{"ssid=NozzleBOX", "wpa=2", "wpa_passphrase=supersecret", "interface=wlan1", "channel=6"},
			notWant: []string{"wpa=0"},
		},
		{
			name:    "open",
			ap:      AP{SSID: "NozzleBOX", Password: "short", Address: netip.MustParseAddr("192.168.5.1"), Open: true},
			want:    []string{"ssid=NozzleBOX", "wpa=0"},
			notWant: []string{"wpa_passphrase", "short"},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			runner := &scriptedRunner{}
			e, dir := newTestExec(t, runner)

			if err := e.ConfigureAP(context.Background(), tc.ap); err != nil {
				t.Fatalf("ConfigureAP returned error: %v", err)
			}

			data, err := os.ReadFile(filepath.Join(dir, "hostapd.conf"))
			if err != nil {
				t.Fatalf("read hostapd config: %v", err)
			}
			conf := string(data)
			for _, snippet := range tc.want {
				if !strings.Contains(conf, snippet) {
					t.Fatalf("expected %q in hostapd config:\n%s", snippet, conf)
				}
			}
			for _, snippet := range tc.notWant {
				if strings.Contains(conf, snippet) {
					t.Fatalf("unexpected %q in hostapd config:\n%s", snippet, conf)
				}
			}

			want := []string{
				"ip addr flush dev wlan1",
				"ip addr add 192.168.5.1/24 dev wlan1",
				"ip link set dev wlan1 up",
				"hostapd_cli -i wlan1 reload",
			}
			if got := runner.joined(); strings.Join(got, "\n") != strings.Join(want, "\n") {
				t.Fatalf("unexpected commands:\n got %q\nwant %q", got, want)
			}
		})
	}
}

func TestMACOverride(t *testing.T) {
	t.Parallel()

	apMAC, _ := net.ParseMAC("02:11:22:33:44:55")
	staMAC, _ := net.ParseMAC("02:aa:bb:cc:dd:ee")

	runner := &scriptedRunner{respond: wpaResponder}
	e, _ := newTestExec(t, runner)
	ctx := context.Background()

	if err := e.ConfigureAP(ctx, AP{SSID: "NozzleBOX", Address: netip.MustParseAddr("192.168.5.1"), Open: true, MAC: apMAC}); err != nil {
		t.Fatalf("ConfigureAP returned error: %v", err)
	}
	if err := e.ConfigureSTA(ctx, STA{SSID: "cafe", MAC: staMAC}); err != nil {
		t.Fatalf("ConfigureSTA returned error: %v", err)
	}

	want := []string{
		"ip link set dev wlan1 down",
		"ip link set dev wlan1 address 02:11:22:33:44:55",
		"ip addr flush dev wlan1",
		"ip addr add 192.168.5.1/24 dev wlan1",
		"ip link set dev wlan1 up",
		"hostapd_cli -i wlan1 reload",
		"ip link set dev wlan0 down",
		"ip link set dev wlan0 address 02:aa:bb:cc:dd:ee",
		"ip link set dev wlan0 up",
		"wpa_cli -i wlan0 remove_network all",
	}
	got := runner.joined()
	if len(got) < len(want) || strings.Join(got[:len(want)], "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected commands:\n got %q\nwant prefix %q", got, want)
	}
}

func TestConfigureAPRejectsIPv6(t *testing.T) {
	t.Parallel()

	e, _ := newTestExec(t, &scriptedRunner{})
	if err := e.ConfigureAP(context.Background(), AP{SSID: "x", Address: netip.MustParseAddr("fd00::1")}); err == nil {
		t.Fatal("expected error for IPv6 AP address")
	}
}

func TestSetMode(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}
	e, _ := newTestExec(t, runner)

	if err := e.SetMode(context.Background(), ModeAPSTA); err != nil {
		t.Fatalf("SetMode returned error: %v", err)
	}
	if err := e.SetMode(context.Background(), ModeAP); err != nil {
		t.Fatalf("SetMode returned error: %v", err)
	}

	want := []string{"ip link set dev wlan0 up", "ip link set dev wlan0 down"}
	if got := runner.joined(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected commands:\n got %q\nwant %q", got, want)
	}
}

func wpaResponder(command string, args []string) (string, error) {
	if command == "wpa_cli" && len(args) > 2 && args[2] == "add_network" {
		return "Selected interface 'wlan0'\n3\n", nil
	}
	return "OK\n", nil
}

func TestConfigureSTA(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sta  STA
		want []string
	}{
		{
			name: "psk",
			sta:  STA{SSID: "upstream", Password: "NozzleCAM"},
			want: []string{
				`wpa_cli -i wlan0 remove_network all`,
				`wpa_cli -i wlan0 add_network`,
				`wpa_cli -i wlan0 set_network 3 ssid "upstream"`,
				`wpa_cli -i wlan0 set_network 3 psk "NozzleCAM"`,
				`wpa_cli -i wlan0 enable_network 3`,
			},
		},
		{
			name: "open",
			sta:  STA{SSID: "cafe"},
			want: []string{
				`wpa_cli -i wlan0 remove_network all`,
				`wpa_cli -i wlan0 add_network`,
				`wpa_cli -i wlan0 set_network 3 ssid "cafe"`,
				`wpa_cli -i wlan0 set_network 3 key_mgmt NONE`,
				`wpa_cli -i wlan0 enable_network 3`,
			},
		},
		{
			name: "enterprise",
			sta:  STA{SSID: "corp", Password: "pw", EnterpriseUser: "alice", Identity: "anon"},
			want: []string{
				`wpa_cli -i wlan0 remove_network all`,
				`wpa_cli -i wlan0 add_network`,
				`wpa_cli -i wlan0 set_network 3 ssid "corp"`,
				`wpa_cli -i wlan0 set_network 3 key_mgmt WPA-EAP`,
				`wpa_cli -i wlan0 set_network 3 eap PEAP`,
				`wpa_cli -i wlan0 set_network 3 phase2 "auth=MSCHAPV2"`,
				`wpa_cli -i wlan0 set_network 3 identity "alice"`,
				`wpa_cli -i wlan0 set_network 3 anonymous_identity "anon"`,
				`wpa_cli -i wlan0 set_network 3 password "pw"`,
				`wpa_cli -i wlan0 enable_network 3`,
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			runner := &scriptedRunner{respond: wpaResponder}
			e, _ := newTestExec(t, runner)

			if err := e.ConfigureSTA(context.Background(), tc.sta); err != nil {
				t.Fatalf("ConfigureSTA returned error: %v", err)
			}
			if got := runner.joined(); strings.Join(got, "\n") != strings.Join(tc.want, "\n") {
				t.Fatalf("unexpected commands:\n got %q\nwant %q", got, tc.want)
			}
		})
	}
}

func TestConfigureSTAFailReply(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{respond: func(command string, args []string) (string, error) {
		if args[len(args)-2] == "psk" {
			return "FAIL\n", nil
		}
		return wpaResponder(command, args)
	}}
	e, _ := newTestExec(t, runner)

	err := e.ConfigureSTA(context.Background(), STA{SSID: "upstream", Password: "short"})
	if err == nil || !strings.Contains(err.Error(), "set network psk") {
		t.Fatalf("expected psk failure, got %v", err)
	}
}

func TestSetStaticIP(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}
	e, _ := newTestExec(t, runner)

	err := e.SetStaticIP(context.Background(), StaticIP{
		Address: netip.MustParseAddr("10.1.2.3"),
		Netmask: netip.MustParseAddr("255.255.254.0"),
		Gateway: netip.MustParseAddr("10.1.2.1"),
	})
	if err != nil {
		t.Fatalf("SetStaticIP returned error: %v", err)
	}

	want := []string{
		"ip addr flush dev wlan0",
		"ip addr add 10.1.2.3/23 dev wlan0",
		"ip route replace default via 10.1.2.1 dev wlan0",
	}
	if got := runner.joined(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected commands:\n got %q\nwant %q", got, want)
	}

	err = e.SetStaticIP(context.Background(), StaticIP{
		Address: netip.MustParseAddr("10.1.2.3"),
		Netmask: netip.MustParseAddr("255.0.255.0"),
		Gateway: netip.MustParseAddr("10.1.2.1"),
	})
	if err == nil || !strings.Contains(err.Error(), "not contiguous") {
		t.Fatalf("expected netmask error, got %v", err)
	}
}

func TestSTADNS(t *testing.T) {
	t.Parallel()

	e, dir := newTestExec(t, &scriptedRunner{})
	path := filepath.Join(dir, "resolv.conf")

	content := "# generated\nnameserver 127.0.0.53\nnameserver fd00::53\nnameserver 10.0.0.53\nsearch lan\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write resolv.conf: %v", err)
	}

	addr, err := e.STADNS(context.Background())
	if err != nil {
		t.Fatalf("STADNS returned error: %v", err)
	}
	if addr != netip.MustParseAddr("10.0.0.53") {
		t.Fatalf("expected first usable IPv4 nameserver, got %s", addr)
	}

	if err := os.WriteFile(path, []byte("nameserver 127.0.0.1\n"), 0o600); err != nil {
		t.Fatalf("write resolv.conf: %v", err)
	}
	if _, err := e.STADNS(context.Background()); err == nil {
		t.Fatal("expected error without usable nameserver")
	}
}

func TestSetAPDNS(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}
	e, dir := newTestExec(t, runner)
	ctx := context.Background()
	dns := netip.MustParseAddr("10.0.0.53")

	if err := e.SetAPDNS(ctx, dns); err != nil {
		t.Fatalf("SetAPDNS returned error: %v", err)
	}
	if err := e.SetAPDNS(ctx, dns); err != nil {
		t.Fatalf("second SetAPDNS returned error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "dnsmasq.d", "natgate.conf"))
	if err != nil {
		t.Fatalf("read drop-in: %v", err)
	}
	if string(data) != "interface=wlan1\ndhcp-option=6,10.0.0.53\n" {
		t.Fatalf("unexpected drop-in %q", data)
	}

	got := runner.joined()
	if len(got) != 1 || got[0] != "systemctl restart dnsmasq" {
		t.Fatalf("expected a single reload, got %q", got)
	}
}

func TestSTALink(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{respond: func(string, []string) (string, error) {
		return "bssid=aa:bb:cc:dd:ee:ff\nssid=upstream\nwpa_state=COMPLETED\nip_address=10.0.0.7\naddress=11:22:33:44:55:66\n", nil
	}}
	e, _ := newTestExec(t, runner)

	link, err := e.STALink(context.Background())
	if err != nil {
		t.Fatalf("STALink returned error: %v", err)
	}
	if !link.Associated() || link.Address != netip.MustParseAddr("10.0.0.7") {
		t.Fatalf("unexpected link %+v", link)
	}
	if got := runner.joined(); got[0] != "wpa_cli -i wlan0 status" {
		t.Fatalf("unexpected command %q", got[0])
	}
}

func TestAPStations(t *testing.T) {
	t.Parallel()

	dump := "Station 11:11:11:11:11:11 (on wlan1)\n\tinactive time:\t10 ms\nStation 22:22:22:22:22:22 (on wlan1)\n\tsignal:\t-40 dBm\n"
	runner := &scriptedRunner{respond: func(string, []string) (string, error) { return dump, nil }}
	e, _ := newTestExec(t, runner)

	count, err := e.APStations(context.Background())
	if err != nil {
		t.Fatalf("APStations returned error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 stations, got %d", count)
	}
}
