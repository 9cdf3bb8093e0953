package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"unicode"

	"github.com/spf13/viper"

	"github.com/denniswebb/natgate/internal/store"
)

// Compiled-in defaults applied when a value is empty or missing.
const (
	DefaultAPSSID      = "NozzleBOX"
	DefaultAPAddress   = "192.168.5.1"
	DefaultSTAPassword = "NozzleCAM"
	DefaultDNS         = "8.8.8.8"
)

// Field limits enforced at the configuration boundary.
const (
	MaxSSIDLength       = 32
	MaxPassphraseLength = 63
	MinPassphraseLength = 8
	MaxEnterpriseLength = 63
)

// ErrInvalid wraps every validation failure reported by Config.Gateway.
var ErrInvalid = errors.New("invalid configuration")

// Gateway is the radio and addressing configuration. It is read once at
// startup and not changed for the rest of the process lifetime.
type Gateway struct {
	APSSID      string
	APPassword  string
	APAddress   netip.Addr
	APInterface string
	APMAC       net.HardwareAddr

	STASSID         string
	STAPassword     string
	EnterpriseUser  string
	EnterpriseIdent string
	STAInterface    string
	STAMAC          net.HardwareAddr
	StaticIP        netip.Addr
	StaticNetmask   netip.Addr
	StaticGateway   netip.Addr
	DNS             netip.Addr
}

// STAConfigured reports whether an upstream network is configured.
func (g Gateway) STAConfigured() bool {
	return g.STASSID != ""
}

// HasStaticIP reports whether the STA interface uses a fixed address instead of DHCP.
func (g Gateway) HasStaticIP() bool {
	return g.StaticIP.IsValid() && g.StaticNetmask.IsValid() && g.StaticGateway.IsValid()
}

// APOpen reports whether the AP runs without authentication because the
// configured passphrase is too short for WPA2.
func (g Gateway) APOpen() bool {
	return len(g.APPassword) < MinPassphraseLength
}

// Identity returns the enterprise identity, falling back to the username.
func (g Gateway) Identity() string {
	if g.EnterpriseIdent != "" {
		return g.EnterpriseIdent
	}
	return g.EnterpriseUser
}

// Config captures the runtime settings for natgate.
type Config struct {
	APSSID          string `mapstructure:"ap_ssid"`
	APPassword      string `mapstructure:"ap_password"`
	APAddress       string `mapstructure:"ap_ip"`
	APInterface     string `mapstructure:"ap_interface"`
	APMAC           string `mapstructure:"ap_mac"`
	STASSID         string `mapstructure:"sta_ssid"`
	STAPassword     string `mapstructure:"sta_password"`
	EnterpriseUser  string `mapstructure:"ent_username"`
	EnterpriseIdent string `mapstructure:"ent_identity"`
	STAInterface    string `mapstructure:"sta_interface"`
	STAMAC          string `mapstructure:"sta_mac"`
	StaticIP        string `mapstructure:"static_ip"`
	SubnetMask      string `mapstructure:"subnet_mask"`
	GatewayAddr     string `mapstructure:"gateway_addr"`
	DNS             string `mapstructure:"dns"`

	NATChain      string `mapstructure:"nat_chain"`
	NATHook       string `mapstructure:"nat_hook"`
	ListenAddr    string `mapstructure:"listen_addr"`
	PollInterval  string `mapstructure:"poll_interval"`
	RetryInterval string `mapstructure:"retry_interval"`
	ResolvConf    string `mapstructure:"resolv_conf"`
	DNSMasqDropIn string `mapstructure:"dnsmasq_dropin"`
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`

	Store store.Config `mapstructure:"store"`
}

// Load reads configuration values from viper into a Config instance.
func Load() (Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to load configuration: %w", err)
	}
	return cfg, nil
}

// Gateway resolves defaults and validates the radio settings.
func (c Config) Gateway() (Gateway, error) {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	g := Gateway{
		APSSID:          orDefault(c.APSSID, DefaultAPSSID),
		APPassword:      c.APPassword,
		APInterface:     orDefault(c.APInterface, "wlan1"),
		STASSID:         strings.TrimSpace(c.STASSID),
		STAPassword:     orDefault(c.STAPassword, DefaultSTAPassword),
		EnterpriseUser:  c.EnterpriseUser,
		EnterpriseIdent: c.EnterpriseIdent,
		STAInterface:    orDefault(c.STAInterface, "wlan0"),
	}

	// Values end up in line-oriented hostapd and wpa_supplicant input.
	for _, field := range []struct {
		name  string
		value string
		max   int
	}{
		{name: "ap ssid", value: g.APSSID, max: MaxSSIDLength},
		{name: "sta ssid", value: g.STASSID, max: MaxSSIDLength},
		{name: "ap password", value: g.APPassword, max: MaxPassphraseLength},
		{name: "sta password", value: g.STAPassword, max: MaxPassphraseLength},
		{name: "enterprise username", value: g.EnterpriseUser, max: MaxEnterpriseLength},
		{name: "enterprise identity", value: g.EnterpriseIdent, max: MaxEnterpriseLength},
	} {
		if len(field.value) > field.max {
			fail("%s longer than %d bytes", field.name, field.max)
		}
		if strings.IndexFunc(field.value, unicode.IsControl) >= 0 {
			fail("%s contains control characters", field.name)
		}
	}
	if g.APInterface == g.STAInterface {
		fail("ap and sta interfaces must differ, both are %q", g.APInterface)
	}

	var err error
	if g.APAddress, err = parseIPv4(orDefault(c.APAddress, DefaultAPAddress)); err != nil {
		fail("ap_ip: %v", err)
	}
	if g.DNS, err = parseIPv4(orDefault(c.DNS, DefaultDNS)); err != nil {
		fail("dns: %v", err)
	}

	if g.APMAC, err = parseMAC(c.APMAC); err != nil {
		fail("ap_mac: %v", err)
	}
	if g.STAMAC, err = parseMAC(c.STAMAC); err != nil {
		fail("sta_mac: %v", err)
	}

	// The static triple is only honoured when all three values are present;
	// otherwise the STA interface stays on DHCP.
	if g.STAConfigured() && c.StaticIP != "" && c.SubnetMask != "" && c.GatewayAddr != "" {
		if g.StaticIP, err = parseIPv4(c.StaticIP); err != nil {
			fail("static_ip: %v", err)
		}
		if g.StaticNetmask, err = parseIPv4(c.SubnetMask); err != nil {
			fail("subnet_mask: %v", err)
		}
		if g.StaticGateway, err = parseIPv4(c.GatewayAddr); err != nil {
			fail("gateway_addr: %v", err)
		}
	}

	if len(errs) > 0 {
		return Gateway{}, errors.Join(errs...)
	}
	return g, nil
}

func orDefault(value, def string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return def
}

func parseIPv4(raw string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%q is not an IPv4 address", raw)
	}
	return addr, nil
}

// parseMAC accepts an empty value or a unicast EUI-48 address.
func parseMAC(raw string) (net.HardwareAddr, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	mac, err := net.ParseMAC(raw)
	if err != nil {
		return nil, err
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("%q is not a 48-bit address", raw)
	}
	if mac[0]&1 != 0 {
		return nil, fmt.Errorf("%q is a multicast address", raw)
	}
	return mac, nil
}
