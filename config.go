package vrrpd

import (
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StaticRouteConfig is one entry of VRConfig.StaticRoutes as decoded from
// YAML (supplemented feature, SPEC_FULL.md §9, grounded on
// original_source/src/config.rs's Static block).
type StaticRouteConfig struct {
	Dest    string  `yaml:"dest"`
	Mask    string  `yaml:"mask"`
	NextHop string  `yaml:"nextHop"`
	Metric  *uint16 `yaml:"metric,omitempty"`
	MTU     *uint16 `yaml:"mtu,omitempty"`
}

// VRConfig is one virtual router's YAML configuration. Pointer fields are
// optional and defaulted in toParameters, never at decode time: a
// syntactically valid file with semantically bad values must still fail at
// construction with a typed *ConfigError, never at unmarshal time and never
// via panic (SPEC_FULL.md §4.8).
type VRConfig struct {
	VRID      byte    `yaml:"vrid"`
	Interface string  `yaml:"interface"`
	VIP       string  `yaml:"vip"`
	Priority  *byte   `yaml:"priority,omitempty"`
	Preempt   *bool   `yaml:"preempt,omitempty"`
	AdvertInt *uint16 `yaml:"advertInt,omitempty"`
	AuthType  *byte   `yaml:"authType,omitempty"`
	AuthKey   *string `yaml:"authSecret,omitempty"`
	RFC3768   *bool   `yaml:"rfc3768,omitempty"`

	StaticRoutes []StaticRouteConfig `yaml:"staticRoutes,omitempty"`
}

// Config is the top-level YAML document LoadConfig decodes.
type Config struct {
	LogLevel    string     `yaml:"logLevel"`
	MetricsAddr string     `yaml:"metricsAddr,omitempty"`
	VRouters    []VRConfig `yaml:"vrouters"`
}

// LoadConfig reads and decodes path. It does not validate VR semantics —
// that happens per-entry in toParameters, once an interface is resolvable.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: "reading config file: " + err.Error()}
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, &ConfigError{Reason: "parsing YAML: " + err.Error()}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return &cfg, nil
}

// toParameters resolves c against its live interface (ifindex, configured
// IPv4 addresses), via the OS collaborator rather than the standard library
// directly — the same abstraction os_linux.go implements and the Dispatcher
// uses, so a VR's configuration resolves consistently with however osImpl
// backs the rest of the daemon (spec.md §6) — and applies the spec.md §6
// defaults (priority=100, preempt=false, advert_int=1s, auth_type=none,
// rfc3768=true), then validates through NewParameters.
func (c VRConfig) toParameters(osImpl OS) (*Parameters, error) {
	vip, err := netip.ParseAddr(c.VIP)
	if err != nil {
		return nil, &ConfigError{VRID: c.VRID, Reason: "invalid vip: " + err.Error()}
	}

	ifIndex, err := osImpl.IfNameToIndex(c.Interface)
	if err != nil {
		return nil, &ConfigError{VRID: c.VRID, Reason: "interface " + c.Interface + ": " + err.Error()}
	}
	ipAddrs, err := osImpl.ListIPv4(c.Interface)
	if err != nil {
		return nil, &ConfigError{VRID: c.VRID, Reason: "enumerating addresses on " + c.Interface + ": " + err.Error()}
	}

	priority := byte(defaultPriority)
	if c.Priority != nil {
		priority = *c.Priority
	}
	preempt := false
	if c.Preempt != nil {
		preempt = *c.Preempt
	}
	advertInt := time.Duration(defaultAdvertIntSeconds) * time.Second
	if c.AdvertInt != nil {
		advertInt = time.Duration(*c.AdvertInt) * time.Second
	}
	authType := AuthNone
	if c.AuthType != nil {
		authType = AuthType(*c.AuthType)
	}
	authKey := ""
	if c.AuthKey != nil {
		authKey = *c.AuthKey
	}
	rfc3768 := true
	if c.RFC3768 != nil {
		rfc3768 = *c.RFC3768
	}

	routes := make([]StaticRoute, 0, len(c.StaticRoutes))
	for _, rc := range c.StaticRoutes {
		r, err := rc.toStaticRoute()
		if err != nil {
			return nil, &ConfigError{VRID: c.VRID, Reason: "static route: " + err.Error()}
		}
		routes = append(routes, r)
	}

	return NewParameters(c.VRID, c.Interface, ifIndex, priority, vip, ipAddrs, advertInt, preempt, rfc3768, authType, authKey, routes)
}

func (rc StaticRouteConfig) toStaticRoute() (StaticRoute, error) {
	dest, err := netip.ParseAddr(rc.Dest)
	if err != nil {
		return StaticRoute{}, err
	}
	mask, err := netip.ParseAddr(rc.Mask)
	if err != nil {
		return StaticRoute{}, err
	}
	var nextHop netip.Addr
	if rc.NextHop != "" {
		nextHop, err = netip.ParseAddr(rc.NextHop)
		if err != nil {
			return StaticRoute{}, err
		}
	}
	var metric, mtu uint16
	if rc.Metric != nil {
		metric = *rc.Metric
	}
	if rc.MTU != nil {
		mtu = *rc.MTU
	}
	return StaticRoute{Dest: dest, Mask: mask, NextHop: nextHop, Metric: metric, MTU: mtu}, nil
}

// BuildVirtualRouters resolves every VRConfig in c into a Parameters set and
// wraps each in a fresh VirtualRouter wired to os/sender/metrics, in YAML
// order. It stops at the first ConfigError: a daemon with one bad entry
// refuses to start at all rather than partially running (spec.md §7).
func (c *Config) BuildVirtualRouters(osImpl OS, sender advertSender, metrics *Metrics) ([]*VirtualRouter, error) {
	vrs := make([]*VirtualRouter, 0, len(c.VRouters))
	for _, vc := range c.VRouters {
		params, err := vc.toParameters(osImpl)
		if err != nil {
			return nil, err
		}
		vrs = append(vrs, NewVirtualRouter(params, osImpl, sender, metrics))
	}
	return vrs, nil
}
