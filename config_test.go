package vrrpd

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, yamlText string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vrrpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlText), 0o600))
	return path
}

func TestLoadConfigAppliesLogLevelDefault(t *testing.T) {
	path := writeTempConfig(t, "vrouters: []\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	_, err := LoadConfig("/no/such/file.yaml")
	require.Error(t, err)
	var ce *ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestLoadConfigRejectsInvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "vrouters: [this is not valid\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestVRConfigDefaultsMatchSpec(t *testing.T) {
	osImpl := newFakeOS().withInterface("eth0", 5, netip.MustParseAddr("192.0.2.9"))
	vc := VRConfig{VRID: 1, Interface: "eth0", VIP: "127.0.0.2"}
	// toParameters resolves against osImpl, not a real interface; eth0 here
	// doesn't own 127.0.0.2, so priority defaults to 100 (non-owner) and
	// should pass validation on that basis.
	params, err := vc.toParameters(osImpl)
	require.NoError(t, err)
	assert.Equal(t, byte(100), params.Priority)
	assert.False(t, params.Preempt)
	assert.Equal(t, time.Second, params.AdvertInt)
	assert.Equal(t, AuthNone, params.AuthType)
	assert.True(t, params.RFC3768)
}

func TestVRConfigHonorsExplicitOverrides(t *testing.T) {
	osImpl := newFakeOS().withInterface("eth0", 5, netip.MustParseAddr("192.0.2.9"))
	priority := byte(50)
	preempt := true
	advertInt := uint16(3)
	authType := byte(AuthSimple)
	authKey := "shhh"
	rfc3768 := false

	vc := VRConfig{
		VRID: 2, Interface: "eth0", VIP: "127.0.0.3",
		Priority: &priority, Preempt: &preempt, AdvertInt: &advertInt,
		AuthType: &authType, AuthKey: &authKey, RFC3768: &rfc3768,
	}
	params, err := vc.toParameters(osImpl)
	require.NoError(t, err)
	assert.Equal(t, priority, params.Priority)
	assert.True(t, params.Preempt)
	assert.Equal(t, 3*time.Second, params.AdvertInt)
	assert.Equal(t, AuthSimple, params.AuthType)
	assert.Equal(t, "shhh", params.AuthKey)
	assert.False(t, params.RFC3768)
}

func TestVRConfigRejectsUnresolvableInterface(t *testing.T) {
	osImpl := newFakeOS()
	vc := VRConfig{VRID: 1, Interface: "no-such-iface-xyz", VIP: "127.0.0.2"}
	_, err := vc.toParameters(osImpl)
	require.Error(t, err)
	var ce *ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestVRConfigRejectsInvalidVIP(t *testing.T) {
	osImpl := newFakeOS().withInterface("eth0", 5, netip.MustParseAddr("192.0.2.9"))
	vc := VRConfig{VRID: 1, Interface: "eth0", VIP: "not-an-ip"}
	_, err := vc.toParameters(osImpl)
	require.Error(t, err)
}

func TestStaticRouteConfigConversion(t *testing.T) {
	metric := uint16(10)
	rc := StaticRouteConfig{Dest: "198.51.100.0", Mask: "255.255.255.0", NextHop: "192.0.2.254", Metric: &metric}
	r, err := rc.toStaticRoute()
	require.NoError(t, err)
	assert.Equal(t, uint16(10), r.Metric)
	assert.True(t, r.NextHop.IsValid())
}

func TestBuildVirtualRoutersStopsAtFirstConfigError(t *testing.T) {
	cfg := &Config{
		VRouters: []VRConfig{
			{VRID: 1, Interface: "eth0", VIP: "127.0.0.2"},
			{VRID: 2, Interface: "does-not-exist", VIP: "127.0.0.3"},
		},
	}
	osImpl := newFakeOS().withInterface("eth0", 5, netip.MustParseAddr("192.0.2.9"))
	_, err := cfg.BuildVirtualRouters(osImpl, nil, newTestMetrics())
	require.Error(t, err)
}
