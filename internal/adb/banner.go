package adb

import "strings"

// Banner properties sent by the device in its CNXN payload.
const (
	PropProduct  = "ro.product.name"
	PropModel    = "ro.product.model"
	PropDevice   = "ro.product.device"
	PropFeatures = "features"
)

// Feature names this package checks for.
const (
	FeatureShellV2 = "shell_v2"
	FeatureStatV2  = "stat_v2"
	FeatureLsV2    = "ls_v2"
	FeatureCmd     = "cmd"
	FeatureAbb     = "abb"
)

// DefaultFeatures are advertised in the host's CNXN banner.
var DefaultFeatures = []string{
	"shell_v2",
	"cmd",
	"stat_v2",
	"ls_v2",
	"fixed_push_mkdir",
	"apex",
	"abb",
	"fixed_push_symlink_timestamp",
	"abb_exec",
	"remount_shell",
	"track_app",
	"sendrecv_v2",
	"sendrecv_v2_brotli",
	"sendrecv_v2_lz4",
	"sendrecv_v2_zstd",
	"sendrecv_v2_dry_run_send",
}

// Banner is the parsed device banner, "<type>::key=value;key=value;...".
type Banner struct {
	Product  string
	Model    string
	Device   string
	Features []string
}

// ParseBanner extracts the known properties from s. Pairs without exactly
// one '=' are skipped and unknown keys are ignored.
func ParseBanner(s string) Banner {
	var b Banner
	_, props, ok := strings.Cut(strings.TrimRight(s, "\x00"), "::")
	if !ok {
		return b
	}

	for _, prop := range strings.Split(props, ";") {
		if prop == "" {
			continue
		}
		kv := strings.Split(prop, "=")
		if len(kv) != 2 {
			continue
		}
		switch key, value := kv[0], kv[1]; key {
		case PropProduct:
			b.Product = value
		case PropModel:
			b.Model = value
		case PropDevice:
			b.Device = value
		case PropFeatures:
			b.Features = strings.Split(value, ",")
		}
	}
	return b
}
