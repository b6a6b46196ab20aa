// Package identity manages this node's stable device identity: the
// device_id is generated once and cached for the lifetime of the data
// directory; device_name and platform are derived from the host but may be
// overridden from the command line.
package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/localmesh/node/internal/errs"
	"github.com/localmesh/node/internal/logger"
)

var l = logger.DefaultLogger.NewFacility("identity", "device identity")

// Platform tags recognized by the wire protocol (spec §3).
const (
	PlatformPC      = "pc"
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
)

// Identity is this node's self-description, carried in every envelope.
type Identity struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
}

// Load reads identity.json from dir, generating and persisting a fresh
// device_id (and a best-effort device_name/platform) if none exists yet.
// An explicit name, if non-empty, always overrides the stored/derived one.
func Load(dir, name string) (Identity, error) {
	path := filepath.Join(dir, "identity.json")

	id, err := readIdentity(path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.Warnln("reading identity file, generating a new one:", err)
		}
		id = Identity{
			DeviceID:   uuid.NewString(),
			DeviceName: defaultDeviceName(),
			Platform:   detectPlatform(),
		}
		if werr := writeIdentity(path, id); werr != nil {
			return Identity{}, errs.Wrap(errs.IoError, "persist identity", werr)
		}
	}

	if name != "" {
		id.DeviceName = name
	}
	return id, nil
}

func readIdentity(path string) (Identity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, err
	}
	var id Identity
	if err := json.Unmarshal(b, &id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

func writeIdentity(path string, id Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func defaultDeviceName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unnamed-node"
}

// detectPlatform asks gopsutil for the host OS family and folds it down to
// the three-way pc|android|ios tag the wire protocol expects, falling back
// to "pc" whenever the host can't be classified (containers, CI, etc).
func detectPlatform() string {
	info, err := host.Info()
	if err != nil {
		l.Debugln("host.Info failed, defaulting platform to pc:", err)
		return PlatformPC
	}
	switch info.Platform {
	case "android":
		return PlatformAndroid
	case "ios":
		return PlatformIOS
	default:
		switch runtime.GOOS {
		case "android":
			return PlatformAndroid
		case "ios":
			return PlatformIOS
		default:
			return PlatformPC
		}
	}
}
