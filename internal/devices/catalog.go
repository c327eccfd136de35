// Package devices provides the static catalog of device emulation profiles.
package devices

import (
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-rod/rod/lib/devices"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Rorqualx/trafficwarden/internal/types"
)

//go:embed catalog.yaml
var catalogFS embed.FS

const landscapeSuffix = " landscape"

// Provider resolves device names to profiles.
type Provider interface {
	Resolve(name string) (types.DeviceProfile, error)
}

// Catalog is a read-only mapping of device names to profiles.
// Lookups are case-insensitive.
type Catalog struct {
	profiles map[string]types.DeviceProfile
	names    []string
}

// presets are the go-rod device descriptors included in the default catalog.
var presets = []devices.Device{
	devices.IPhone6or7or8,
	devices.IPhoneX,
	devices.IPad,
	devices.IPadPro,
	devices.Pixel2,
	devices.Pixel2XL,
	devices.GalaxyS5,
	devices.Nexus5,
	devices.Nexus7,
	devices.LaptopWithMDPIScreen,
	devices.LaptopWithHiDPIScreen,
}

// New builds a catalog from profiles. Invalid or duplicate profiles fail with
// *types.ConfigurationError.
func New(profiles ...types.DeviceProfile) (*Catalog, error) {
	c := &Catalog{profiles: make(map[string]types.DeviceProfile, len(profiles))}
	for i, p := range profiles {
		if err := validate(p, i); err != nil {
			return nil, err
		}
		key := normalize(p.Name)
		if _, dup := c.profiles[key]; dup {
			return nil, types.NewConfigurationError(fmt.Sprintf("devices[%d]", i), p.Name, "duplicate device name")
		}
		c.profiles[key] = p
		c.names = append(c.names, p.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

func validate(p types.DeviceProfile, i int) error {
	field := fmt.Sprintf("devices[%d]", i)
	switch {
	case strings.TrimSpace(p.Name) == "":
		return types.NewConfigurationError(field, "", "name is required")
	case strings.HasSuffix(normalize(p.Name), landscapeSuffix):
		return types.NewConfigurationError(field, p.Name, "name must not end in landscape")
	case p.ViewportWidth <= 0 || p.ViewportHeight <= 0:
		return types.NewConfigurationError(field, p.Name, "viewport dimensions must be positive")
	case p.DeviceScaleFactor <= 0:
		return types.NewConfigurationError(field, p.Name, "device scale factor must be positive")
	}
	return nil
}

func normalize(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Resolve returns the profile registered under name. "<name> landscape"
// returns the rotated variant of a portrait profile.
// Unknown names fail with *types.UnknownDeviceError.
func (c *Catalog) Resolve(name string) (types.DeviceProfile, error) {
	key := normalize(name)
	if p, ok := c.profiles[key]; ok {
		return p, nil
	}

	if base, ok := strings.CutSuffix(key, landscapeSuffix); ok {
		if p, ok := c.profiles[base]; ok {
			return rotate(p), nil
		}
	}

	return types.DeviceProfile{}, &types.UnknownDeviceError{Name: name}
}

// Names returns the registered device names in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Len returns the number of registered profiles.
func (c *Catalog) Len() int {
	return len(c.profiles)
}

func rotate(p types.DeviceProfile) types.DeviceProfile {
	if p.IsLandscape {
		return p
	}
	p.Name += landscapeSuffix
	p.IsLandscape = true
	p.ViewportWidth, p.ViewportHeight = p.ViewportHeight, p.ViewportWidth
	return p
}

// FromRod converts a go-rod device descriptor to a profile. Mobile devices use
// their portrait screen, everything else the horizontal one.
func FromRod(d devices.Device) types.DeviceProfile {
	p := types.DeviceProfile{
		Name:              d.Title,
		DeviceScaleFactor: d.Screen.DevicePixelRatio,
		UserAgent:         d.UserAgent,
	}
	for _, capability := range d.Capabilities {
		switch capability {
		case "mobile":
			p.IsMobile = true
		case "touch":
			p.HasTouch = true
		}
	}

	size := d.Screen.Horizontal
	if p.IsMobile || size.Width == 0 {
		size = d.Screen.Vertical
	}
	p.ViewportWidth, p.ViewportHeight = size.Width, size.Height
	p.IsLandscape = size.Width > size.Height
	return p
}

var (
	defaultCatalog *Catalog
	defaultOnce    sync.Once
)

// Default returns the process-wide catalog: the go-rod presets plus the
// embedded catalog.yaml. It is built once on first use.
func Default() *Catalog {
	defaultOnce.Do(func() {
		profiles := make([]types.DeviceProfile, 0, len(presets))
		for _, d := range presets {
			profiles = append(profiles, FromRod(d))
		}

		extra, err := loadEmbedded()
		if err != nil {
			log.Error().Err(err).Msg("Failed to load embedded device catalog, using presets only")
		} else {
			profiles = append(profiles, extra...)
		}

		c, err := New(profiles...)
		if err != nil {
			log.Error().Err(err).Msg("Invalid device catalog, using presets only")
			if c, err = New(profiles[:len(presets)]...); err != nil {
				c = &Catalog{profiles: map[string]types.DeviceProfile{}}
			}
		}
		defaultCatalog = c

		log.Debug().Int("devices", c.Len()).Msg("Device catalog loaded")
	})
	return defaultCatalog
}

type catalogFile struct {
	Devices []types.DeviceProfile `yaml:"devices"`
}

func loadEmbedded() ([]types.DeviceProfile, error) {
	data, err := catalogFS.ReadFile("catalog.yaml")
	if err != nil {
		return nil, err
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid device catalog: %w", err)
	}
	return f.Devices, nil
}

// Resolve looks name up in the default catalog.
func Resolve(name string) (types.DeviceProfile, error) {
	return Default().Resolve(name)
}
