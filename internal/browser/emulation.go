package browser

import (
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/trafficwarden/internal/types"
)

const maxTouchPoints = 5

// ApplyDevice emulates profile on page. It must run before navigation so the
// first request already carries the profile's user agent.
func ApplyDevice(page *rod.Page, profile types.DeviceProfile) error {
	if err := deviceMetrics(profile).Call(page); err != nil {
		return fmt.Errorf("failed to set device metrics: %w", err)
	}

	touch := proto.EmulationSetTouchEmulationEnabled{Enabled: profile.HasTouch}
	if profile.HasTouch {
		n := maxTouchPoints
		touch.MaxTouchPoints = &n
	}
	if err := touch.Call(page); err != nil {
		return fmt.Errorf("failed to set touch emulation: %w", err)
	}

	if profile.UserAgent != "" {
		if err := (proto.NetworkSetUserAgentOverride{UserAgent: profile.UserAgent}).Call(page); err != nil {
			return fmt.Errorf("failed to set user agent: %w", err)
		}
	}

	log.Debug().
		Str("device", profile.Name).
		Int("width", profile.ViewportWidth).
		Int("height", profile.ViewportHeight).
		Bool("mobile", profile.IsMobile).
		Msg("Device emulation applied")
	return nil
}

func deviceMetrics(profile types.DeviceProfile) proto.EmulationSetDeviceMetricsOverride {
	orientation := &proto.EmulationScreenOrientation{
		Type:  proto.EmulationScreenOrientationTypePortraitPrimary,
		Angle: 0,
	}
	if profile.IsLandscape {
		orientation = &proto.EmulationScreenOrientation{
			Type:  proto.EmulationScreenOrientationTypeLandscapePrimary,
			Angle: 90,
		}
	}

	scale := profile.DeviceScaleFactor
	if scale <= 0 {
		scale = 1
	}

	return proto.EmulationSetDeviceMetricsOverride{
		Width:             profile.ViewportWidth,
		Height:            profile.ViewportHeight,
		DeviceScaleFactor: scale,
		Mobile:            profile.IsMobile,
		ScreenOrientation: orientation,
	}
}
