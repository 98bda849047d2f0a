package runtime

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"

	"relaypool/internal/geolite"
)

const GeoLiteUpdateSpec = "@every 24h"

// GeoLiteUpdater downloads a fresh country database and swaps it into the
// live reader.
type GeoLiteUpdater struct {
	Downloader *geolite.Downloader
	Reader     *geolite.CountryReader
}

func (u *GeoLiteUpdater) Run(ctx context.Context) {
	u.trigger(ctx, "scheduled")
}

func (u *GeoLiteUpdater) trigger(ctx context.Context, reason string) {
	err := u.Downloader.Download(ctx)
	switch {
	case errors.Is(err, geolite.ErrNoAPIKey):
		log.Debug("GeoLite update skipped: license key missing", "reason", reason)
		return
	case err != nil:
		log.Error("GeoLite update failed", "reason", reason, "error", err)
		return
	}

	if u.Reader == nil {
		return
	}
	if err := u.Reader.Reload(); err != nil {
		log.Error("GeoLite reload failed", "reason", reason, "error", err)
		return
	}
	log.Info("GeoLite database reloaded", "reason", reason)
}
