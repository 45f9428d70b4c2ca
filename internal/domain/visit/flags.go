package visit

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/caresync/visits/internal/platform/external"
)

// FeatureFlags are the branch capabilities that shape classification and
// identifier resolution. They are resolved once per request.
type FeatureFlags struct {
	SecondarySystem    bool `json:"secondarySystem"`
	MultipleCheckin    bool `json:"multipleCheckin"`
	MinuteWindow       bool `json:"minuteWindow"`
	ShortCheckinWindow bool `json:"shortCheckinWindow"`
}

// LoadFeatureFlags asks the provisioner for every flag concurrently. A failed
// lookup is logged and leaves that flag off.
func LoadFeatureFlags(ctx context.Context, p external.FeatureProvisioner, branchID, jobLevel string, logger zerolog.Logger) FeatureFlags {
	var flags FeatureFlags
	if p == nil || branchID == "" {
		return flags
	}

	targets := []struct {
		name string
		dst  *bool
	}{
		{external.FlagEnableAlayacare, &flags.SecondarySystem},
		{external.FlagMultipleCheckin, &flags.MultipleCheckin},
		{external.FlagMinuteWindow, &flags.MinuteWindow},
		{external.FlagShortCheckinWindow, &flags.ShortCheckinWindow},
	}

	var g errgroup.Group
	for _, t := range targets {
		g.Go(func() error {
			on, err := p.GetFeatureProvision(ctx, branchID, t.name, jobLevel)
			if err != nil {
				logger.Warn().Err(err).
					Str("branch_id", branchID).
					Str("flag", t.name).
					Msg("feature provision lookup failed")
				return nil
			}
			*t.dst = on
			return nil
		})
	}
	g.Wait()
	return flags
}
