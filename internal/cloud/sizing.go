package cloud

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// ServerType is one entry of a provider's instance catalog, normalized so
// substitution logic works across providers.
type ServerType struct {
	ID          string
	Family      string
	Cores       int
	MemoryGB    float64
	PriceHourly float64
	Available   bool
}

// substituteType picks a replacement when the requested type is
// unavailable: cheapest same-family option with at least the requested
// cores and memory, then cheapest any-family option. Returns an error when
// nothing viable exists, before any resource is created.
func substituteType(logger *zap.Logger, requested ServerType, catalog []ServerType) (*ServerType, error) {
	viable := func(t ServerType, sameFamily bool) bool {
		if !t.Available {
			return false
		}
		if sameFamily && t.Family != requested.Family {
			return false
		}
		return t.Cores >= requested.Cores && t.MemoryGB >= requested.MemoryGB
	}

	pick := func(sameFamily bool) *ServerType {
		var candidates []ServerType
		for _, t := range catalog {
			if viable(t, sameFamily) {
				candidates = append(candidates, t)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].PriceHourly < candidates[j].PriceHourly
		})
		return &candidates[0]
	}

	chosen := pick(true)
	if chosen == nil {
		chosen = pick(false)
	}
	if chosen == nil {
		return nil, fmt.Errorf("no available server type with >= %d cores and >= %.0fGB memory", requested.Cores, requested.MemoryGB)
	}

	logger.Info("substituting unavailable server type",
		zap.String("requested", requested.ID),
		zap.String("chosen", chosen.ID),
		zap.Float64("price_hourly", chosen.PriceHourly),
	)
	return chosen, nil
}
