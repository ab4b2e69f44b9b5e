package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// GatekeeperChanged covers the short-turn threshold and the
	// rejected-proposal name-match threshold.
	GatekeeperChanged bool

	// WeightsChanged is true if any per-category retrieval weight or
	// minimum-inclusion count changed.
	WeightsChanged bool
	WeightChanges  []CategoryWeightDiff
}

// CategoryWeightDiff describes what changed for a single retrieval category
// between two configs.
type CategoryWeightDiff struct {
	Category      string
	WeightChanged bool
	MinIncChanged bool
	Added         bool
	Removed       bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; anything else
// (listen address, provider selection, DSNs) requires a process restart and
// is deliberately ignored here.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Gatekeeper != new.Gatekeeper {
		d.GatekeeperChanged = true
	}

	// Detect modified and removed categories.
	for cat, oldW := range old.Retrieval.CategoryWeights {
		newW, exists := new.Retrieval.CategoryWeights[cat]
		if !exists {
			d.WeightChanges = append(d.WeightChanges, CategoryWeightDiff{
				Category: cat,
				Removed:  true,
			})
			d.WeightsChanged = true
			continue
		}
		cd := CategoryWeightDiff{Category: cat}
		if oldW != newW {
			cd.WeightChanged = true
		}
		if old.Retrieval.AlwaysInclude[cat] != new.Retrieval.AlwaysInclude[cat] {
			cd.MinIncChanged = true
		}
		if cd.WeightChanged || cd.MinIncChanged {
			d.WeightChanges = append(d.WeightChanges, cd)
			d.WeightsChanged = true
		}
	}

	// Detect added categories.
	for cat := range new.Retrieval.CategoryWeights {
		if _, exists := old.Retrieval.CategoryWeights[cat]; !exists {
			d.WeightChanges = append(d.WeightChanges, CategoryWeightDiff{
				Category: cat,
				Added:    true,
			})
			d.WeightsChanged = true
		}
	}

	// Detect minimum-inclusion changes for categories with no weight entry.
	seen := make(map[string]bool)
	for _, inc := range []map[string]int{old.Retrieval.AlwaysInclude, new.Retrieval.AlwaysInclude} {
		for cat := range inc {
			_, inOld := old.Retrieval.CategoryWeights[cat]
			_, inNew := new.Retrieval.CategoryWeights[cat]
			if seen[cat] || inOld || inNew || old.Retrieval.AlwaysInclude[cat] == new.Retrieval.AlwaysInclude[cat] {
				continue
			}
			seen[cat] = true
			d.WeightChanges = append(d.WeightChanges, CategoryWeightDiff{Category: cat, MinIncChanged: true})
			d.WeightsChanged = true
		}
	}

	return d
}
