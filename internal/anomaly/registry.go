package anomaly

import (
	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/shielderrors"
)

// factory builds one detector from its configuration. Composite is
// handled separately because it needs its sub-detectors resolved first.
type factory func(config.DetectorConfig) (Detector, error)

var factories = map[string]factory{
	"zscore":      newZScore,
	"threshold":   newThreshold,
	"statistical": newStatistical,
	"seasonal":    newSeasonal,
	"forest":      newForest,
}

// Build instantiates the configured detectors, resolving composite
// references by name. Only root detectors are returned: a detector
// referenced by a composite runs inside it, not standalone as well,
// so its trailing history observes each sample once. The returned
// slice preserves configuration order.
func Build(cfgs []config.DetectorConfig) ([]Detector, error) {
	byName := make(map[string]config.DetectorConfig, len(cfgs))
	referenced := make(map[string]bool)
	for _, cfg := range cfgs {
		byName[cfg.Name] = cfg
		for _, ref := range cfg.Detectors {
			referenced[ref] = true
		}
	}

	built := make(map[string]Detector, len(cfgs))
	var build func(cfg config.DetectorConfig, chain map[string]bool) (Detector, error)
	build = func(cfg config.DetectorConfig, chain map[string]bool) (Detector, error) {
		if d, ok := built[cfg.Name]; ok {
			return d, nil
		}
		if cfg.Type != "composite" {
			fn, ok := factories[cfg.Type]
			if !ok {
				return nil, shielderrors.New(shielderrors.CodeConfiguration,
					"unknown detector type").WithDetails(cfg.Type)
			}
			d, err := fn(cfg)
			if err != nil {
				return nil, err
			}
			built[cfg.Name] = d
			return d, nil
		}

		if chain[cfg.Name] {
			return nil, shielderrors.New(shielderrors.CodeConfiguration,
				"composite detector cycle").WithDetails(cfg.Name)
		}
		chain[cfg.Name] = true
		subs := make([]Detector, 0, len(cfg.Detectors))
		for _, ref := range cfg.Detectors {
			sc, ok := byName[ref]
			if !ok {
				return nil, shielderrors.New(shielderrors.CodeConfiguration,
					"composite references unknown detector").WithDetails(ref)
			}
			sub, err := build(sc, chain)
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}
		delete(chain, cfg.Name)

		d, err := newComposite(cfg, subs)
		if err != nil {
			return nil, err
		}
		built[cfg.Name] = d
		return d, nil
	}

	out := make([]Detector, 0, len(cfgs))
	for _, cfg := range cfgs {
		d, err := build(cfg, make(map[string]bool))
		if err != nil {
			return nil, err
		}
		if !referenced[cfg.Name] {
			out = append(out, d)
		}
	}
	return out, nil
}
