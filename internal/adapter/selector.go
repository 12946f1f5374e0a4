package adapter

import (
	"context"
	"fmt"
	"sort"

	"github.com/ashureev/ccbridge/internal/domain"
)

// Select picks the adapter a message without an explicit target goes to.
// Running instances beat stopped ones; within a group the preferred type
// wins, then the alphabetically first name.
func Select(ctx context.Context, adapters []Adapter, preferTmux bool) (Adapter, error) {
	if len(adapters) == 0 {
		return nil, fmt.Errorf("%w: no instances configured", domain.ErrNotFound)
	}

	ranked := make([]Adapter, len(adapters))
	copy(ranked, adapters)

	// One Info call per adapter; docker variants hit the engine for this.
	infos := make(map[string]Info, len(ranked))
	for _, a := range ranked {
		infos[a.Name()] = a.Info(ctx)
	}

	preferred := domain.InstanceTypeDocker
	if preferTmux {
		preferred = domain.InstanceTypeTmux
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		ii, ij := infos[ranked[i].Name()], infos[ranked[j].Name()]
		if ii.Running != ij.Running {
			return ii.Running
		}
		ti, tj := ii.Type == preferred, ij.Type == preferred
		if ti != tj {
			return ti
		}
		return ranked[i].Name() < ranked[j].Name()
	})

	return ranked[0], nil
}
