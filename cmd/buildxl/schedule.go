package main

import (
	"fmt"

	"github.com/buildxl-go/buildxl/pkg/graph"
)

// topologicalOrder returns the identities of g's pips in an order where
// every pip appears after all of its dependencies, or an error if g
// contains a dependency cycle. Scheduling and parallelism across
// independent pips are out of scope here (§Non-goals); a single
// sequential pass is enough to exercise the executor end to end.
func topologicalOrder(g graph.Graph) ([]uint64, error) {
	pips := g.Pips()
	visited := make(map[uint64]int, len(pips)) // 0 = unvisited, 1 = in progress, 2 = done
	order := make([]uint64, 0, len(pips))

	var visit func(id uint64) error
	visit = func(id uint64) error {
		switch visited[id] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("dependency cycle detected at pip %d", id)
		}
		visited[id] = 1
		for _, dependency := range g.Dependencies(id) {
			if _, ok := g.Lookup(dependency); !ok {
				return fmt.Errorf("pip %d depends on unknown pip %d", id, dependency)
			}
			if err := visit(dependency); err != nil {
				return err
			}
		}
		visited[id] = 2
		order = append(order, id)
		return nil
	}

	for _, p := range pips {
		if err := visit(p.Declaration().ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}
