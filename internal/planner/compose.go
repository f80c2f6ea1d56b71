package planner

import "github.com/maauso/clipstitch/internal/clip"

// Compose runs the full planning pipeline: strategy selection, graph
// synthesis on the robust path, and command assembly. The plan is returned
// for inspection and is nil on the stream-copy path.
func Compose(comp clip.Composition, settings Settings) (*Command, *Plan, error) {
	if err := comp.Validate(); err != nil {
		return nil, nil, err
	}

	strategy := SelectStrategy(comp)

	var plan *Plan
	if strategy == FilterGraph {
		p, err := BuildGraph(comp, settings)
		if err != nil {
			return nil, nil, err
		}
		plan = p
	}

	cmd, err := Assemble(strategy, plan, comp, settings)
	if err != nil {
		return nil, nil, err
	}
	return cmd, plan, nil
}
