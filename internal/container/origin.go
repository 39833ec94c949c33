package container

import (
	"cmp"
	"slices"
)

// heldSample is an encoded sample waiting for the timeline origin.
type heldSample struct {
	track   int
	ptsUs   int64
	payload []byte
	key     bool
}

// originGate places the file's zero at the earliest first timestamp of any
// track. Samples are held until every track has produced one, then released
// in timestamp order; after that they pass straight through.
type originGate struct {
	seen     []bool
	held     []heldSample
	known    bool
	originUs int64
}

func newOriginGate(tracks int) *originGate {
	return &originGate{seen: make([]bool, tracks)}
}

// push returns the samples that can be written now.
func (g *originGate) push(s heldSample) []heldSample {
	if g.known {
		return []heldSample{s}
	}
	g.held = append(g.held, s)
	g.seen[s.track] = true
	if slices.Contains(g.seen, false) {
		return nil
	}
	return g.release()
}

// flush releases held samples when some track never produced any.
func (g *originGate) flush() []heldSample {
	if g.known || len(g.held) == 0 {
		return nil
	}
	return g.release()
}

func (g *originGate) release() []heldSample {
	out := g.held
	g.held = nil
	g.known = true
	g.originUs = out[0].ptsUs
	for _, s := range out[1:] {
		g.originUs = min(g.originUs, s.ptsUs)
	}
	slices.SortStableFunc(out, func(a, b heldSample) int { return cmp.Compare(a.ptsUs, b.ptsUs) })
	return out
}

// relative converts an absolute timestamp to the file timeline. It is only
// meaningful once the origin is known.
func (g *originGate) relative(ptsUs int64) int64 {
	return ptsUs - g.originUs
}
