package overlay

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/abelab/overlay/internal/wire"
)

// candidateGraph builds a directed graph from the unique edges across a
// set of candidate paths (spec.md §4.4), along with the NodeID<->int64
// mapping gonum's graph.Node requires.
type candidateGraph struct {
	g        *simple.DirectedGraph
	idOf     map[wire.NodeID]int64
	nodeOf   map[int64]wire.NodeID
	nextID   int64
}

func newCandidateGraph() *candidateGraph {
	return &candidateGraph{
		g:      simple.NewDirectedGraph(),
		idOf:   make(map[wire.NodeID]int64),
		nodeOf: make(map[int64]wire.NodeID),
	}
}

func (c *candidateGraph) idFor(n wire.NodeID) int64 {
	if id, ok := c.idOf[n]; ok {
		return id
	}
	id := c.nextID
	c.nextID++
	c.idOf[n] = id
	c.nodeOf[id] = n
	c.g.AddNode(simple.Node(id))
	return id
}

// addPath adds every edge along path as a unit-weight directed edge.
func (c *candidateGraph) addPath(p wire.Path) {
	for i := 0; i+1 < len(p.Hops); i++ {
		from := c.idFor(p.Hops[i])
		to := c.idFor(p.Hops[i+1])
		if !c.g.HasEdgeFromTo(from, to) {
			c.g.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(to)})
		}
	}
}

func (c *candidateGraph) pathFromNodes(nodes []graph.Node) wire.Path {
	hops := make([]wire.NodeID, len(nodes))
	for i, n := range nodes {
		hops[i] = c.nodeOf[n.ID()]
	}
	return wire.Path{Hops: hops}
}

// buildCandidateGraph folds together the accept side's known paths, the
// local node's own known paths, and the reversed reply-source path, per
// spec.md §4.4.
func buildCandidateGraph(acceptKnown, localKnown []wire.Path, replySource wire.Path) *candidateGraph {
	cg := newCandidateGraph()
	for _, p := range acceptKnown {
		cg.addPath(p)
	}
	for _, p := range localKnown {
		cg.addPath(p)
	}
	cg.addPath(replySource.Reversed())
	return cg
}

// yenKShortest returns up to k loopless shortest paths from src to dst,
// using gonum's implementation of Yen's algorithm.
func (c *candidateGraph) yenKShortest(src, dst wire.NodeID, k int) []wire.Path {
	s, sok := c.idOf[src]
	t, tok := c.idOf[dst]
	if !sok || !tok {
		return nil
	}
	paths := path.YenKShortestPaths(c.g, k, simple.Node(s), simple.Node(t))
	out := make([]wire.Path, 0, len(paths))
	for _, p := range paths {
		out = append(out, c.pathFromNodes(p))
	}
	return out
}

// allShortestFrom computes single-source shortest paths from dst back
// toward every other node in the graph, used by step 2c of
// establishRelayPaths to find intermediates at distance h-1.
func (c *candidateGraph) allShortestFrom(dst wire.NodeID) (path.Shortest, bool) {
	t, ok := c.idOf[dst]
	if !ok {
		return path.Shortest{}, false
	}
	return path.DijkstraFrom(simple.Node(t), c.g), true
}

// nodesAtDistance returns every node id known to the graph at exactly
// the given hop distance from dst, using the single-source shortest-path
// tree computed by allShortestFrom.
func (c *candidateGraph) nodesAtDistance(shortest path.Shortest, distance int) []wire.NodeID {
	var out []wire.NodeID
	for id, nid := range c.nodeOf {
		p, weight := shortest.To(id)
		if len(p) == 0 || int(weight) != distance {
			continue
		}
		out = append(out, nid)
	}
	return out
}

// ProbeFunc sends a ProbePath along a candidate and reports whether the
// destination confirmed it end to end. Manager.probeAdapter supplies the
// one used by Connect and RunRelayMaintenance; tests pass their own.
type ProbeFunc func(ctx context.Context, candidate wire.Path) bool

// DialFunc dials an intermediate node directly, for step 2c of
// establishRelayPaths. Every caller passes nil, so that step does not run.
type DialFunc func(ctx context.Context, target wire.NodeID) bool

// EstablishRelayPaths runs the relay-path construction algorithm of
// spec.md §4.4: grow hop budgets until MINIMUM_RELAY_PATHS are
// confirmed, probing for each hop budget the Yen's k-shortest candidates
// of that length, then direct-dialing intermediates discovered via
// all-shortest-paths.
func EstablishRelayPaths(ctx context.Context, cg *candidateGraph, self, dst wire.NodeID, minPaths int, probe ProbeFunc, dial DialFunc) []wire.Path {
	sem := semaphore.NewWeighted(8)
	var (
		mu        sync.Mutex
		confirmed []wire.Path
	)

	tryProbe := func(p wire.Path) {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer sem.Release(1)
		if probe(ctx, p) {
			mu.Lock()
			confirmed = append(confirmed, p)
			mu.Unlock()
		}
	}

	maxHops := len(cg.idOf)
	for h := 2; h < maxHops && len(confirmed) < minPaths; h++ {
		var wg sync.WaitGroup

		candidates := cg.yenKShortest(self, dst, minPaths*2)
		for _, p := range candidates {
			if p.Score() != h+1 {
				continue
			}
			wg.Add(1)
			go func(p wire.Path) { defer wg.Done(); tryProbe(p) }(p)
		}
		wg.Wait()

		if len(confirmed) >= minPaths {
			break
		}

		shortest, ok := cg.allShortestFrom(dst)
		if !ok {
			continue
		}
		for _, intermediate := range cg.nodesAtDistance(shortest, h-1) {
			wg.Add(1)
			go func(intermediate wire.NodeID) {
				defer wg.Done()
				if dial != nil && dial(ctx, intermediate) {
					cg.addPath(wire.Path{Hops: []wire.NodeID{self, intermediate, dst}})
					for _, p := range cg.yenKShortest(self, dst, minPaths) {
						if p.Score() == h+1 {
							tryProbe(p)
						}
					}
				}
			}(intermediate)
		}
		wg.Wait()
	}

	return confirmed
}

// RelayMaintenance runs one periodic maintenance pass (spec.md §4.4's
// RELAY_PATH_MAINTENANCE_PERIOD): send GetNeighbors along every current
// path, fold the live replies into a fresh candidate graph, and re-run
// construction. Returns the refreshed path set; an empty result means
// the caller should destroy the peer-connection.
func RelayMaintenance(ctx context.Context, self wire.NodeID, pc *PeerConnection, getNeighbors func(ctx context.Context, path wire.Path) ([]wire.Path, bool), minPaths int, probe ProbeFunc) []wire.Path {
	var livePaths []wire.Path
	cg := newCandidateGraph()
	for _, p := range pc.Paths() {
		neighborPaths, ok := getNeighbors(ctx, p)
		if !ok {
			continue
		}
		livePaths = append(livePaths, p)
		for _, np := range neighborPaths {
			cg.addPath(np)
		}
		cg.addPath(p)
	}
	if len(livePaths) == 0 {
		return nil
	}
	return EstablishRelayPaths(ctx, cg, self, wire.NodeID(pc.RemoteKey), minPaths, probe, nil)
}
