package lockmanager

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"dbkernel/storage_engine/txn"
)

// Start launches the background deadlock detector goroutine, which
// rebuilds the wait-for graph from the lock table every detectorInterval
// and aborts the youngest transaction in any cycle it finds via a real
// DFS cycle search.
func (lm *LockManager) Start() {
	lm.stopDetector = make(chan struct{})
	lm.detectorDone = make(chan struct{})

	go func() {
		defer close(lm.detectorDone)
		ticker := time.NewTicker(lm.detectorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				lm.runDetectionCycle()
			case <-lm.stopDetector:
				return
			}
		}
	}()
}

// Stop shuts the detector goroutine down and waits for it to exit.
func (lm *LockManager) Stop() {
	if lm.stopDetector == nil {
		return
	}
	close(lm.stopDetector)
	<-lm.detectorDone
}

// runDetectionCycle repeatedly builds the wait-for graph and kills the
// youngest transaction in any cycle it finds, until the graph is acyclic.
func (lm *LockManager) runDetectionCycle() {
	for {
		lm.mu.Lock()
		graph := lm.buildWaitForGraphLocked()
		cycle := findCycle(graph)
		if cycle == nil {
			lm.mu.Unlock()
			return
		}

		victim := youngestInCycle(cycle)
		lm.log.WithFields(logrus.Fields{"victim": victim, "cycle": cycle}).Warn("deadlock detected")
		lm.abortByIDLocked(victim)
		lm.mu.Unlock()
	}
}

// buildWaitForGraphLocked returns edge t -> u for every ungranted waiter
// t and every granted holder u on the same record. Caller holds lm.mu.
func (lm *LockManager) buildWaitForGraphLocked() map[uint64]map[uint64]struct{} {
	graph := make(map[uint64]map[uint64]struct{})

	addEdge := func(from, to uint64) {
		if from == to {
			return
		}
		if graph[from] == nil {
			graph[from] = make(map[uint64]struct{})
		}
		graph[from][to] = struct{}{}
	}

	for _, q := range lm.queues {
		var holders []uint64
		var waiters []uint64
		for _, r := range q.requests {
			if r.granted {
				holders = append(holders, r.txn.ID())
			} else {
				waiters = append(waiters, r.txn.ID())
			}
		}
		for _, w := range waiters {
			if _, ok := graph[w]; !ok {
				graph[w] = make(map[uint64]struct{})
			}
			for _, h := range holders {
				addEdge(w, h)
			}
		}
	}
	return graph
}

// findCycle runs a recursive DFS with back-edge tracking over graph and
// returns the node ids on the first cycle found, or nil if the graph is
// acyclic. Traversal order is deterministic (sorted node ids) so results
// are reproducible across runs.
func findCycle(graph map[uint64]map[uint64]struct{}) []uint64 {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[uint64]int, len(graph))
	parent := make(map[uint64]uint64, len(graph))

	nodes := make([]uint64, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	var cycleStart, cycleEnd uint64
	found := false

	var visit func(u uint64)
	visit = func(u uint64) {
		if found {
			return
		}
		color[u] = gray

		neighbors := make([]uint64, 0, len(graph[u]))
		for v := range graph[u] {
			neighbors = append(neighbors, v)
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })

		for _, v := range neighbors {
			if found {
				return
			}
			switch color[v] {
			case white:
				parent[v] = u
				visit(v)
			case gray:
				cycleStart, cycleEnd = v, u
				found = true
				return
			}
		}
		color[u] = black
	}

	for _, n := range nodes {
		if found {
			break
		}
		if color[n] == white {
			visit(n)
		}
	}

	if !found {
		return nil
	}

	cycle := []uint64{cycleStart}
	for cur := cycleEnd; cur != cycleStart; cur = parent[cur] {
		cycle = append(cycle, cur)
	}
	return cycle
}

// youngestInCycle returns the highest transaction id in cycle, the fixed
// deterministic tie-break rule.
func youngestInCycle(cycle []uint64) uint64 {
	max := cycle[0]
	for _, id := range cycle[1:] {
		if id > max {
			max = id
		}
	}
	return max
}

// abortByIDLocked marks the transaction with the given id ABORTED,
// removes it from every queue it participates in, and wakes every
// waiter so granted holders re-evaluate and waiters re-check abort
// status. Caller holds lm.mu.
func (lm *LockManager) abortByIDLocked(id uint64) {
	for _, q := range lm.queues {
		for i := 0; i < len(q.requests); i++ {
			r := q.requests[i]
			if r.txn.ID() != id {
				continue
			}
			r.txn.SetState(txn.Aborted)
			if r.granted {
				if r.mode == shared {
					q.sharedCount--
				} else {
					q.exclusiveHeld = false
				}
			}
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			i--
		}
		q.cond.Broadcast()
	}
}
