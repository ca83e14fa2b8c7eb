package optimize

import (
	logger "log"
	"sort"
	"time"
)

// SolverConfig bounds the time-window routing search.
type SolverConfig struct {
	// TimeLimit is the wall-clock search budget. The best order found so
	// far is returned when it expires; no feasible order by then means
	// the problem is reported infeasible.
	TimeLimit time.Duration
	// SlackMaxMinutes caps how long the vehicle may wait for a pickup
	// window to open.
	SlackMaxMinutes int
	// DayCapacityMinutes is the upper bound on the cumulative clock.
	DayCapacityMinutes int
}

// DefaultSolverConfig returns the production search bounds.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		TimeLimit:          10 * time.Second,
		SlackMaxMinutes:    30,
		DayCapacityMinutes: minutesPerDay,
	}
}

// SolveVRP finds a visit order over stops that minimizes travel time subject
// to pickup windows.
//
// timeMatrix is (n+1) x (n+1) in seconds with the depot at index 0 and stops
// 1..n in input order. serviceTimes are minutes per stop, indexed like
// stops. departureMinutes anchors the cumulative clock in absolute
// minutes since midnight. The result is a permutation of [0..n-1] in visit
// order. Arc cost charges travel plus the service time of the node being
// left, never at the depot, and the objective includes the closing arc back
// to the depot.
//
// Construction is cheapest-feasible-arc with a depth-first fallback;
// improvement is 2-opt plus single-stop relocation until the budget
// expires. Ties break on the lowest stop index, but callers must not depend
// on a specific tie-break.
func SolveVRP(log *logger.Logger, timeMatrix [][]int, stops []Stop, serviceTimes []int, departureMinutes int, cfg SolverConfig) ([]int, error) {
	n := len(stops)
	if n == 0 {
		return []int{}, nil
	}
	deadline := time.Now().Add(cfg.TimeLimit)

	p, err := newVRPProblem(timeMatrix, stops, serviceTimes, departureMinutes, cfg)
	if err != nil {
		return nil, err
	}

	log.Printf("vrp solve: %d stops, departure=%d min, time_limit=%s", n, departureMinutes, cfg.TimeLimit)

	order, ok := p.cheapestFeasibleArc()
	if !ok {
		order, ok = p.searchFeasible(deadline)
	}
	if !ok {
		return nil, &InfeasibleError{Stops: n}
	}

	order = p.improve(order, deadline)
	cost, _ := p.routeCost(order)

	route := make([]int, n)
	for i, node := range order {
		route[i] = node - 1
	}
	log.Printf("vrp solution: %v (cost=%d)", route, cost)
	return route, nil
}

// vrpProblem holds the solve in minute units with nodes 0 (depot) and 1..n.
type vrpProblem struct {
	travel   [][]int
	service  []int
	earliest []int
	latest   []int
	depart   int
	slackMax int
	capacity int
}

func newVRPProblem(timeMatrix [][]int, stops []Stop, serviceTimes []int, departureMinutes int, cfg SolverConfig) (*vrpProblem, error) {
	n := len(stops)
	travel := make([][]int, n+1)
	for i := range travel {
		travel[i] = make([]int, n+1)
		for j := 0; j <= n; j++ {
			travel[i][j] = timeMatrix[i][j] / 60
		}
	}
	service := make([]int, n+1)
	earliest := make([]int, n+1)
	latest := make([]int, n+1)
	for i, stop := range stops {
		service[i+1] = serviceTimes[i]
		e, err := TimeStrToMinutes(stop.EarliestPickup)
		if err != nil {
			return nil, &ValidationError{Reason: "stop " + stop.StopID + ": " + err.Error()}
		}
		l, err := TimeStrToMinutes(stop.LatestPickup)
		if err != nil {
			return nil, &ValidationError{Reason: "stop " + stop.StopID + ": " + err.Error()}
		}
		earliest[i+1] = e
		latest[i+1] = l
	}
	return &vrpProblem{
		travel:   travel,
		service:  service,
		earliest: earliest,
		latest:   latest,
		depart:   departureMinutes,
		slackMax: cfg.SlackMaxMinutes,
		capacity: cfg.DayCapacityMinutes,
	}, nil
}

// arrive advances the clock from cur at prev to node. ok is false when the
// move violates the node's window, the wait cap or the day capacity.
func (p *vrpProblem) arrive(prev, node, cur int) (arc, pickup int, ok bool) {
	arc = p.travel[prev][node] + p.service[prev]
	arrival := cur + arc
	if arrival > p.latest[node] {
		return 0, 0, false
	}
	pickup = arrival
	if pickup < p.earliest[node] {
		if p.earliest[node]-pickup > p.slackMax {
			return 0, 0, false
		}
		pickup = p.earliest[node]
	}
	if pickup > p.capacity {
		return 0, 0, false
	}
	return arc, pickup, true
}

// routeCost simulates the order and returns its objective value, or false
// when any window is violated.
func (p *vrpProblem) routeCost(order []int) (int, bool) {
	cur := p.depart
	prev := 0
	cost := 0
	for _, node := range order {
		arc, pickup, ok := p.arrive(prev, node, cur)
		if !ok {
			return 0, false
		}
		cost += arc
		cur = pickup
		prev = node
	}
	cost += p.travel[prev][0] + p.service[prev]
	return cost, true
}

// cheapestFeasibleArc builds a first solution by repeatedly taking the
// cheapest arc that keeps the route feasible.
func (p *vrpProblem) cheapestFeasibleArc() ([]int, bool) {
	n := len(p.service) - 1
	visited := make([]bool, n+1)
	order := make([]int, 0, n)
	cur := p.depart
	prev := 0
	for len(order) < n {
		best := -1
		bestArc := 0
		bestPickup := 0
		for node := 1; node <= n; node++ {
			if visited[node] {
				continue
			}
			arc, pickup, ok := p.arrive(prev, node, cur)
			if !ok {
				continue
			}
			if best == -1 || arc < bestArc {
				best, bestArc, bestPickup = node, arc, pickup
			}
		}
		if best == -1 {
			return nil, false
		}
		visited[best] = true
		order = append(order, best)
		cur = bestPickup
		prev = best
	}
	return order, true
}

// searchFeasible is the fallback when the greedy construction dead-ends: a
// depth-first search over visit orders, pruning any branch that violates a
// window, stopping at the first feasible full order or the deadline.
func (p *vrpProblem) searchFeasible(deadline time.Time) ([]int, bool) {
	n := len(p.service) - 1
	visited := make([]bool, n+1)
	order := make([]int, 0, n)
	expired := false

	type candidate struct {
		node, arc, pickup int
	}

	var dfs func(prev, cur int) bool
	dfs = func(prev, cur int) bool {
		if len(order) == n {
			return true
		}
		if time.Now().After(deadline) {
			expired = true
			return false
		}
		var candidates []candidate
		for node := 1; node <= n; node++ {
			if visited[node] {
				continue
			}
			arc, pickup, ok := p.arrive(prev, node, cur)
			if !ok {
				continue
			}
			candidates = append(candidates, candidate{node: node, arc: arc, pickup: pickup})
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].arc != candidates[j].arc {
				return candidates[i].arc < candidates[j].arc
			}
			return candidates[i].node < candidates[j].node
		})
		for _, c := range candidates {
			visited[c.node] = true
			order = append(order, c.node)
			if dfs(c.node, c.pickup) {
				return true
			}
			visited[c.node] = false
			order = order[:len(order)-1]
			if expired {
				return false
			}
		}
		return false
	}

	if dfs(0, p.depart) {
		return order, true
	}
	return nil, false
}

// improve runs 2-opt segment reversals and single-stop relocations,
// applying feasible improving moves until a fixed point or the deadline.
func (p *vrpProblem) improve(order []int, deadline time.Time) []int {
	best := append([]int(nil), order...)
	bestCost, ok := p.routeCost(best)
	if !ok {
		return best
	}
	improved := true
	for improved && time.Now().Before(deadline) {
		improved = false
		for i := 0; i < len(best)-1; i++ {
			for j := i + 1; j < len(best); j++ {
				candidate := reverseSegment(best, i, j)
				if cost, ok := p.routeCost(candidate); ok && cost < bestCost {
					best, bestCost, improved = candidate, cost, true
				}
			}
		}
		for i := range best {
			for j := range best {
				if i == j {
					continue
				}
				candidate := relocateStop(best, i, j)
				if cost, ok := p.routeCost(candidate); ok && cost < bestCost {
					best, bestCost, improved = candidate, cost, true
				}
			}
		}
	}
	return best
}

// reverseSegment returns a copy of order with positions i..j reversed.
func reverseSegment(order []int, i, j int) []int {
	out := append([]int(nil), order...)
	for l, r := i, j; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

// relocateStop returns a copy of order with the stop at position i moved to
// position j.
func relocateStop(order []int, i, j int) []int {
	out := make([]int, 0, len(order))
	out = append(out, order[:i]...)
	out = append(out, order[i+1:]...)
	out = append(out[:j], append([]int{order[i]}, out[j:]...)...)
	return out
}
