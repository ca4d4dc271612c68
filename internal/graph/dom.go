package graph

// IDom returns the immediate dominator of each vertex reachable from
// root. A vertex with no immediate dominator (including root itself)
// maps to a zero K and ok=false.
//
// This implements the "engineered algorithm" of Cooper, Harvey, and
// Kennedy, "A Simple, Fast Dominance Algorithm", 2001, adapted from
// dense node-index graphs to tag-keyed ones: a post-order numbering
// stands in for the index space the original algorithm iterates over.
func IDom[K comparable](g *Graph[K], root K) map[K]K {
	po := PostOrder(g, root)

	poNum := make(map[K]int, len(po))
	for i, n := range po {
		poNum[n] = i
	}

	rpo := Reverse(append([]K(nil), po...))

	idom := make(map[K]K, len(po))
	has := make(map[K]bool, len(po))
	idom[root] = root
	has[root] = true

	changed := true
	for changed {
		changed = false
		for _, b := range rpo {
			if b == root {
				continue
			}

			var newIdom K
			set := false
			for _, p := range g.In(b) {
				if !has[p] {
					continue
				}
				if !set {
					newIdom, set = p, true
					continue
				}
				newIdom = intersect(idom, has, poNum, p, newIdom)
			}

			if !set {
				continue
			}
			if cur, ok := idom[b]; !ok || !has[b] || cur != newIdom {
				idom[b] = newIdom
				has[b] = true
				changed = true
			}
		}
	}

	delete(idom, root)
	return idom
}

func intersect[K comparable](idom map[K]K, has map[K]bool, poNum map[K]int, b1, b2 K) K {
	for b1 != b2 {
		for poNum[b1] < poNum[b2] {
			b1 = idom[b1]
		}
		for poNum[b2] < poNum[b1] {
			b2 = idom[b2]
		}
	}
	return b1
}
