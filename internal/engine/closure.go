package engine

import "github.com/opsgateway/bastiongate/internal/gwerr"

// MaxGroupDepth bounds the depth of a group tree (spec.md §3: "max depth
// 10"). validateNoCycle also uses it as a hard stop against runaway
// chains caused by data corruption, independent of true cycle detection.
const MaxGroupDepth = 10

// parentLookup resolves a group's parent, or nil at the root.
type parentLookup func(groupID string) (*string, error)

// memberLookup resolves the group IDs a leaf (person or backend) directly
// belongs to.
type memberLookup func(leafID string) ([]string, error)

// groupClosure walks parent pointers from every group in direct, via BFS
// with a visited-set cycle guard, and returns the full transitive set of
// group IDs (spec.md §4.3 steps 3-4, and the public group_closure op).
func groupClosure(direct []string, parent parentLookup) ([]string, error) {
	visited := make(map[string]bool)
	queue := append([]string{}, direct...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		if len(visited) > MaxGroupDepth*4 {
			// A cycle or pathological fan-out slipped past validateNoCycle;
			// stop rather than loop forever.
			break
		}

		p, err := parent(id)
		if err != nil {
			return nil, err
		}
		if p != nil && !visited[*p] {
			queue = append(queue, *p)
		}
	}

	out := make([]string, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	return out, nil
}

// validateNoCycle reports whether setting groupID's parent to newParentID
// would introduce a cycle or exceed MaxGroupDepth (spec.md §4.3
// validate_no_cycle). It walks up from newParentID; if it encounters
// groupID, that's a cycle.
func validateNoCycle(groupID string, newParentID *string, parent parentLookup) error {
	if newParentID == nil {
		return nil
	}
	if *newParentID == groupID {
		return gwerr.New(gwerr.InvariantViolation, "group cannot be its own parent")
	}

	cur := newParentID
	for depth := 0; cur != nil; depth++ {
		if depth >= MaxGroupDepth {
			return gwerr.New(gwerr.InvariantViolation, "group tree exceeds max depth")
		}
		if *cur == groupID {
			return gwerr.New(gwerr.InvariantViolation, "group parent assignment would create a cycle")
		}
		next, err := parent(*cur)
		if err != nil {
			return err
		}
		cur = next
	}
	return nil
}
