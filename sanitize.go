package pivstore

// Sanitize runs the three-phase consistency/garbage-collection pass over
// the in-memory image. It is pure in-memory transformation;
// callers still need to sync afterward to persist any resets. Sanitize is
// idempotent: running it twice in a row leaves the image unchanged.
func (s *Store) Sanitize() {
	kept := s.validateChains()
	kept = s.resolveDuplicates(kept)
	s.collectOrphans(kept)
}

// chain is one candidate blob chain discovered from a head object.
type chain struct {
	head    int
	members []int // in chain order, head first
}

// validateChains is Phase A: for each head candidate (ChunkPos == 0,
// ObjectAge != 0), walk next pointers, accepting members only while the
// next object's age/position stay consecutive, its index stays in range,
// and it has not already been visited in this walk. The walk stops and
// the accumulated members are reset the moment any of those checks fails;
// a walk that reaches a genuine self-loop terminator survives intact.
func (s *Store) validateChains() []chain {
	var survivors []chain

	for idx := 0; idx < s.objectCount; idx++ {
		obj := s.objects[idx]
		if obj.ObjectAge == 0 || obj.ChunkPos != 0 {
			continue
		}

		members, ok := s.walkChain(idx)
		if !ok {
			s.resetChain(members)

			continue
		}

		survivors = append(survivors, chain{head: idx, members: members})
	}

	return survivors
}

// walkChain follows next pointers from head, returning the members
// accepted so far and whether the walk reached a valid terminal self-loop.
func (s *Store) walkChain(head int) (members []int, ok bool) {
	visited := map[int]bool{head: true}
	members = []int{head}
	cur := head

	for {
		obj := s.objects[cur]
		next := int(obj.NextIndex)

		if next == cur {
			return members, true // terminal self-loop reached cleanly
		}

		if next < 0 || next >= s.objectCount {
			return members, false // next-pointer out of range
		}

		if visited[next] {
			return members, false // chain revisits an index
		}

		nextObj := s.objects[next]
		if nextObj.ObjectAge != obj.ObjectAge+1 {
			return members, false // ages not consecutive
		}

		if nextObj.ChunkPos != obj.ChunkPos+1 {
			return members, false // positions not consecutive (also excludes chunk_pos==0 reappearing)
		}

		visited[next] = true
		members = append(members, next)
		cur = next
	}
}

// resolveDuplicates is Phase B: group surviving heads by blob name and
// keep only the highest-age entry per name, resetting the rest.
func (s *Store) resolveDuplicates(chains []chain) []chain {
	byName := make(map[string][]chain)

	for _, c := range chains {
		name := s.objects[c.head].BlobName
		byName[name] = append(byName[name], c)
	}

	var kept []chain

	for _, group := range byName {
		best := group[0]
		for _, c := range group[1:] {
			if s.objects[c.head].ObjectAge > s.objects[best.head].ObjectAge {
				best = c
			}
		}

		for _, c := range group {
			if c.head != best.head {
				s.resetChain(c.members)
			}
		}

		kept = append(kept, best)
	}

	return kept
}

// collectOrphans is Phase C: any object with a non-zero age that is not a
// member of a surviving chain is reset.
func (s *Store) collectOrphans(chains []chain) {
	reachable := make(map[int]bool)

	for _, c := range chains {
		for _, idx := range c.members {
			reachable[idx] = true
		}
	}

	for idx := 0; idx < s.objectCount; idx++ {
		if s.objects[idx].ObjectAge != 0 && !reachable[idx] {
			s.resetChain([]int{idx})
		}
	}
}

// resetChain zeroes the age and chunk/head fields of each index in
// members and marks it dirty, leaving the store-wide header fields intact.
func (s *Store) resetChain(members []int) {
	for _, idx := range members {
		obj := s.objects[idx]
		s.commitObject(idx, Object{
			Magic:                  obj.Magic,
			ObjectCount:            obj.ObjectCount,
			ObjectSize:             obj.ObjectSize,
			StoreEncryptionKeySlot: obj.StoreEncryptionKeySlot,
			StoreAge:               obj.StoreAge,
		})
	}
}
