package sweeper

import "sort"

// Plan is the outcome of diffing one run's declared set against the
// persisted manifest. The diff is presence-only: metadata changes on kept
// resources are carried through by the caller, never diffed here.
type Plan struct {
	ScopePath ScopePath

	// Orphans are resources present in the manifest but absent from the
	// declared set; they are scheduled for destruction.
	Orphans []ResourceRecord

	// Additions are resources declared this run that have no manifest
	// entry yet. No destroy action; they are simply added.
	Additions []ResourceRecord

	// Kept are resources present in both sets.
	Kept []ResourceRecord
}

// reconcile computes the plan for one scope. previous may be nil (first run:
// empty orphan set, everything declared is an addition).
//
// Orphans come back sorted by id so the sequential strategy destroys in a
// stable order across runs.
func reconcile(path ScopePath, declared map[string]ResourceRecord, previous *Manifest) *Plan {
	plan := &Plan{ScopePath: path}

	if previous != nil {
		for id, rec := range previous.Resources {
			if _, ok := declared[id]; !ok {
				plan.Orphans = append(plan.Orphans, rec)
			}
		}
	}

	for id, rec := range declared {
		if previous != nil {
			if old, ok := previous.Resources[id]; ok {
				// Kept resources keep their original creation time.
				rec.CreatedAt = old.CreatedAt
				plan.Kept = append(plan.Kept, rec)
				continue
			}
		}
		plan.Additions = append(plan.Additions, rec)
	}

	sort.Slice(plan.Orphans, func(i, j int) bool { return plan.Orphans[i].ID < plan.Orphans[j].ID })
	sort.Slice(plan.Additions, func(i, j int) bool { return plan.Additions[i].ID < plan.Additions[j].ID })
	sort.Slice(plan.Kept, func(i, j int) bool { return plan.Kept[i].ID < plan.Kept[j].ID })
	return plan
}
