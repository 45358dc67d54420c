package visitsync

import (
	"github.com/wolfman30/clinic-visit-sync/internal/cache"
	"github.com/wolfman30/clinic-visit-sync/internal/visits"
)

type visitEntry struct {
	visit visits.Visit
}

func (e visitEntry) Clone() cache.Value {
	return visitEntry{visit: e.visit.Clone()}
}

type listEntry struct {
	items []visits.Visit
}

func (e listEntry) Clone() cache.Value {
	return listEntry{items: visits.CloneVisits(e.items)}
}

type searchEntry struct {
	result visits.SearchResult
}

func (e searchEntry) Clone() cache.Value {
	out := e.result
	out.Visits = visits.CloneVisits(e.result.Visits)
	return searchEntry{result: out}
}

type doctorsEntry struct {
	doctors []visits.DoctorRef
}

func (e doctorsEntry) Clone() cache.Value {
	return doctorsEntry{doctors: append([]visits.DoctorRef(nil), e.doctors...)}
}

type dashboardEntry struct {
	stats visits.DashboardStats
}

func (e dashboardEntry) Clone() cache.Value {
	return e
}

// patchViews applies fn to every copy of visit id held by a cached view.
// Views without that visit are returned unchanged.
func patchViews(v cache.Value, id string, fn func(visits.Visit) visits.Visit) cache.Value {
	switch e := v.(type) {
	case visitEntry:
		if e.visit.ID == id {
			e.visit = fn(e.visit)
		}
		return e
	case listEntry:
		e.items = patchList(e.items, id, fn)
		return e
	case searchEntry:
		e.result.Visits = patchList(e.result.Visits, id, fn)
		return e
	}
	return v
}

func patchList(list []visits.Visit, id string, fn func(visits.Visit) visits.Visit) []visits.Visit {
	for i := range list {
		if list[i].ID == id {
			list[i] = fn(list[i])
		}
	}
	return list
}

// findVisit returns the copy of visit id held by a cached view.
func findVisit(v cache.Value, id string) (visits.Visit, bool) {
	var list []visits.Visit
	switch e := v.(type) {
	case visitEntry:
		return e.visit, e.visit.ID == id
	case listEntry:
		list = e.items
	case searchEntry:
		list = e.result.Visits
	}
	for _, candidate := range list {
		if candidate.ID == id {
			return candidate, true
		}
	}
	return visits.Visit{}, false
}
