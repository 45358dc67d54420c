package visitsync

import (
	"github.com/wolfman30/clinic-visit-sync/internal/cache"
	"github.com/wolfman30/clinic-visit-sync/internal/visits"
)

// DashboardKeyPrefix is the key of the finance overview, for per-prefix
// freshness settings.
const DashboardKeyPrefix = "finance-dashboard"

// DoctorsKey holds the doctor directory.
const DoctorsKey = "doctors"

const (
	myVisitsKey         cache.Key = "my-visits"
	dashboardKey        cache.Key = DashboardKeyPrefix
	doctorsKey          cache.Key = DoctorsKey
	visitKeyPrefix                = "visit:"
	financeVisitPrefix            = "finance-visit:"
	financeVisitsPrefix           = "finance-visits:"
)

func visitKey(id string) cache.Key {
	return cache.Key(visitKeyPrefix + id)
}

func financeVisitKey(id string) cache.Key {
	return cache.Key(financeVisitPrefix + id)
}

func searchKey(filters visits.SearchFilters) cache.Key {
	return cache.Key(financeVisitsPrefix + filters.Canonical())
}

// dependencies lists every cached view a mutation kind touches.
type dependencies struct {
	// entities hold a single copy of the visit.
	entities []cache.Key
	// lists are key patterns of views embedding a copy of the visit. They are
	// resolved against the store when the mutation applies.
	lists []string
	// aggregates are derived from the visit but not equal to it; they are
	// invalidated after a commit.
	aggregates []string
	// gone is invalidated when the service no longer knows the visit.
	gone []string
}

func dependenciesFor(kind visits.Action, visitID string) dependencies {
	entities := []cache.Key{visitKey(visitID), financeVisitKey(visitID)}
	lists := []string{string(myVisitsKey), financeVisitsPrefix}
	gone := []string{string(myVisitsKey), financeVisitsPrefix, string(visitKey(visitID)), string(financeVisitKey(visitID))}

	switch kind {
	case visits.ActionCreate:
		return dependencies{
			lists:      []string{string(myVisitsKey)},
			aggregates: []string{financeVisitsPrefix, string(dashboardKey)},
		}
	case visits.ActionUpdate:
		return dependencies{entities: entities, lists: lists, gone: gone}
	case visits.ActionStart, visits.ActionCancel:
		// Status filters of finance searches may now match differently.
		return dependencies{entities: entities, lists: lists, aggregates: []string{financeVisitsPrefix}, gone: gone}
	case visits.ActionComplete, visits.ActionAddTreatment, visits.ActionEditTreatment,
		visits.ActionDeleteTreatment, visits.ActionUpdatePayment:
		return dependencies{
			entities:   entities,
			lists:      lists,
			aggregates: []string{financeVisitsPrefix, string(dashboardKey)},
			gone:       gone,
		}
	}
	return dependencies{}
}
