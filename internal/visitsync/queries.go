package visitsync

import (
	"context"
	"fmt"

	"github.com/wolfman30/clinic-visit-sync/internal/cache"
	"github.com/wolfman30/clinic-visit-sync/internal/visits"
)

// MyVisits returns the visits of the current actor.
func (c *Coordinator) MyVisits(ctx context.Context) ([]visits.Visit, error) {
	v, err := c.store.Read(ctx, myVisitsKey, func(ctx context.Context) (cache.Value, error) {
		list, err := c.service.MyVisits(ctx)
		if err != nil {
			return nil, err
		}
		return listEntry{items: list}, nil
	})
	if err != nil {
		return nil, err
	}
	e, ok := v.(listEntry)
	if !ok {
		return nil, fmt.Errorf("visitsync: unexpected value %T for %s", v, myVisitsKey)
	}
	return e.items, nil
}

// Visit returns one visit as seen by its patient or doctor.
func (c *Coordinator) Visit(ctx context.Context, visitID string) (visits.Visit, error) {
	if err := requireVisitID("get_visit", visitID); err != nil {
		return visits.Visit{}, err
	}
	return c.readVisit(ctx, visitKey(visitID), func(ctx context.Context) (visits.Visit, error) {
		return c.service.GetVisit(ctx, visitID)
	})
}

// FinanceVisit returns one visit as seen by finance.
func (c *Coordinator) FinanceVisit(ctx context.Context, visitID string) (visits.Visit, error) {
	if err := requireVisitID("get_finance_visit", visitID); err != nil {
		return visits.Visit{}, err
	}
	return c.readVisit(ctx, financeVisitKey(visitID), func(ctx context.Context) (visits.Visit, error) {
		return c.service.FinanceVisit(ctx, visitID)
	})
}

func (c *Coordinator) readVisit(ctx context.Context, key cache.Key, fetch func(context.Context) (visits.Visit, error)) (visits.Visit, error) {
	v, err := c.store.Read(ctx, key, func(ctx context.Context) (cache.Value, error) {
		visit, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return visitEntry{visit: visit}, nil
	})
	if err != nil {
		return visits.Visit{}, err
	}
	e, ok := v.(visitEntry)
	if !ok {
		return visits.Visit{}, fmt.Errorf("visitsync: unexpected value %T for %s", v, key)
	}
	return e.visit, nil
}

// SearchVisits runs the finance search. Each distinct filter set is cached
// under its own key.
func (c *Coordinator) SearchVisits(ctx context.Context, filters visits.SearchFilters) (visits.SearchResult, error) {
	key := searchKey(filters)
	v, err := c.store.Read(ctx, key, func(ctx context.Context) (cache.Value, error) {
		res, err := c.service.SearchVisits(ctx, filters)
		if err != nil {
			return nil, err
		}
		return searchEntry{result: res}, nil
	})
	if err != nil {
		return visits.SearchResult{}, err
	}
	e, ok := v.(searchEntry)
	if !ok {
		return visits.SearchResult{}, fmt.Errorf("visitsync: unexpected value %T for %s", v, key)
	}
	return e.result, nil
}

// Doctors returns the doctor directory used to pick the doctor of a new
// visit.
func (c *Coordinator) Doctors(ctx context.Context) ([]visits.DoctorRef, error) {
	v, err := c.store.Read(ctx, doctorsKey, func(ctx context.Context) (cache.Value, error) {
		doctors, err := c.service.Doctors(ctx)
		if err != nil {
			return nil, err
		}
		return doctorsEntry{doctors: doctors}, nil
	})
	if err != nil {
		return nil, err
	}
	e, ok := v.(doctorsEntry)
	if !ok {
		return nil, fmt.Errorf("visitsync: unexpected value %T for %s", v, doctorsKey)
	}
	return e.doctors, nil
}

// DashboardStats returns the finance overview.
func (c *Coordinator) DashboardStats(ctx context.Context) (visits.DashboardStats, error) {
	v, err := c.store.Read(ctx, dashboardKey, c.fetchDashboard)
	if err != nil {
		return visits.DashboardStats{}, err
	}
	return dashboardValue(v)
}

// RefreshDashboard fetches the finance overview regardless of freshness.
func (c *Coordinator) RefreshDashboard(ctx context.Context) (visits.DashboardStats, error) {
	v, err := c.store.Load(ctx, dashboardKey, c.fetchDashboard)
	if err != nil {
		return visits.DashboardStats{}, err
	}
	return dashboardValue(v)
}

func (c *Coordinator) fetchDashboard(ctx context.Context) (cache.Value, error) {
	stats, err := c.service.DashboardStats(ctx)
	if err != nil {
		return nil, err
	}
	return dashboardEntry{stats: stats}, nil
}

func dashboardValue(v cache.Value) (visits.DashboardStats, error) {
	e, ok := v.(dashboardEntry)
	if !ok {
		return visits.DashboardStats{}, fmt.Errorf("visitsync: unexpected value %T for %s", v, dashboardKey)
	}
	return e.stats, nil
}
