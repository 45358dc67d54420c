package visitsync

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-visit-sync/internal/cache"
	"github.com/wolfman30/clinic-visit-sync/internal/ledger"
	"github.com/wolfman30/clinic-visit-sync/internal/observability/metrics"
	"github.com/wolfman30/clinic-visit-sync/internal/visits"
)

type harness struct {
	store   *cache.Store
	svc     *fakeService
	gate    *switchGate
	coord   *Coordinator
	metrics *metrics.SyncMetrics
	reg     *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewSyncMetrics(reg)
	store := cache.New(cache.Options{Metrics: m})
	t.Cleanup(store.Wait)
	svc := newFakeService()
	gate := &switchGate{}
	gate.set("d1", visits.RoleDoctor)
	coord, err := New(Options{
		Store:          store,
		Service:        svc,
		Gate:           gate,
		Metrics:        m,
		RequestTimeout: time.Second,
	})
	require.NoError(t, err)
	return &harness{store: store, svc: svc, gate: gate, coord: coord, metrics: m, reg: reg}
}

// seed puts v on the server and in the single-visit view.
func (h *harness) seed(v visits.Visit) {
	h.svc.put(v)
	h.store.Set(visitKey(v.ID), visitEntry{visit: v})
}

func (h *harness) cached(t *testing.T, id string) visits.Visit {
	t.Helper()
	v, ok := h.store.Get(visitKey(id))
	require.True(t, ok, "visit %s not cached", id)
	return v.(visitEntry).visit
}

func (h *harness) cachedList(t *testing.T) []visits.Visit {
	t.Helper()
	v, ok := h.store.Get(myVisitsKey)
	require.True(t, ok, "my-visits not cached")
	return v.(listEntry).items
}

func waitEntered(t *testing.T, svc *fakeService, op string) {
	t.Helper()
	select {
	case got := <-svc.entered:
		require.Equal(t, op, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("%s was never dispatched", op)
	}
}

func transportErr(op string) error {
	return &visits.Error{Kind: visits.KindTransport, Op: op, Err: errors.New("connection reset by peer")}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Store: cache.New(cache.Options{})})
	assert.Error(t, err)
	_, err = New(Options{Store: cache.New(cache.Options{}), Service: newFakeService()})
	assert.Error(t, err)
}

func TestCoordinator_FullLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gate.set("p1", visits.RolePatient)
	out, err := h.coord.CreateVisit(ctx, visits.NewVisit{
		DoctorID:       "d1",
		ScheduledDate:  time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
		ChiefComplaint: "persistent cough",
	})
	require.NoError(t, err)
	require.True(t, out.Committed())
	id := out.VisitID
	assert.Equal(t, "v-1", id)
	assert.Equal(t, visits.StatusScheduled, h.cached(t, id).Status)

	h.gate.set("d1", visits.RoleDoctor)
	out, err = h.coord.StartVisit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, visits.StatusInProgress, out.Visit.Status)

	out, err = h.coord.AddTreatment(ctx, id, visits.TreatmentInput{
		Name:      "Consultation",
		Category:  visits.CategoryConsultation,
		Quantity:  1,
		UnitPrice: money("100.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, "100.00", h.cached(t, id).TotalAmount.StringFixed(2))

	h.gate.set("f1", visits.RoleFinance)
	out, err = h.coord.UpdatePaymentStatus(ctx, id, visits.PaymentPaid)
	require.Error(t, err)
	assert.True(t, visits.IsKind(err, visits.KindValidation))
	assert.Equal(t, PhaseIdle, out.Phase)
	assert.NotContains(t, h.svc.callLog(), "update_payment_status")

	h.gate.set("d1", visits.RoleDoctor)
	out, err = h.coord.CompleteVisit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, visits.StatusCompleted, h.cached(t, id).Status)

	_, err = h.coord.AddTreatment(ctx, id, visits.TreatmentInput{Name: "Late", Quantity: 1, UnitPrice: money("5")})
	assert.True(t, visits.IsKind(err, visits.KindValidation))

	h.gate.set("f1", visits.RoleFinance)
	out, err = h.coord.UpdatePaymentStatus(ctx, id, visits.PaymentPaid)
	require.NoError(t, err)
	assert.Equal(t, visits.PaymentForward, out.Payment)
	assert.Equal(t, visits.PaymentPaid, h.cached(t, id).PaymentStatus)
	assert.Equal(t, 0, h.store.PendingMutations())

	assert.Equal(t, []string{
		"create_visit", "start_visit", "add_treatment", "complete_visit", "update_payment_status",
	}, h.svc.callLog())
}

func TestCoordinator_AddThenDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(inProgressVisit("v1"))

	out, err := h.coord.AddTreatment(ctx, "v1", visits.TreatmentInput{
		Name:      "Amoxicillin",
		Category:  visits.CategoryMedication,
		Quantity:  2,
		UnitPrice: money("25.50"),
	})
	require.NoError(t, err)
	v := h.cached(t, "v1")
	assert.Equal(t, "51.00", v.TotalAmount.StringFixed(2))
	require.Len(t, v.Treatments, 1)
	assert.False(t, strings.HasPrefix(v.Treatments[0].ID, tempIDPrefix), "server id replaces the temporary one")

	_, err = h.coord.DeleteTreatment(ctx, "v1", out.Visit.Treatments[0].ID)
	require.NoError(t, err)
	v = h.cached(t, "v1")
	assert.Equal(t, "0.00", v.TotalAmount.StringFixed(2))
	assert.Empty(t, v.Treatments)
}

func TestCoordinator_OptimisticEditRollsBackOnTransportError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := inProgressVisit("v1")
	base, err := addLine(base, "t1", 2, "25.50")
	require.NoError(t, err)
	h.seed(base)
	h.store.Set(myVisitsKey, listEntry{items: []visits.Visit{base, inProgressVisit("v2")}})
	h.store.Set(searchKey(visits.SearchFilters{}), searchEntry{result: visits.SearchResult{Visits: []visits.Visit{base}, Count: 1}})

	keys := []cache.Key{visitKey("v1"), financeVisitKey("v1"), myVisitsKey, searchKey(visits.SearchFilters{})}
	before := make(map[cache.Key]cache.Snapshot, len(keys))
	for _, k := range keys {
		before[k] = h.store.Snapshot(k)
	}
	assert.Equal(t, "51.00", h.cached(t, "v1").TotalAmount.StringFixed(2))

	gate := h.svc.hold("update_treatment")
	done := h.coord.Submit(ctx, func(ctx context.Context) (*Outcome, error) {
		return h.coord.EditTreatment(ctx, "v1", "t1", visits.TreatmentInput{Quantity: 2, UnitPrice: money("30.00")})
	})
	waitEntered(t, h.svc, "update_treatment")

	assert.Equal(t, "60.00", h.cached(t, "v1").TotalAmount.StringFixed(2))
	assert.Equal(t, "60.00", h.cachedList(t)[0].TotalAmount.StringFixed(2))
	assert.Equal(t, 1, h.store.PendingMutations())

	h.svc.fail("update_treatment", transportErr("update_treatment"))
	close(gate)
	out := <-done

	require.Error(t, out.Err)
	assert.True(t, visits.IsKind(out.Err, visits.KindTransport))
	assert.Equal(t, PhaseRolledBack, out.Phase)
	assert.Equal(t, "51.00", h.cached(t, "v1").TotalAmount.StringFixed(2))
	for _, k := range keys {
		assert.Equal(t, before[k], h.store.Snapshot(k), "key %s", k)
	}
	assert.Equal(t, 0, h.store.PendingMutations())

	assert.Equal(t, float64(1), h.counterValue(t, "clinic_visitsync_mutations_total",
		map[string]string{"kind": "edit_treatment", "outcome": "rolled_back"}))
}

// counterValue reads one series of a counter from the harness registry.
func (h *harness) counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	series:
		for _, m := range fam.GetMetric() {
			got := make(map[string]string, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				got[l.GetName()] = l.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue series
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func addLine(v visits.Visit, id string, quantity int, unitPrice string) (visits.Visit, error) {
	t, err := ledger.NewTreatment(id, visits.TreatmentInput{
		Name:      "Line " + id,
		Quantity:  quantity,
		UnitPrice: money(unitPrice),
	})
	if err != nil {
		return v, err
	}
	return ledger.ApplyAdd(v, t), nil
}

func TestCoordinator_EveryMutationRollsBackExactly(t *testing.T) {
	cases := []struct {
		op     string
		status visits.Status
		role   visits.Role
		run    func(c *Coordinator) (*Outcome, error)
	}{
		{"start_visit", visits.StatusScheduled, visits.RoleDoctor, func(c *Coordinator) (*Outcome, error) {
			return c.StartVisit(context.Background(), "v1")
		}},
		{"update_visit", visits.StatusInProgress, visits.RoleDoctor, func(c *Coordinator) (*Outcome, error) {
			d := "bronchitis"
			return c.UpdateVisit(context.Background(), "v1", visits.VisitUpdate{Diagnosis: &d})
		}},
		{"add_treatment", visits.StatusInProgress, visits.RoleDoctor, func(c *Coordinator) (*Outcome, error) {
			return c.AddTreatment(context.Background(), "v1", visits.TreatmentInput{Name: "X-ray", Quantity: 1, UnitPrice: money("80")})
		}},
		{"update_treatment", visits.StatusInProgress, visits.RoleDoctor, func(c *Coordinator) (*Outcome, error) {
			return c.EditTreatment(context.Background(), "v1", "t1", visits.TreatmentInput{Quantity: 3, UnitPrice: money("1.10")})
		}},
		{"delete_treatment", visits.StatusInProgress, visits.RoleDoctor, func(c *Coordinator) (*Outcome, error) {
			return c.DeleteTreatment(context.Background(), "v1", "t1")
		}},
		{"complete_visit", visits.StatusInProgress, visits.RoleDoctor, func(c *Coordinator) (*Outcome, error) {
			return c.CompleteVisit(context.Background(), "v1")
		}},
		{"cancel_visit", visits.StatusScheduled, visits.RolePatient, func(c *Coordinator) (*Outcome, error) {
			return c.CancelVisit(context.Background(), "v1")
		}},
		{"update_payment_status", visits.StatusCompleted, visits.RoleFinance, func(c *Coordinator) (*Outcome, error) {
			return c.UpdatePaymentStatus(context.Background(), "v1", visits.PaymentPartial)
		}},
		{"create_visit", "", visits.RolePatient, func(c *Coordinator) (*Outcome, error) {
			return c.CreateVisit(context.Background(), visits.NewVisit{DoctorID: "d1", ScheduledDate: time.Now()})
		}},
	}

	for _, tc := range cases {
		t.Run(tc.op, func(t *testing.T) {
			h := newHarness(t)
			v, err := addLine(inProgressVisit("v1"), "t1", 2, "25.50")
			require.NoError(t, err)
			if tc.status != "" {
				v.Status = tc.status
				h.seed(v)
				h.store.Set(financeVisitKey("v1"), visitEntry{visit: v})
			}
			h.store.Set(myVisitsKey, listEntry{items: []visits.Visit{v}})
			h.store.Invalidate(string(myVisitsKey))
			h.gate.set("u1", tc.role)

			keys := []cache.Key{visitKey("v1"), financeVisitKey("v1"), myVisitsKey, dashboardKey}
			before := make(map[cache.Key]cache.Snapshot, len(keys))
			for _, k := range keys {
				before[k] = h.store.Snapshot(k)
			}

			h.svc.fail(tc.op, transportErr(tc.op))
			out, err := tc.run(h.coord)
			require.Error(t, err)
			assert.Equal(t, PhaseRolledBack, out.Phase)
			for _, k := range keys {
				assert.Equal(t, before[k], h.store.Snapshot(k), "key %s", k)
			}
			assert.Equal(t, 0, h.store.PendingMutations())
		})
	}
}

func TestCoordinator_EditabilityRejectedWithoutNetwork(t *testing.T) {
	for _, status := range []visits.Status{visits.StatusCompleted, visits.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t)
			v, err := addLine(inProgressVisit("v1"), "t1", 1, "10")
			require.NoError(t, err)
			v.Status = status
			h.seed(v)
			before := h.store.Snapshot(visitKey("v1"))

			attempts := []func() (*Outcome, error){
				func() (*Outcome, error) {
					return h.coord.AddTreatment(context.Background(), "v1", visits.TreatmentInput{Name: "X", Quantity: 1, UnitPrice: money("1")})
				},
				func() (*Outcome, error) {
					return h.coord.EditTreatment(context.Background(), "v1", "t1", visits.TreatmentInput{Quantity: 2, UnitPrice: money("1")})
				},
				func() (*Outcome, error) {
					return h.coord.DeleteTreatment(context.Background(), "v1", "t1")
				},
				func() (*Outcome, error) {
					d := "late note"
					return h.coord.UpdateVisit(context.Background(), "v1", visits.VisitUpdate{Notes: &d})
				},
			}
			for _, attempt := range attempts {
				out, err := attempt()
				require.Error(t, err)
				assert.True(t, visits.IsKind(err, visits.KindValidation))
				var terr *visits.TransitionError
				require.ErrorAs(t, err, &terr)
				assert.Equal(t, visits.ReasonIllegal, terr.Reason)
				assert.Equal(t, PhaseIdle, out.Phase)
			}
			assert.Empty(t, h.svc.callLog())
			assert.Equal(t, before, h.store.Snapshot(visitKey("v1")))
			assert.Equal(t, 0, h.store.PendingMutations())
		})
	}
}

func TestCoordinator_IllegalTransitionsLeaveStatus(t *testing.T) {
	h := newHarness(t)
	completed := inProgressVisit("v1")
	completed.Status = visits.StatusCompleted
	h.seed(completed)
	cancelled := inProgressVisit("v2")
	cancelled.Status = visits.StatusCancelled
	h.seed(cancelled)

	_, err := h.coord.StartVisit(context.Background(), "v1")
	assert.True(t, visits.IsKind(err, visits.KindValidation))
	_, err = h.coord.CompleteVisit(context.Background(), "v2")
	assert.True(t, visits.IsKind(err, visits.KindValidation))

	assert.Equal(t, visits.StatusCompleted, h.cached(t, "v1").Status)
	assert.Equal(t, visits.StatusCancelled, h.cached(t, "v2").Status)
	assert.Empty(t, h.svc.callLog())
}

func TestCoordinator_LocalValidation(t *testing.T) {
	h := newHarness(t)
	h.seed(inProgressVisit("v1"))
	long := strings.Repeat("x", maxDiagnosisLength+1)

	cases := []struct {
		name string
		run  func() (*Outcome, error)
		want error
	}{
		{"zero quantity", func() (*Outcome, error) {
			return h.coord.AddTreatment(context.Background(), "v1", visits.TreatmentInput{Name: "X", Quantity: 0, UnitPrice: money("1")})
		}, visits.ErrInvalidQuantity},
		{"negative price", func() (*Outcome, error) {
			return h.coord.EditTreatment(context.Background(), "v1", "t1", visits.TreatmentInput{Quantity: 1, UnitPrice: money("-0.01")})
		}, visits.ErrNegativePrice},
		{"missing name", func() (*Outcome, error) {
			return h.coord.AddTreatment(context.Background(), "v1", visits.TreatmentInput{Quantity: 1, UnitPrice: money("1")})
		}, visits.ErrNameRequired},
		{"missing treatment id", func() (*Outcome, error) {
			return h.coord.DeleteTreatment(context.Background(), "v1", " ")
		}, visits.ErrTreatmentRequired},
		{"missing visit id", func() (*Outcome, error) {
			return h.coord.StartVisit(context.Background(), "")
		}, visits.ErrVisitRequired},
		{"empty update", func() (*Outcome, error) {
			return h.coord.UpdateVisit(context.Background(), "v1", visits.VisitUpdate{})
		}, visits.ErrEmptyUpdate},
		{"diagnosis too long", func() (*Outcome, error) {
			return h.coord.UpdateVisit(context.Background(), "v1", visits.VisitUpdate{Diagnosis: &long})
		}, visits.ErrFieldTooLong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := tc.run()
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, visits.IsKind(err, visits.KindValidation))
			assert.Equal(t, PhaseIdle, out.Phase)
		})
	}
	assert.Empty(t, h.svc.callLog())
}

func TestCoordinator_RoleChecks(t *testing.T) {
	h := newHarness(t)
	h.seed(inProgressVisit("v1"))

	h.gate.set("p1", visits.RolePatient)
	_, err := h.coord.CompleteVisit(context.Background(), "v1")
	var terr *visits.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, visits.ReasonForbidden, terr.Reason)

	// The role is checked before an uncached visit is loaded.
	_, err = h.coord.StartVisit(context.Background(), "uncached")
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, visits.ReasonForbidden, terr.Reason)

	h.gate.mu.Lock()
	h.gate.err = visits.ErrNoActor
	h.gate.mu.Unlock()
	_, err = h.coord.CancelVisit(context.Background(), "v1")
	assert.ErrorIs(t, err, visits.ErrNoActor)
	assert.True(t, visits.IsKind(err, visits.KindValidation))
	assert.Empty(t, h.svc.callLog())
}

func TestCoordinator_UncachedVisitIsLoadedBeforeValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v, err := addLine(inProgressVisit("v9"), "t1", 1, "10")
	require.NoError(t, err)
	v.Status = visits.StatusCompleted
	h.svc.put(v)

	out, err := h.coord.AddTreatment(ctx, "v9", visits.TreatmentInput{Name: "Late", Quantity: 1, UnitPrice: money("5")})
	require.Error(t, err)
	assert.True(t, visits.IsKind(err, visits.KindValidation))
	var terr *visits.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, visits.ReasonIllegal, terr.Reason)
	assert.Equal(t, PhaseIdle, out.Phase)
	assert.Equal(t, visits.StatusCompleted, h.cached(t, "v9").Status, "the loaded visit stays cached")

	_, err = h.coord.DeleteTreatment(ctx, "v9", "t1")
	assert.True(t, visits.IsKind(err, visits.KindValidation))
	_, err = h.coord.StartVisit(ctx, "v9")
	assert.True(t, visits.IsKind(err, visits.KindValidation))
	assert.Equal(t, []string{"get_visit"}, h.svc.callLog())

	h.gate.set("f1", visits.RoleFinance)
	h.svc.put(inProgressVisit("v8"))
	out, err = h.coord.UpdatePaymentStatus(ctx, "v8", visits.PaymentPaid)
	require.Error(t, err)
	assert.True(t, visits.IsKind(err, visits.KindValidation))
	assert.Equal(t, PhaseIdle, out.Phase)
	assert.Equal(t, []string{"get_visit", "get_finance_visit"}, h.svc.callLog())
	assert.Equal(t, visits.PaymentPending, h.svc.get("v8").PaymentStatus)
}

func TestCoordinator_UncachedVisitLoadFailureKeepsItsKind(t *testing.T) {
	h := newHarness(t)
	h.store.Set(myVisitsKey, listEntry{items: []visits.Visit{inProgressVisit("v0")}})

	out, err := h.coord.CompleteVisit(context.Background(), "gone")
	require.Error(t, err)
	assert.True(t, visits.IsKind(err, visits.KindNotFound))
	assert.Equal(t, PhaseIdle, out.Phase)
	assert.Equal(t, []string{"get_visit"}, h.svc.callLog())
	assert.True(t, h.store.Snapshot(myVisitsKey).Stale, "lists are refreshed once the service no longer knows the visit")

	h.svc.fail("get_visit", transportErr("get_visit"))
	out, err = h.coord.StartVisit(context.Background(), "v5")
	require.Error(t, err)
	assert.True(t, visits.IsKind(err, visits.KindTransport))
	assert.Equal(t, PhaseIdle, out.Phase)
	assert.Equal(t, 0, h.store.PendingMutations())
}

func TestCoordinator_FetchInFlightForUncachedViewIsSuperseded(t *testing.T) {
	h := newHarness(t)
	scheduled := inProgressVisit("v1")
	scheduled.Status = visits.StatusScheduled
	h.seed(scheduled)

	started := make(chan struct{})
	release := make(chan struct{})
	read := make(chan visits.Visit, 1)
	go func() {
		v, err := h.store.Read(context.Background(), financeVisitKey("v1"), func(context.Context) (cache.Value, error) {
			close(started)
			<-release
			return visitEntry{visit: scheduled}, nil
		})
		assert.NoError(t, err)
		if err == nil {
			read <- v.(visitEntry).visit
		}
		close(read)
	}()
	<-started

	out, err := h.coord.StartVisit(context.Background(), "v1")
	require.NoError(t, err)
	require.True(t, out.Committed())
	close(release)

	got, ok := <-read
	require.True(t, ok)
	assert.Equal(t, visits.StatusInProgress, got.Status)

	snap := h.store.Snapshot(financeVisitKey("v1"))
	require.True(t, snap.Present)
	assert.False(t, snap.Stale)
	assert.Equal(t, visits.StatusInProgress, snap.Value.(visitEntry).visit.Status)
}

func TestCoordinator_NotFoundInvalidatesContainingLists(t *testing.T) {
	h := newHarness(t)
	v, err := addLine(inProgressVisit("v1"), "t1", 1, "10")
	require.NoError(t, err)
	h.seed(v)
	h.store.Set(myVisitsKey, listEntry{items: []visits.Visit{v}})
	search := searchKey(visits.SearchFilters{Status: visits.StatusInProgress})
	h.store.Set(search, searchEntry{result: visits.SearchResult{Visits: []visits.Visit{v}, Count: 1}})
	h.store.Set(dashboardKey, dashboardEntry{})

	_, err = h.coord.DeleteTreatment(context.Background(), "v1", "gone")
	require.Error(t, err)
	assert.True(t, visits.IsKind(err, visits.KindNotFound))

	assert.True(t, h.store.Snapshot(myVisitsKey).Stale)
	assert.True(t, h.store.Snapshot(search).Stale)
	assert.True(t, h.store.Snapshot(visitKey("v1")).Stale)
	assert.False(t, h.store.Snapshot(dashboardKey).Stale)
	assert.Len(t, h.cachedList(t)[0].Treatments, 1, "rolled back before invalidation")
}

func TestCoordinator_ConflictRollsBackAndInvalidatesVisit(t *testing.T) {
	h := newHarness(t)
	h.seed(inProgressVisit("v1"))
	h.svc.fail("complete_visit", &visits.Error{
		Kind:   visits.KindConflict,
		Op:     "complete_visit",
		Status: http.StatusConflict,
		Err:    errors.New("visit already completed"),
	})

	out, err := h.coord.CompleteVisit(context.Background(), "v1")
	require.Error(t, err)
	var typed *visits.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, "This visit was changed elsewhere, refreshing.", typed.UserMessage())
	assert.Equal(t, PhaseRolledBack, out.Phase)

	snap := h.store.Snapshot(visitKey("v1"))
	assert.True(t, snap.Stale)
	assert.Equal(t, visits.StatusInProgress, snap.Value.(visitEntry).visit.Status)
}

func TestCoordinator_CreateShowsPlaceholderUntilCommit(t *testing.T) {
	h := newHarness(t)
	existing := inProgressVisit("v0")
	h.store.Set(myVisitsKey, listEntry{items: []visits.Visit{existing}})
	h.gate.set("p1", visits.RolePatient)

	gate := h.svc.hold("create_visit")
	done := h.coord.Submit(context.Background(), func(ctx context.Context) (*Outcome, error) {
		return h.coord.CreateVisit(ctx, visits.NewVisit{DoctorID: "d1", ScheduledDate: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)})
	})
	waitEntered(t, h.svc, "create_visit")

	list := h.cachedList(t)
	require.Len(t, list, 2)
	assert.True(t, strings.HasPrefix(list[0].ID, tempIDPrefix))
	assert.Equal(t, visits.StatusScheduled, list[0].Status)
	assert.Equal(t, "p1", list[0].Patient.ID)
	assert.Equal(t, "v0", list[1].ID)

	close(gate)
	out := <-done
	require.NoError(t, out.Err)

	list = h.cachedList(t)
	require.Len(t, list, 2)
	assert.Equal(t, out.VisitID, list[0].ID)
	assert.False(t, strings.HasPrefix(list[0].ID, tempIDPrefix))
	assert.Equal(t, out.VisitID, h.cached(t, out.VisitID).ID)
}

func TestCoordinator_CreateRollbackRemovesPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.store.Set(myVisitsKey, listEntry{items: []visits.Visit{inProgressVisit("v0")}})
	h.gate.set("p1", visits.RolePatient)
	h.svc.fail("create_visit", &visits.Error{Kind: visits.KindRejected, Op: "create_visit", Status: http.StatusBadRequest, Err: errors.New("Doctor not found")})

	_, err := h.coord.CreateVisit(context.Background(), visits.NewVisit{DoctorID: "nobody", ScheduledDate: time.Now()})
	require.Error(t, err)
	assert.True(t, visits.IsKind(err, visits.KindRejected))
	list := h.cachedList(t)
	require.Len(t, list, 1)
	assert.Equal(t, "v0", list[0].ID)
}

func TestCoordinator_ConcurrentMutationsOnOneVisit(t *testing.T) {
	h := newHarness(t)
	h.seed(inProgressVisit("v1"))
	h.store.Set(myVisitsKey, listEntry{items: []visits.Visit{inProgressVisit("v1")}})

	const n = 12
	var wg sync.WaitGroup
	outcomes := make([]<-chan *Outcome, n)
	for i := 0; i < n; i++ {
		outcomes[i] = h.coord.Submit(context.Background(), func(ctx context.Context) (*Outcome, error) {
			return h.coord.AddTreatment(ctx, "v1", visits.TreatmentInput{Name: "Saline", Quantity: 1, UnitPrice: money("0.335")})
		})
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if v, ok := h.store.Get(visitKey("v1")); ok {
				assert.NoError(t, ledger.Check(v.(visitEntry).visit))
			}
		}
	}()
	for _, ch := range outcomes {
		out := <-ch
		require.NoError(t, out.Err)
		assert.True(t, out.Committed())
	}
	wg.Wait()

	assert.Equal(t, 0, h.store.PendingMutations())
	assert.NoError(t, ledger.Check(h.cached(t, "v1")))
	server := h.svc.get("v1")
	assert.Len(t, server.Treatments, n)
	assert.Equal(t, "4.08", server.TotalAmount.StringFixed(2))
}

func TestCoordinator_DispatchIgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t)
	h.seed(inProgressVisit("v1"))

	gate := h.svc.hold("complete_visit")
	ctx, cancel := context.WithCancel(context.Background())
	done := h.coord.Submit(ctx, func(ctx context.Context) (*Outcome, error) {
		return h.coord.CompleteVisit(ctx, "v1")
	})
	waitEntered(t, h.svc, "complete_visit")
	cancel()
	close(gate)

	out := <-done
	require.NoError(t, out.Err)
	assert.True(t, out.Committed())
	assert.Equal(t, visits.StatusCompleted, h.cached(t, "v1").Status)
}

func TestCoordinator_TimeoutIsTransportError(t *testing.T) {
	h := newHarness(t)
	h.coord.timeout = 20 * time.Millisecond
	h.svc.hold("start_visit")

	scheduled := inProgressVisit("v1")
	scheduled.Status = visits.StatusScheduled
	h.seed(scheduled)

	out, err := h.coord.StartVisit(context.Background(), "v1")
	require.Error(t, err)
	assert.True(t, visits.IsKind(err, visits.KindTransport))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, PhaseRolledBack, out.Phase)
	assert.Equal(t, visits.StatusScheduled, h.cached(t, "v1").Status)
}

func TestCoordinator_PaymentCorrectionIsFlagged(t *testing.T) {
	h := newHarness(t)
	v := inProgressVisit("v1")
	v.Status = visits.StatusCompleted
	v.PaymentStatus = visits.PaymentPaid
	h.seed(v)
	h.gate.set("f1", visits.RoleFinance)

	out, err := h.coord.UpdatePaymentStatus(context.Background(), "v1", visits.PaymentPending)
	require.NoError(t, err)
	assert.Equal(t, visits.PaymentCorrection, out.Payment)
	assert.Equal(t, visits.PaymentPending, h.cached(t, "v1").PaymentStatus)

	out, err = h.coord.UpdatePaymentStatus(context.Background(), "v1", visits.PaymentPending)
	require.NoError(t, err)
	assert.Equal(t, visits.PaymentUnchanged, out.Payment)

	out, err = h.coord.UpdatePaymentStatus(context.Background(), "v1", visits.PaymentPartial)
	require.NoError(t, err)
	assert.Equal(t, visits.PaymentForward, out.Payment)

	count, err := testutil.GatherAndCount(h.reg, "clinic_visitsync_payment_corrections_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, float64(2), h.counterValue(t, "clinic_visitsync_payment_corrections_total", nil))
	assert.Equal(t, float64(3), h.counterValue(t, "clinic_visitsync_mutations_total",
		map[string]string{"kind": "update_payment", "outcome": "committed"}))

	_, err = h.coord.UpdatePaymentStatus(context.Background(), "v1", visits.PaymentStatus("refunded"))
	assert.True(t, visits.IsKind(err, visits.KindValidation))
}

func TestCoordinator_UncachedPaymentWritesAreClassified(t *testing.T) {
	h := newHarness(t)
	h.gate.set("f1", visits.RoleFinance)
	paid := inProgressVisit("v1")
	paid.Status = visits.StatusCompleted
	paid.PaymentStatus = visits.PaymentPaid
	h.svc.put(paid)

	out, err := h.coord.UpdatePaymentStatus(context.Background(), "v1", visits.PaymentPending)
	require.NoError(t, err)
	assert.Equal(t, visits.PaymentCorrection, out.Payment)
	assert.Equal(t, float64(1), h.counterValue(t, "clinic_visitsync_payment_corrections_total", nil))
	assert.Equal(t, []string{"get_finance_visit", "update_payment_status"}, h.svc.callLog())

	unknown := inProgressVisit("v2")
	unknown.Status = visits.StatusCompleted
	unknown.PaymentStatus = ""
	h.svc.put(unknown)

	out, err = h.coord.UpdatePaymentStatus(context.Background(), "v2", visits.PaymentPaid)
	require.NoError(t, err)
	assert.Equal(t, visits.PaymentUnverified, out.Payment)
	assert.True(t, out.Committed())
	assert.Equal(t, float64(1), h.counterValue(t, "clinic_visitsync_payment_corrections_total", nil))
}

func (h *harness) latencySamples(t *testing.T, kind string) uint64 {
	t.Helper()
	families, err := h.reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "clinic_visitsync_mutation_latency_seconds" {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "kind" && l.GetValue() == kind {
					return m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}

func TestCoordinator_LatencyCoversOnlyDispatchedMutations(t *testing.T) {
	h := newHarness(t)
	completed := inProgressVisit("v1")
	completed.Status = visits.StatusCompleted
	h.seed(completed)
	h.seed(inProgressVisit("v2"))

	_, err := h.coord.CompleteVisit(context.Background(), "v1")
	require.Error(t, err)
	assert.Zero(t, h.latencySamples(t, "complete"))

	_, err = h.coord.CompleteVisit(context.Background(), "v2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.latencySamples(t, "complete"))
}

func TestCoordinator_CommitInvalidatesAggregates(t *testing.T) {
	h := newHarness(t)
	v := inProgressVisit("v1")
	h.seed(v)
	search := searchKey(visits.SearchFilters{})
	h.store.Set(search, searchEntry{result: visits.SearchResult{Visits: []visits.Visit{v}, Count: 1}})
	h.store.Set(dashboardKey, dashboardEntry{})

	diagnosis := "bronchitis"
	_, err := h.coord.UpdateVisit(context.Background(), "v1", visits.VisitUpdate{Diagnosis: &diagnosis})
	require.NoError(t, err)
	assert.False(t, h.store.Snapshot(dashboardKey).Stale, "clinical edits do not touch finance totals")
	snap := h.store.Snapshot(search)
	assert.False(t, snap.Stale)
	assert.Equal(t, "bronchitis", snap.Value.(searchEntry).result.Visits[0].Diagnosis)

	_, err = h.coord.AddTreatment(context.Background(), "v1", visits.TreatmentInput{Name: "X-ray", Quantity: 1, UnitPrice: money("80")})
	require.NoError(t, err)
	assert.True(t, h.store.Snapshot(dashboardKey).Stale)
	snap = h.store.Snapshot(search)
	assert.True(t, snap.Stale)
	assert.Equal(t, "80.00", snap.Value.(searchEntry).result.Visits[0].TotalAmount.StringFixed(2))
}

func TestCoordinator_Queries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := inProgressVisit("v1")
	h.svc.put(v)
	h.svc.dashboard = visits.DashboardStats{TotalRevenue: money("10"), CollectionRate: "50.00", CompletedVisits: 1}

	list, err := h.coord.MyVisits(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, err = h.coord.MyVisits(ctx)
	require.NoError(t, err)

	got, err := h.coord.Visit(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.ID)
	_, err = h.coord.FinanceVisit(ctx, "v1")
	require.NoError(t, err)
	_, err = h.coord.Visit(ctx, "")
	assert.ErrorIs(t, err, visits.ErrVisitRequired)

	res, err := h.coord.SearchVisits(ctx, visits.SearchFilters{Status: visits.StatusInProgress})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	res, err = h.coord.SearchVisits(ctx, visits.SearchFilters{Status: visits.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)

	stats, err := h.coord.DashboardStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "50.00", stats.CollectionRate)
	_, err = h.coord.RefreshDashboard(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"my_visits", "get_visit", "get_finance_visit", "search_visits", "search_visits",
		"dashboard_stats", "dashboard_stats",
	}, h.svc.callLog())

	_, err = h.coord.Visit(ctx, "missing")
	assert.True(t, visits.IsKind(err, visits.KindNotFound))
}

func TestCoordinator_DoctorsAreCached(t *testing.T) {
	h := newHarness(t)
	h.svc.doctors = []visits.DoctorRef{{ID: "d1", Name: "Dr. Grey", Specialization: "General Practice"}}

	doctors, err := h.coord.Doctors(context.Background())
	require.NoError(t, err)
	require.Len(t, doctors, 1)
	assert.Equal(t, "d1", doctors[0].ID)

	doctors[0].Name = "changed by caller"
	again, err := h.coord.Doctors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Dr. Grey", again[0].Name)
	assert.Equal(t, []string{"get_doctors"}, h.svc.callLog())

	h.svc.fail("get_doctors", transportErr("get_doctors"))
	h.store.Invalidate(DoctorsKey)
	_, err = h.coord.Doctors(context.Background())
	require.NoError(t, err, "a stale directory is served while it refreshes")
}

func TestCoordinator_ExportVisitsCSV(t *testing.T) {
	h := newHarness(t)
	h.svc.exportRows = []visits.ExportRow{
		{{Name: "Visit ID", Value: "v1"}, {Name: "Patient", Value: "Ada, L."}, {Name: "Total", Value: "60.00"}},
		{{Name: "Total", Value: "0.00"}, {Name: "Visit ID", Value: "v2"}},
	}

	var buf bytes.Buffer
	n, err := h.coord.ExportVisitsCSV(context.Background(), visits.SearchFilters{}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "Visit ID,Patient,Total\nv1,\"Ada, L.\",60.00\nv2,,0.00\n", buf.String())

	h.svc.exportRows = nil
	buf.Reset()
	n, err = h.coord.ExportVisitsCSV(context.Background(), visits.SearchFilters{}, &buf)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, buf.String())
}

func TestDependenciesFor(t *testing.T) {
	update := dependenciesFor(visits.ActionUpdate, "v1")
	assert.Equal(t, []cache.Key{"visit:v1", "finance-visit:v1"}, update.entities)
	assert.Empty(t, update.aggregates)

	pay := dependenciesFor(visits.ActionUpdatePayment, "v1")
	assert.Contains(t, pay.aggregates, "finance-dashboard")
	assert.Contains(t, pay.lists, "finance-visits:")

	create := dependenciesFor(visits.ActionCreate, "temp-1")
	assert.Empty(t, create.entities)
	assert.Equal(t, []string{"my-visits"}, create.lists)

	for _, action := range []visits.Action{
		visits.ActionStart, visits.ActionUpdate, visits.ActionComplete, visits.ActionCancel,
		visits.ActionAddTreatment, visits.ActionEditTreatment, visits.ActionDeleteTreatment, visits.ActionUpdatePayment,
	} {
		deps := dependenciesFor(action, "v1")
		assert.Contains(t, deps.gone, "my-visits", action)
		assert.Contains(t, deps.entities, visitKey("v1"), action)
	}
}
