package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/installment"
	"github.com/warp/settlement-engine/settlement"
)

func statusCounts(p *settlement.Pipeline) map[installment.OverallStatus]int {
	return p.Records().Summary().ByStatus
}

func TestScenario_Collections(t *testing.T) {
	// GIVEN: The collections scenario
	// WHEN: Loading it
	// THEN: One sale lands in each overall status

	s := newTestServer(t)
	require.NoError(t, s.handler.loadCollectionsScenario(context.Background()))
	s.pipeline.Close()

	counts := statusCounts(s.pipeline)
	assert.Equal(t, 1, counts[installment.EmAndamento])
	assert.Equal(t, 1, counts[installment.OverallAtraso])
	assert.Equal(t, 1, counts[installment.Concluido])
	assert.Equal(t, 1, counts[installment.OverallCancelado])
	assert.Equal(t, 4, s.remote.Len())
	assert.Equal(t, 0, s.queue.Len())
}

func TestScenario_AngelTeamCompetence(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.handler.loadAngelTeamScenario(context.Background()))
	s.pipeline.Close()

	months := map[string][]string{}
	for _, r := range s.pipeline.Records().List() {
		assert.True(t, r.HasAngel())
		for _, info := range r.Installments.All() {
			if info.CompetenceMonth != nil {
				months[r.ClientName] = append(months[r.ClientName], info.CompetenceMonth.String())
			}
		}
	}
	assert.Equal(t, []string{"2025-04", "2025-06"}, months["Carlos Pereira"])
	assert.Equal(t, []string{"2025-03"}, months["Joana Alves"])
}

func TestScenario_CustomRules(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.handler.loadCustomRulesScenario(context.Background()))

	totals := map[string]string{}
	for _, r := range s.pipeline.Records().List() {
		totals[r.ClientName] = r.Breakdown.Totals.Consultant.Display()
	}
	// 1% x 10 + 0.5% x 11 on 150000, overlap 5-10 counted twice
	assert.Equal(t, "23250.00", totals["Regra sum"])
	// only 11-15 from the second rule
	assert.Equal(t, "18750.00", totals["Regra first_match"])
}

func TestLoadScenario_ReplacesSales(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "collections"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.pipeline.Close()

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "single-sale"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.pipeline.Close()

	assert.Equal(t, 1, s.pipeline.Records().Len())
	assert.Equal(t, 1, s.remote.Len())

	current := decode[ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios/current", nil))
	assert.Equal(t, "single-sale", current.ID)

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListScenarios(t *testing.T) {
	s := newTestServer(t)
	list := decode[[]ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios", nil))
	assert.Len(t, list, len(s.handler.loaders()))
	for _, sc := range list {
		_, ok := s.handler.loaders()[sc.ID]
		assert.True(t, ok, sc.ID)
	}
}

func TestScheduler_RunNowAndStop(t *testing.T) {
	// GIVEN: A sale stuck in the outbox and a scheduler with no startup delay
	// WHEN: The scheduler runs after the remote heals
	// THEN: The sale is persisted and the report is kept

	s := newTestServer(t)
	s.remote.FailAlways(nil)
	s.registerSale(t)
	s.pipeline.Close()
	s.remote.Heal()

	sched := NewRecoveryScheduler(s.pipeline, s.handler.Config)
	sched.Logger = s.handler.Pipeline.Logger()
	sched.StartupDelay = 0
	sched.Interval = time.Hour
	sched.Start()
	defer sched.Stop()

	require.Eventually(t, func() bool {
		_, ok := sched.LastReport()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	report, _ := sched.LastReport()
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, 1, s.remote.Len())

	next, running := sched.NextRunTime()
	assert.True(t, running)
	assert.False(t, next.IsZero())

	sched.Stop()
	_, running = sched.NextRunTime()
	assert.False(t, running)
}

func TestScheduler_Disabled(t *testing.T) {
	s := newTestServer(t)
	sched := NewRecoveryScheduler(s.pipeline, s.handler.Config)
	sched.Logger = s.handler.Pipeline.Logger()
	sched.Enabled = false
	sched.Start()
	_, running := sched.NextRunTime()
	assert.False(t, running)
	sched.Stop()
}
