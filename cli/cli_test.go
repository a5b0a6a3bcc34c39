package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/commission"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/installment"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/sqlite"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"preview"}, {"competence"}, {"outbox", "list"}, {"outbox", "drop"}, {"outbox", "recover"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "%v", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "competence", "2025-03-19")
	assert.Error(t, err)
}

// =============================================================================
// PREVIEW
// =============================================================================

func TestPreview_Text(t *testing.T) {
	out, err := execute(t, "preview", "--credit", "100000", "--angel")
	require.NoError(t, err)
	assert.Contains(t, out, "1-10")
	assert.Contains(t, out, "50002.00")
	assert.Contains(t, out, "7050.00")
	assert.Contains(t, out, "2950.00")
	assert.Contains(t, out, "60002.00")
}

func TestPreview_JSONWithCustomRules(t *testing.T) {
	rules := `[{"start_installment":1,"end_installment":15,"consultant_rate":"1","manager_rate":"0.5","angel_rate":"0"}]`
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(rules), 0o600))

	out, err := execute(t, "--format", "json", "preview", "--credit", "1000", "--rules", path)
	require.NoError(t, err)

	var resp struct {
		Status string               `json:"status"`
		Data   commission.Breakdown `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Custom)
	assert.Equal(t, "150.00", resp.Data.Totals.Consultant.Display())
	assert.Equal(t, "75.00", resp.Data.Totals.Manager.Display())
}

func TestPreview_Errors(t *testing.T) {
	_, err := execute(t, "preview", "--credit", "abc")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "preview", "--credit", "10", "--rules", "/does/not/exist.json")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "preview")
	assert.Error(t, err, "--credit is required")
}

// =============================================================================
// COMPETENCE
// =============================================================================

func TestCompetence(t *testing.T) {
	out, err := execute(t, "--format", "json", "competence", "2025-03-19", "2025-03-20", "2025-06-18")
	require.NoError(t, err)

	var resp struct {
		Data []CompetenceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 3)
	assert.Equal(t, "2025-04", resp.Data[0].CompetenceMonth)
	assert.Equal(t, "2025-05", resp.Data[1].CompetenceMonth)
	assert.Equal(t, "2025-08", resp.Data[2].CompetenceMonth)
	assert.Equal(t, 17, resp.Data[2].CutoffDay)
}

func TestCompetence_WithConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("competence:\n  cutoff_days:\n    march: 25\n"), 0o600))

	out, err := execute(t, "--config", path, "competence", "2025-03-20")
	require.NoError(t, err)
	assert.Contains(t, out, "2025-04")
	assert.Contains(t, out, "25")
}

// =============================================================================
// OUTBOX
// =============================================================================

func seedOutbox(t *testing.T, path string, ids ...string) {
	t.Helper()
	q, err := sqlite.New(path)
	require.NoError(t, err)
	defer q.Close()
	for i, id := range ids {
		require.NoError(t, q.Enqueue(context.Background(), settlement.PendingWrite{
			LocalID: generic.LocalID(id),
			Payload: settlement.Record{
				ID:             generic.SaleID("sale-" + id),
				LocalID:        generic.LocalID(id),
				ClientName:     "Client " + id,
				SaleType:       settlement.SaleImovel,
				CreditValue:    generic.NewMoneyFromInt(10000),
				ConsultantName: "Ana",
				ManagerName:    "Bruno",
				Installments:   installment.NewLedger(),
				OverallStatus:  installment.EmAndamento,
			},
			EnqueuedAt:   time.Date(2025, time.March, 10, 9, i, 0, 0, time.UTC),
			AttemptCount: i,
		}))
	}
}

func TestOutbox_ListAndDrop(t *testing.T) {
	dir := t.TempDir()
	queue := filepath.Join(dir, "outbox.db")
	seedOutbox(t, queue, "local-a", "local-b")

	out, err := execute(t, "outbox", "list", "--queue-db", queue)
	require.NoError(t, err)
	assert.Contains(t, out, "local-a")
	assert.Contains(t, out, "Client b")

	_, err = execute(t, "outbox", "drop", "local-a", "--queue-db", queue)
	require.NoError(t, err)

	out, err = execute(t, "--format", "json", "outbox", "list", "--queue-db", queue)
	require.NoError(t, err)
	var resp struct {
		Data []OutboxEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, generic.LocalID("local-b"), resp.Data[0].LocalID)
	assert.Equal(t, 1, resp.Data[0].AttemptCount)

	_, err = execute(t, "outbox", "drop", "local-a", "--queue-db", queue)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestOutbox_Recover(t *testing.T) {
	// GIVEN: Two writes stuck in the outbox
	// WHEN: recover runs against a reachable SQLite remote store
	// THEN: Both are persisted and the outbox is empty

	dir := t.TempDir()
	queue := filepath.Join(dir, "outbox.db")
	remote := filepath.Join(dir, "sales.db")
	seedOutbox(t, queue, "local-a", "local-b")

	out, err := execute(t, "--format", "json", "outbox", "recover", "--queue-db", queue, "--remote-db", remote)
	require.NoError(t, err)

	var resp struct {
		Data settlement.RecoveryReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 2, resp.Data.Recovered)

	s, err := sqlite.New(remote)
	require.NoError(t, err)
	defer s.Close()
	stored, err := s.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	out, err = execute(t, "outbox", "list", "--queue-db", queue)
	require.NoError(t, err)
	assert.Contains(t, out, "(outbox empty)")
}

func TestOutbox_RecoverUnknownBackend(t *testing.T) {
	queue := filepath.Join(t.TempDir(), "outbox.db")
	_, err := execute(t, "outbox", "recover", "--queue-db", queue, "--remote", "mongo")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestOutbox_RecoverRefusesWhileAnotherProcessHoldsTheLock(t *testing.T) {
	dir := t.TempDir()
	queue := filepath.Join(dir, "outbox.db")
	remote := filepath.Join(dir, "sales.db")
	seedOutbox(t, queue, "local-a")

	server, err := sqlite.New(queue)
	require.NoError(t, err)
	defer server.Close()
	acquired, err := server.TryLockRecovery(context.Background(), "server", time.Now().UTC(), time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = execute(t, "outbox", "recover", "--queue-db", queue, "--remote-db", remote)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.ErrorIs(t, err, generic.ErrRecoveryInProgress)

	w, err := server.GetPending(context.Background(), "local-a")
	require.NoError(t, err)
	assert.Equal(t, 0, w.AttemptCount, "entry untouched")

	require.NoError(t, server.UnlockRecovery(context.Background(), "server"))
	_, err = execute(t, "outbox", "recover", "--queue-db", queue, "--remote-db", remote)
	require.NoError(t, err)
}
