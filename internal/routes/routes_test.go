package routes

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QuorumVault/internal/chain"
	"QuorumVault/internal/escrow"
	"QuorumVault/internal/escrow/escrowtest"
	"QuorumVault/internal/executor"
	"QuorumVault/internal/handlers"
	"QuorumVault/internal/merkle"
	"QuorumVault/internal/middleware"
	"QuorumVault/internal/models"
	"QuorumVault/internal/policy"
	"QuorumVault/internal/services"
)

const secret = "routes-secret"

type api struct {
	t   *testing.T
	app *fiber.App
	f   *escrowtest.Fixture
	eng *services.Engine
	sim *chain.Simulator
}

func newAPI(t *testing.T, demo bool) *api {
	t.Helper()
	f := escrowtest.New(t, 1, 0)
	sim := chain.NewSimulator()
	x := executor.New(f.Ledger, sim, executor.Config{MaxAttempts: 1}, nil)
	eng := services.NewEngine(policy.NewStore(f.Repo, nil), f.Ledger, f.Collector, x, nil, nil)
	handlers.Init(eng, nil)

	app := fiber.New()
	SetupRoutes(app, Options{JWTSecret: secret, DemoMode: demo})
	return &api{t: t, app: app, f: f, eng: eng, sim: sim}
}

func (a *api) token(addr int, role string) string {
	a.t.Helper()
	tok, err := middleware.IssueToken(secret, escrowtest.Address(addr), role, time.Hour)
	require.NoError(a.t, err)
	return tok
}

func (a *api) call(method, path, token string, body any, out any) int {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.app.Test(req)
	require.NoError(a.t, err)
	if out != nil {
		require.NoError(a.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func members(n int) []merkle.Member {
	out := make([]merkle.Member, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, merkle.Member{Address: escrowtest.Address(i), Weight: 1})
	}
	return out
}

func proofOf(t *testing.T, set []merkle.Member, addr int) []string {
	t.Helper()
	tree, err := merkle.BuildTree(set)
	require.NoError(t, err)
	proof, err := tree.Proof(escrowtest.Address(addr))
	require.NoError(t, err)
	return proof
}

func TestPaymentEscrowOverHTTP(t *testing.T) {
	a := newAPI(t, false)
	roles := members(3)
	owners := []merkle.Member{{Address: escrowtest.Address(100), Weight: 1}}

	var created struct {
		Policy models.Policy `json:"policy"`
	}
	policyReq := handlers.PolicyRequest{
		VaultID: "vault-http",
		Type:    models.PolicyPayment,
		Name:    "treasury",
		Payment: &models.PaymentRules{Threshold: 2},
		Members: &handlers.MembersRequest{Roles: roles, Owners: owners},
	}
	assert.Equal(t, fiber.StatusForbidden, a.call("POST", "/api/policies", a.token(100, ""), policyReq, nil))
	require.Equal(t, fiber.StatusCreated, a.call("POST", "/api/policies", a.token(900, middleware.RoleAdmin), policyReq, &created))
	policyID := created.Policy.ID

	var opened struct {
		Escrow models.Escrow `json:"escrow"`
	}
	owner := a.token(100, "")
	require.Equal(t, fiber.StatusCreated, a.call("POST", "/api/escrows", owner, handlers.CreateEscrowRequest{
		PolicyID:    policyID,
		TotalAmount: decimal.NewFromInt(250),
		Recipient:   escrowtest.Address(200),
		OwnerWeight: 1,
		OwnerProof:  proofOf(t, owners, 100),
	}, &opened))
	id := opened.Escrow.ID
	assert.Equal(t, models.EscrowDraft, opened.Escrow.State)

	// A non-owner cannot open or cancel escrows.
	assert.Equal(t, fiber.StatusForbidden, a.call("POST", "/api/escrows", a.token(1, ""), handlers.CreateEscrowRequest{
		PolicyID:    policyID,
		TotalAmount: decimal.NewFromInt(1),
		Recipient:   escrowtest.Address(200),
		OwnerWeight: 1,
		OwnerProof:  proofOf(t, owners, 100),
	}, nil))

	var approval struct {
		Approval escrow.ApprovalResult `json:"approval"`
	}
	require.Equal(t, fiber.StatusOK, a.call("POST", "/api/escrows/"+id+"/approvals", a.token(1, ""),
		handlers.ApprovalRequest{Weight: 1, Proof: proofOf(t, roles, 1)}, &approval))
	assert.False(t, approval.Approval.QuorumReached)

	var failure map[string]any
	assert.Equal(t, fiber.StatusConflict, a.call("POST", "/api/escrows/"+id+"/advance", owner, nil, &failure))
	assert.Equal(t, "quorum_not_reached", failure["kind"])
	assert.Equal(t, "2", failure["required"])

	// Wrong weight does not verify against the roles root.
	assert.Equal(t, fiber.StatusForbidden, a.call("POST", "/api/escrows/"+id+"/approvals", a.token(2, ""),
		handlers.ApprovalRequest{Weight: 5, Proof: proofOf(t, roles, 2)}, nil))

	require.Equal(t, fiber.StatusOK, a.call("POST", "/api/escrows/"+id+"/approvals", a.token(2, ""),
		handlers.ApprovalRequest{Weight: 1, Proof: proofOf(t, roles, 2)}, &approval))
	assert.True(t, approval.Approval.QuorumReached)
	assert.Equal(t, models.EscrowApproved, approval.Approval.State)

	var advanced struct {
		State models.EscrowState `json:"state"`
	}
	require.Equal(t, fiber.StatusOK, a.call("POST", "/api/escrows/"+id+"/advance", owner, nil, &advanced))
	assert.Equal(t, models.EscrowReady, advanced.State)
	require.Equal(t, fiber.StatusOK, a.call("POST", "/api/escrows/"+id+"/advance", owner, nil, &advanced))
	assert.Equal(t, 1, a.sim.Submissions())

	var view escrow.View
	require.Equal(t, fiber.StatusOK, a.call("GET", "/api/escrows/"+id, a.token(3, ""), nil, &view))
	assert.Equal(t, uint64(2), view.TotalWeight)
	assert.Equal(t, uint64(2), view.Threshold)
	assert.Len(t, view.Approvals, 2)
	assert.Equal(t, models.ExecutionSubmitted, view.Escrow.ExecutionStatus)

	var listed struct {
		Count int `json:"count"`
	}
	require.Equal(t, fiber.StatusOK, a.call("GET", "/api/vaults/vault-http/policies", owner, nil, &listed))
	assert.Equal(t, 1, listed.Count)

	assert.Equal(t, fiber.StatusNotFound, a.call("GET", "/api/escrows/missing", owner, nil, nil))
	assert.Equal(t, fiber.StatusUnauthorized, a.call("GET", "/api/escrows/"+id, "", nil, nil))
}

func TestDemoModeBlocksWritesButNotApprovals(t *testing.T) {
	a := newAPI(t, true)
	e := a.f.Payment(10, 0)

	assert.Equal(t, fiber.StatusForbidden, a.call("POST", "/api/escrows", a.token(100, ""), handlers.CreateEscrowRequest{
		PolicyID:    a.f.Policy.ID,
		TotalAmount: decimal.NewFromInt(1),
		Recipient:   escrowtest.Address(200),
	}, nil))
	assert.Equal(t, fiber.StatusForbidden, a.call("POST", "/api/escrows/"+e.ID+"/cancel", a.token(100, ""), handlers.CancelEscrowRequest{}, nil))

	var approval struct {
		Approval escrow.ApprovalResult `json:"approval"`
	}
	set := members(3)
	require.Equal(t, fiber.StatusOK, a.call("POST", "/api/escrows/"+e.ID+"/approvals", a.token(1, ""),
		handlers.ApprovalRequest{Weight: 1, Proof: proofOf(t, set, 1)}, &approval))
	assert.True(t, approval.Approval.QuorumReached)

	var health map[string]any
	require.Equal(t, fiber.StatusOK, a.call("GET", "/api/health", "", nil, &health))
	assert.Equal(t, true, health["demo_mode"])
}
