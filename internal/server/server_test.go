package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lootline/internal/captcha"
	"lootline/internal/db"
	"lootline/internal/domain"
	"lootline/internal/events"
	"lootline/internal/game"
	"lootline/internal/ledger"
	"lootline/internal/matcher"
	"lootline/internal/migrate"
	"lootline/internal/roster"
)

type fakeAuthorizer struct {
	err error
}

func (f *fakeAuthorizer) AuthorizeAttack(ctx context.Context, proof string, teamID, mineID int64) (game.Authorization, error) {
	if f.err != nil {
		return game.Authorization{}, f.err
	}
	return game.Authorization{Signature: "0xsig", ExpireAt: time.Now().Add(5 * time.Minute)}, nil
}

type fakeStateSource struct{}

func (fakeStateSource) ActiveTeams(ctx context.Context, address string) ([]game.TeamState, error) {
	return []game.TeamState{{TeamID: 7, Faction: domain.FactionCraboid, BattlePoints: 650}}, nil
}

type testEnv struct {
	URL    string
	bridge *captcha.Bridge
	repo   ledger.Repo
	client *http.Client
}

func newTestEnv(t *testing.T, auth AuthConfig, authorizer captcha.Authorizer) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	repo := ledger.Repo{DB: conn}
	guard := matcher.NewGuard(time.Minute)
	bridge := captcha.New(authorizer, repo, guard, events.Writer{DB: conn}, time.Millisecond)
	rost := roster.New(fakeStateSource{}, []domain.Looter{{
		Address: "0xa",
		Name:    "alpha",
		Teams:   []domain.Team{{ID: 7, LooterAddress: "0xa"}},
	}})
	rost.Refresh(context.Background())
	exec := &ledger.Executor{Repo: repo, Confirmations: 1}

	handler, err := New(Config{
		Bridge:   bridge,
		Roster:   rost,
		Guard:    guard,
		Ledger:   repo,
		Executor: exec,
		Events:   events.Reader{DB: conn},
		BasePath: "/v0",
		Auth:     auth,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testEnv{
		URL:    "http://" + ln.Addr().String(),
		bridge: bridge,
		repo:   repo,
		client: &http.Client{},
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func openChallenge(t *testing.T, env *testEnv) domain.Challenge {
	t.Helper()
	ch, ok := env.bridge.Open(domain.Match{
		TeamID:        7,
		LooterAddress: "0xa",
		MineID:        42,
	}, domain.FactionRuined, time.Now().Add(10*time.Minute))
	require.True(t, ok)
	return ch
}

func TestChallengeDeliveryFlow(t *testing.T) {
	env := newTestEnv(t, AuthConfig{}, &fakeAuthorizer{})
	ch := openChallenge(t, env)

	res, data := doJSON(t, env.client, http.MethodGet, env.URL+"/v0/challenges", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var listed []ChallengeResponse
	require.NoError(t, json.Unmarshal(data, &listed))
	require.Len(t, listed, 1)
	require.Equal(t, ch.ID, listed[0].ID)

	// The open challenge alone makes the looter busy.
	res, data = doJSON(t, env.client, http.MethodGet, env.URL+"/v0/looters/0xa/status", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var before LooterStatusResponse
	require.NoError(t, json.Unmarshal(data, &before))
	require.True(t, before.Busy)
	require.Equal(t, 1, before.PendingVerifications)
	require.Equal(t, 0, before.PendingCommitments)

	res, data = doJSON(t, env.client, http.MethodPost, env.URL+"/v0/challenges/"+ch.ID+"/result",
		map[string]any{"proof": "solved"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, env.client, http.MethodGet, env.URL+"/v0/commitments/42", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var cm CommitmentResponse
	require.NoError(t, json.Unmarshal(data, &cm))
	require.Equal(t, "pending", cm.Status)
	require.Equal(t, int64(7), cm.TeamID)

	res, data = doJSON(t, env.client, http.MethodGet, env.URL+"/v0/looters/0xa/status", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var status LooterStatusResponse
	require.NoError(t, json.Unmarshal(data, &status))
	require.True(t, status.Busy)
	require.True(t, status.CoolingDown)
	require.Equal(t, 0, status.PendingVerifications)
	require.Equal(t, 1, status.PendingCommitments)
	require.Len(t, status.Teams, 1)
}

func TestDeliverUnknownChallengeIs404(t *testing.T) {
	env := newTestEnv(t, AuthConfig{}, &fakeAuthorizer{})
	res, _ := doJSON(t, env.client, http.MethodPost, env.URL+"/v0/challenges/missing/result",
		map[string]any{"proof": "solved"}, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestDeliverEmptyProofRejected(t *testing.T) {
	env := newTestEnv(t, AuthConfig{}, &fakeAuthorizer{})
	ch := openChallenge(t, env)
	res, _ := doJSON(t, env.client, http.MethodPost, env.URL+"/v0/challenges/"+ch.ID+"/result",
		map[string]any{"proof": "  "}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestUpstreamFailureIsBadGateway(t *testing.T) {
	env := newTestEnv(t, AuthConfig{}, &fakeAuthorizer{err: &game.APIError{StatusCode: 500, Body: "boom"}})
	ch := openChallenge(t, env)
	res, _ := doJSON(t, env.client, http.MethodPost, env.URL+"/v0/challenges/"+ch.ID+"/result",
		map[string]any{"proof": "solved"}, nil)
	require.Equal(t, http.StatusBadGateway, res.StatusCode)
}

func TestOperatorKeyGuardsAPI(t *testing.T) {
	env := newTestEnv(t, AuthConfig{OperatorKey: "sekrit"}, &fakeAuthorizer{})

	res, _ := doJSON(t, env.client, http.MethodGet, env.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = doJSON(t, env.client, http.MethodGet, env.URL+"/v0/status", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, env.client, http.MethodGet, env.URL+"/v0/status", nil,
		map[string]string{"X-Operator-Key": "wrong"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data := doJSON(t, env.client, http.MethodGet, env.URL+"/v0/status", nil,
		map[string]string{"X-Operator-Key": "sekrit"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(data, &status))
	require.Equal(t, 1, status.Looters)
	require.Equal(t, 1, status.EligibleTeams)
}

func TestStatusCountsChallengesAndCommitments(t *testing.T) {
	env := newTestEnv(t, AuthConfig{}, &fakeAuthorizer{})
	openChallenge(t, env)
	require.NoError(t, env.repo.Record(context.Background(), domain.Commitment{
		MineID:        99,
		TeamID:        8,
		LooterAddress: "0xb",
		Signature:     "0xs",
		ExpireAt:      time.Now().Add(5 * time.Minute),
	}))
	exec := &ledger.Executor{Repo: env.repo}
	require.NoError(t, exec.Load(context.Background()))

	res, data := doJSON(t, env.client, http.MethodGet, env.URL+"/v0/status", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(data, &status))
	require.Equal(t, 1, status.OpenChallenges)
}

func TestDeliveryStampsOperatorInAuditLog(t *testing.T) {
	env := newTestEnv(t, AuthConfig{OperatorKey: "sekrit"}, &fakeAuthorizer{})
	ch := openChallenge(t, env)
	key := map[string]string{"X-Operator-Key": "sekrit"}

	res, _ := doJSON(t, env.client, http.MethodPost, env.URL+"/v0/challenges/"+ch.ID+"/result",
		map[string]any{"proof": "solved"}, key)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, env.client, http.MethodGet, env.URL+"/v0/events?type=commitment.recorded", nil, key)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var items []EventResponse
	require.NoError(t, json.Unmarshal(data, &items))
	require.Len(t, items, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(items[0].Payload, &payload))
	require.Equal(t, "operator", payload["delivered_by"])
}

func TestEventsEndpointReturnsAuditLog(t *testing.T) {
	env := newTestEnv(t, AuthConfig{}, &fakeAuthorizer{})
	ch := openChallenge(t, env)
	res, _ := doJSON(t, env.client, http.MethodPost, env.URL+"/v0/challenges/"+ch.ID+"/result",
		map[string]any{"proof": "solved"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, env.client, http.MethodGet, env.URL+"/v0/events?entity_kind=challenge", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var items []EventResponse
	require.NoError(t, json.Unmarshal(data, &items))
	require.NotEmpty(t, items)
	require.Equal(t, "commitment.recorded", items[0].Type)
}
