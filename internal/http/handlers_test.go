package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/freight-dispatch/internal/auth"
	"github.com/example/freight-dispatch/internal/bidding"
	"github.com/example/freight-dispatch/internal/drivers"
	"github.com/example/freight-dispatch/internal/earnings"
	"github.com/example/freight-dispatch/internal/events/eventstest"
	"github.com/example/freight-dispatch/internal/jobs"
	"github.com/example/freight-dispatch/internal/logging"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/payments"
	"github.com/example/freight-dispatch/internal/realtime"
	"github.com/example/freight-dispatch/internal/storage"
)

type testServer struct {
	t      *testing.T
	srv    *Server
	verify *auth.Verifier
}

func newTestServer(t *testing.T, ready map[string]Checker) *testServer {
	t.Helper()
	store := storage.NewMemoryStore()
	n, _ := eventstest.NewNotifier()
	log := logging.Discard()
	ledger := earnings.NewLedger(store, n, log)
	m := jobs.NewMachine(store, n, ledger, nil, log)
	v, err := auth.NewVerifier("test-secret")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	srv := NewServer(Deps{
		Jobs:     m,
		Bids:     bidding.NewLedger(store, m, n, log),
		Payments: payments.NewGate(store, m, n, nil, payments.Config{}, log),
		Drivers:  drivers.NewManager(store, n, nil, log),
		Earnings: ledger,
		Hub:      realtime.NewHub(log),
		Auth:     v,
		Logger:   log,
		Ready:    ready,
	})
	return &testServer{t: t, srv: srv, verify: v}
}

func (ts *testServer) token(userID string, role models.Role) string {
	ts.t.Helper()
	tok, err := ts.verify.Issue(models.Actor{UserID: userID, Role: role}, time.Hour)
	if err != nil {
		ts.t.Fatalf("issue: %v", err)
	}
	return tok
}

// do sends body as JSON and decodes the response into out when non-nil.
func (ts *testServer) do(method, path, token string, body, out any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			ts.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ts.srv.ServeHTTP(rr, req)
	if out != nil && rr.Code < 300 {
		if err := json.Unmarshal(rr.Body.Bytes(), out); err != nil {
			ts.t.Fatalf("decode %s %s: %v (%s)", method, path, err, rr.Body.String())
		}
	}
	return rr
}

func errorKind(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body: %v", err)
	}
	return body["kind"]
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, map[string]Checker{
		"store": func(context.Context) error { return nil },
	})
	if rr := ts.do(http.MethodGet, "/healthz", "", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rr.Code)
	}
	if rr := ts.do(http.MethodGet, "/readyz", "", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rr.Code)
	}
	if rr := ts.do(http.MethodGet, "/healthz", "", nil, nil); rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id header missing")
	}

	down := newTestServer(t, map[string]Checker{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	if rr := down.do(http.MethodGet, "/readyz", "", nil, nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing check = %d", rr.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	ts := newTestServer(t, nil)
	if rr := ts.do(http.MethodGet, "/v1/jobs", "", nil, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rr.Code)
	}
	if rr := ts.do(http.MethodGet, "/v1/jobs", "garbage", nil, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", rr.Code)
	}
}

func TestBidAcceptConfirmFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	customer := ts.token("c1", models.RoleCustomer)
	driver := ts.token("d1", models.RoleDriver)

	if rr := ts.do(http.MethodPost, "/v1/drivers", driver, drivers.RegisterInput{Name: "Dee"}, nil); rr.Code != http.StatusCreated {
		t.Fatalf("register = %d %s", rr.Code, rr.Body.String())
	}

	var job models.Job
	rr := ts.do(http.MethodPost, "/v1/jobs", customer, jobs.CreateInput{
		Pickup:      models.Place{Address: "Dock 4", Coord: models.Coord{Lat: 52.5, Lng: 13.4}},
		Destination: models.Place{Address: "Warehouse 9", Coord: models.Coord{Lat: 52.4, Lng: 13.5}},
		Amount:      100,
	}, &job)
	if rr.Code != http.StatusCreated || job.Status != models.JobPending {
		t.Fatalf("create = %d %+v", rr.Code, job)
	}

	var open []*models.Job
	ts.do(http.MethodGet, "/v1/jobs?scope=open", driver, nil, &open)
	if len(open) != 1 || open[0].ID != job.ID {
		t.Fatalf("driver should see the open job, got %d", len(open))
	}

	var bid models.Bid
	rr = ts.do(http.MethodPost, "/v1/jobs/"+job.ID+"/bids", driver, priceBody{Price: 90}, &bid)
	if rr.Code != http.StatusCreated || bid.DriverID != "d1" {
		t.Fatalf("bid = %d %+v", rr.Code, bid)
	}

	if rr := ts.do(http.MethodPost, "/v1/bids/"+bid.ID+"/accept", driver, nil, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("driver accepting own bid = %d", rr.Code)
	}
	if rr := ts.do(http.MethodPost, "/v1/bids/"+bid.ID+"/accept", customer, nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("accept = %d %s", rr.Code, rr.Body.String())
	}

	var receipt payments.Receipt
	rr = ts.do(http.MethodPost, "/v1/jobs/"+job.ID+"/payment/confirm", customer, map[string]string{"method": "card"}, &receipt)
	if rr.Code != http.StatusOK || receipt.Job.Status != models.JobActive || receipt.Payment.Amount != 90 {
		t.Fatalf("confirm = %d %s", rr.Code, rr.Body.String())
	}

	for _, st := range []models.JobStatus{models.JobPickupArrived, models.JobPickupCompleted, models.JobDeliveryArrived, models.JobCompleted} {
		if rr := ts.do(http.MethodPost, "/v1/jobs/"+job.ID+"/transition", driver, map[string]models.JobStatus{"status": st}, nil); rr.Code != http.StatusOK {
			t.Fatalf("transition to %s = %d %s", st, rr.Code, rr.Body.String())
		}
	}

	var sum earnings.Summary
	ts.do(http.MethodGet, "/v1/drivers/d1/earnings/summary", driver, nil, &sum)
	if sum.Count != 1 || sum.Unpaid != 90 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	admin := ts.token("ops", models.RoleAdmin)
	if rr := ts.do(http.MethodPost, "/v1/jobs/"+job.ID+"/settle", driver, nil, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("driver settle = %d", rr.Code)
	}
	if rr := ts.do(http.MethodPost, "/v1/jobs/"+job.ID+"/settle", admin, nil, nil); rr.Code != http.StatusConflict {
		t.Fatalf("settling a settled job = %d %s", rr.Code, rr.Body.String())
	}

	var tl []jobs.TimelineEntry
	ts.do(http.MethodGet, "/v1/jobs/"+job.ID+"/timeline", customer, nil, &tl)
	if len(tl) != 7 {
		t.Fatalf("timeline entries = %d", len(tl))
	}
}

func TestErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t, nil)
	customer := ts.token("c1", models.RoleCustomer)
	admin := ts.token("ops", models.RoleAdmin)

	var job models.Job
	ts.do(http.MethodPost, "/v1/jobs", customer, jobs.CreateInput{Amount: 50}, &job)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		kind   string
	}{
		{"missing job", http.MethodGet, "/v1/jobs/nope", admin, nil, http.StatusNotFound, "not_found"},
		{"skip checkpoint", http.MethodPost, "/v1/jobs/" + job.ID + "/transition", admin, map[string]string{"status": "COMPLETED"}, http.StatusConflict, "invalid_transition"},
		{"bad amount", http.MethodPost, "/v1/jobs", customer, jobs.CreateInput{Amount: -1}, http.StatusBadRequest, "invalid_argument"},
		{"unknown field", http.MethodPost, "/v1/jobs", customer, map[string]any{"price": 10}, http.StatusBadRequest, "invalid_argument"},
		{"customer assigns", http.MethodPost, "/v1/jobs/" + job.ID + "/assign", customer, map[string]string{"driver_id": "d1"}, http.StatusForbidden, "forbidden"},
		{"admin creates job", http.MethodPost, "/v1/jobs", admin, jobs.CreateInput{Amount: 5}, http.StatusForbidden, "forbidden"},
		{"other driver's earnings", http.MethodGet, "/v1/drivers/d9/earnings", ts.token("d1", models.RoleDriver), nil, http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := ts.do(tc.method, tc.path, tc.token, tc.body, nil)
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tc.status, rr.Body.String())
			}
			if k := errorKind(t, rr); k != tc.kind {
				t.Fatalf("kind = %q, want %q", k, tc.kind)
			}
		})
	}
}

func TestJobVisibility(t *testing.T) {
	ts := newTestServer(t, nil)
	var job models.Job
	ts.do(http.MethodPost, "/v1/jobs", ts.token("c1", models.RoleCustomer), jobs.CreateInput{Amount: 20}, &job)

	if rr := ts.do(http.MethodGet, "/v1/jobs/"+job.ID, ts.token("c2", models.RoleCustomer), nil, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("other customer = %d", rr.Code)
	}
	if rr := ts.do(http.MethodGet, "/v1/jobs/"+job.ID, ts.token("d5", models.RoleDriver), nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("driver browsing a pending job = %d", rr.Code)
	}
	if rr := ts.do(http.MethodGet, "/v1/jobs/"+job.ID+"/bids", ts.token("d5", models.RoleDriver), nil, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("driver listing job bids = %d", rr.Code)
	}
}

func TestPaymentIntentWithoutGateway(t *testing.T) {
	ts := newTestServer(t, nil)
	customer := ts.token("c1", models.RoleCustomer)
	var job models.Job
	ts.do(http.MethodPost, "/v1/jobs", customer, jobs.CreateInput{Amount: 20}, &job)

	rr := ts.do(http.MethodPost, "/v1/jobs/"+job.ID+"/payment/intent", customer, nil, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("intent without gateway = %d %s", rr.Code, rr.Body.String())
	}
}
