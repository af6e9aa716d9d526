package floorapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/plantfloor/workboard/internal/app/activity"
	"github.com/plantfloor/workboard/internal/app/directory"
	"github.com/plantfloor/workboard/internal/app/identity"
	"github.com/plantfloor/workboard/internal/app/workforce"
	platformauth "github.com/plantfloor/workboard/internal/platform/auth"
	"github.com/plantfloor/workboard/internal/platform/erp"
	"golang.org/x/crypto/bcrypt"
)

type fakeIdentityRepo struct {
	workersByCode map[string]identity.WorkerCredentials
	workersByID   map[string]identity.WorkerCredentials
	tokensByHash  map[string]identity.RefreshToken
}

func newFakeIdentityRepo() *fakeIdentityRepo {
	return &fakeIdentityRepo{
		workersByCode: map[string]identity.WorkerCredentials{},
		workersByID:   map[string]identity.WorkerCredentials{},
		tokensByHash:  map[string]identity.RefreshToken{},
	}
}

func (f *fakeIdentityRepo) EnsureSchema(context.Context) error { return nil }

func (f *fakeIdentityRepo) FindWorkerByLoginCode(_ context.Context, loginCode string) (identity.WorkerCredentials, error) {
	w, ok := f.workersByCode[loginCode]
	if !ok {
		return identity.WorkerCredentials{}, identity.ErrNotFound
	}
	return w, nil
}

func (f *fakeIdentityRepo) FindWorkerByID(_ context.Context, workerID string) (identity.WorkerCredentials, error) {
	w, ok := f.workersByID[workerID]
	if !ok {
		return identity.WorkerCredentials{}, identity.ErrNotFound
	}
	return w, nil
}

func (f *fakeIdentityRepo) CreateRefreshToken(_ context.Context, token identity.RefreshToken) error {
	f.tokensByHash[token.TokenHash] = token
	return nil
}

func (f *fakeIdentityRepo) FindRefreshTokenByHash(_ context.Context, tokenHash string) (identity.RefreshToken, error) {
	rt, ok := f.tokensByHash[tokenHash]
	if !ok || rt.RevokedAt != nil {
		return identity.RefreshToken{}, identity.ErrNotFound
	}
	return rt, nil
}

func (f *fakeIdentityRepo) RevokeRefreshToken(_ context.Context, tokenID string) error {
	now := time.Now().UTC()
	for hash, rt := range f.tokensByHash {
		if rt.TokenID == tokenID {
			rt.RevokedAt = &now
			f.tokensByHash[hash] = rt
		}
	}
	return nil
}

type fakeDirectoryRepo struct {
	machines []directory.Machine
	workers  []directory.Worker
}

func (f *fakeDirectoryRepo) EnsureSchema(context.Context) error { return nil }

func (f *fakeDirectoryRepo) ListMachines(context.Context) ([]directory.Machine, error) {
	return f.machines, nil
}

func (f *fakeDirectoryRepo) ListWorkersWithAssignment(context.Context) ([]directory.Worker, error) {
	return f.workers, nil
}

func (f *fakeDirectoryRepo) FindMachine(_ context.Context, machineID string) (directory.Machine, error) {
	for _, m := range f.machines {
		if m.MachineID == machineID {
			return m, nil
		}
	}
	return directory.Machine{}, directory.ErrNotFound
}

type fakeEventReader struct {
	byPair map[string][]activity.Event
	today  []activity.Event
}

func (f *fakeEventReader) FindLatestEventsToday(context.Context) ([]activity.Event, error) {
	return f.today, nil
}

func (f *fakeEventReader) FindEventsFor(_ context.Context, workerID, workOrderID string) ([]activity.Event, error) {
	return f.byPair[workerID+"|"+workOrderID], nil
}

type fakeGateway struct{ docs []erp.Document }

func (f *fakeGateway) Create(_ context.Context, doc erp.Document) error {
	f.docs = append(f.docs, doc)
	return nil
}

func assignedTo(machineID string) *string { return &machineID }

func newHandlerForTests(t *testing.T) (*Handler, string) {
	t.Helper()

	pinHash, err := bcrypt.GenerateFromPassword([]byte("1234"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt error: %v", err)
	}
	identityRepo := newFakeIdentityRepo()
	worker := identity.WorkerCredentials{WorkerID: "w1", FullName: "Ana Vega", LoginCode: "20", PinHash: string(pinHash)}
	identityRepo.workersByCode["20"] = worker
	identityRepo.workersByID["w1"] = worker

	mgr := platformauth.NewManager("secret", time.Hour)
	identitySvc := identity.NewService(identityRepo, mgr)

	dir := &fakeDirectoryRepo{
		machines: []directory.Machine{
			{MachineID: "m1", MachineName: "Lathe", SecondaryAssigneeCodes: "20,30"},
			{MachineID: "m2", MachineName: "Mill", DefaultAssigneeCode: "30"},
		},
		workers: []directory.Worker{
			{WorkerID: "w1", FullName: "Ana Vega", LoginCode: "20", AssignedMachineID: assignedTo("m1")},
			{WorkerID: "w2", FullName: "Ben Ito", LoginCode: "30"},
		},
	}
	events := &fakeEventReader{byPair: map[string][]activity.Event{}}

	activitySvc := activity.NewService(dir, events, &fakeGateway{}, func(string, []byte) error { return nil })
	activitySvc.NewID = func() string { return "evt-1" }
	workforceSvc := workforce.NewService(dir, events, "en")

	handler := NewHandler(activitySvc, workforceSvc, identitySvc, dir, "")

	token, err := mgr.Sign("w1", "20")
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	return handler, token
}

func TestRecordAction_RequiresToken(t *testing.T) {
	handler, _ := newHandlerForTests(t)

	body, _ := json.Marshal(activity.ActionRequest{Action: "start", WorkOrderID: "wo-1", MachineID: "m1"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/activity", bytes.NewBuffer(body))
	handler.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRecordAction_StartRecorded(t *testing.T) {
	handler, token := newHandlerForTests(t)

	body, _ := json.Marshal(activity.ActionRequest{Action: "start", WorkOrderID: "wo-1", MachineID: "m1"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/activity", bytes.NewBuffer(body))
	req.Header.Set("Authorization", "Bearer "+token)
	handler.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp activity.ActionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if resp.Status != "recorded" || resp.Kind != activity.KindStart {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRecordAction_NotAuthorizedMachine(t *testing.T) {
	handler, token := newHandlerForTests(t)

	// m2 only authorizes login code 30.
	body, _ := json.Marshal(activity.ActionRequest{Action: "start", WorkOrderID: "wo-1", MachineID: "m2"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/activity", bytes.NewBuffer(body))
	req.Header.Set("Authorization", "Bearer "+token)
	handler.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRecordAction_InvalidTransitionConflict(t *testing.T) {
	handler, token := newHandlerForTests(t)

	// No prior events: resume is not available.
	body, _ := json.Marshal(activity.ActionRequest{Action: "resume", WorkOrderID: "wo-1", MachineID: "m1"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/activity", bytes.NewBuffer(body))
	req.Header.Set("Authorization", "Bearer "+token)
	handler.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRecordAction_StopWithoutReason(t *testing.T) {
	handler, token := newHandlerForTests(t)

	// Seed a running pair so only the missing reason blocks the stop.
	events := handler.Activity.Events.(*fakeEventReader)
	events.byPair["w1|wo-1"] = []activity.Event{{Kind: activity.KindStart, OccurredAt: time.Now()}}

	body, _ := json.Marshal(activity.ActionRequest{Action: "stop", WorkOrderID: "wo-1", MachineID: "m1"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/activity", bytes.NewBuffer(body))
	req.Header.Set("Authorization", "Bearer "+token)
	handler.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAuthLoginRefreshLogout(t *testing.T) {
	handler, _ := newHandlerForTests(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBufferString(`{"login_code":"20","pin":"1234"}`))
	handler.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var logged identity.AuthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &logged); err != nil {
		t.Fatalf("invalid login response: %v", err)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", bytes.NewBufferString(`{"refresh_token":"`+logged.RefreshToken+`"}`))
	handler.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var refreshed identity.AuthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &refreshed); err != nil {
		t.Fatalf("invalid refresh response: %v", err)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", bytes.NewBufferString(`{"refresh_token":"`+refreshed.RefreshToken+`"}`))
	handler.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestLogin_WrongPin(t *testing.T) {
	handler, _ := newHandlerForTests(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBufferString(`{"login_code":"20","pin":"9999"}`))
	handler.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestListMachines_FilteredByAuthorization(t *testing.T) {
	handler, token := newHandlerForTests(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/machines", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Machines []directory.Machine `json:"machines"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if len(resp.Machines) != 1 || resp.Machines[0].MachineID != "m1" {
		t.Fatalf("expected only m1 for login 20, got %+v", resp.Machines)
	}
}

func TestMachineWorkers_UnknownMachine(t *testing.T) {
	handler, token := newHandlerForTests(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/machines/nope/workers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestWorkforceSnapshot(t *testing.T) {
	handler, token := newHandlerForTests(t)

	events := handler.Activity.Events.(*fakeEventReader)
	events.today = []activity.Event{
		{WorkerID: "w1", WorkOrderID: "wo-1", Kind: activity.KindStart, OccurredAt: time.Now(), Seq: 1},
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/workforce?shift=A", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var snap workforce.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("invalid snapshot JSON: %v", err)
	}
	if snap.ShiftFilter != "A" {
		t.Fatalf("expected echoed shift filter, got %q", snap.ShiftFilter)
	}
	if len(snap.Machines) != 3 {
		t.Fatalf("expected 2 machine cards plus idle pool, got %+v", snap.Machines)
	}
	last := snap.Machines[len(snap.Machines)-1]
	if last.MachineID != workforce.IdlePoolID || len(last.Available) != 1 {
		t.Fatalf("expected w2 in the idle pool, got %+v", last)
	}
}
