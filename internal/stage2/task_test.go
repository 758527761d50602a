package stage2

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/eventphone/routingengine/internal/bus"
	"github.com/eventphone/routingengine/internal/cache"
	"github.com/eventphone/routingengine/internal/database"
	"github.com/eventphone/routingengine/internal/database/models"
	"github.com/eventphone/routingengine/internal/retry"
)

type fakeUserRepo struct {
	byUsername map[string]models.User
	trunks     []models.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{byUsername: make(map[string]models.User)}
}

func (r *fakeUserRepo) add(u models.User) {
	if u.Trunk {
		r.trunks = append(r.trunks, u)
		return
	}
	r.byUsername[u.Username] = u
}

func (r *fakeUserRepo) LoadUser(ctx context.Context, username string) (*models.User, error) {
	u, ok := r.byUsername[username]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := u
	return &copied, nil
}

func (r *fakeUserRepo) LoadTrunk(ctx context.Context, dialedNumber string) (*models.User, error) {
	for _, u := range r.trunks {
		if len(dialedNumber) >= len(u.Username) && dialedNumber[:len(u.Username)] == u.Username {
			copied := u
			return &copied, nil
		}
	}
	return nil, database.ErrNotFound
}

type fakeRegistrationRepo struct {
	byUsername map[string][]models.Registration
}

func (r *fakeRegistrationRepo) LoadLocationsFor(ctx context.Context, username string) ([]models.Registration, error) {
	return r.byUsername[username], nil
}

type fakeActiveCallRepo struct {
	active map[string]bool
}

func (r *fakeActiveCallRepo) IsActiveCall(ctx context.Context, username, eventphoneID string) (bool, error) {
	return r.active[username+"|"+eventphoneID], nil
}

func newTestTask(users *fakeUserRepo, regs *fakeRegistrationRepo, activeCalls *fakeActiveCallRepo, busy cache.BusyCache) (*Task, *bus.FakeClient) {
	client := bus.NewFakeClient()
	cfg := Config{RetryPolicy: retry.NewPolicy(2, time.Millisecond)}
	logger := slog.New(slog.NewTextHandler(nopWriter{}, nil))
	task := NewTask(cfg, client, users, regs, activeCalls, busy, logger)
	if err := task.Register(client); err != nil {
		panic(err)
	}
	return task, client
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestHandleSingleLocationSucceeds(t *testing.T) {
	users := newFakeUserRepo()
	users.add(models.User{Username: "2042", CallWaiting: true})
	regs := &fakeRegistrationRepo{byUsername: map[string][]models.Registration{
		"2042": {{Username: "2042", Location: "sip:2042@phone.local", OConnectionID: "conn-1"}},
	}}
	activeCalls := &fakeActiveCallRepo{active: map[string]bool{}}
	_, client := newTestTask(users, regs, activeCalls, cache.NewMemoryBusyCache())

	msg := &bus.Message{Name: "call.route", Params: map[string]string{
		"caller": "100",
		"called": "stage2-2042",
	}}

	if !client.Dispatch(msg) {
		t.Fatalf("expected the message to be handled")
	}
	if msg.ReturnValue != "sip:2042@phone.local" {
		t.Errorf("ReturnValue = %q, want sip:2042@phone.local", msg.ReturnValue)
	}
	if msg.Param("oconnection_id") != "conn-1" {
		t.Errorf("oconnection_id = %q, want conn-1", msg.Param("oconnection_id"))
	}
	if msg.Param("copyparams") != "X-Eventphone-Id" {
		t.Errorf("copyparams = %q, want X-Eventphone-Id", msg.Param("copyparams"))
	}
}

func TestHandleMultipleLocationsFork(t *testing.T) {
	users := newFakeUserRepo()
	users.add(models.User{Username: "2042", CallWaiting: true})
	regs := &fakeRegistrationRepo{byUsername: map[string][]models.Registration{
		"2042": {
			{Username: "2042", Location: "sip:a@phone.local", OConnectionID: "conn-1"},
			{Username: "2042", Location: "sip:b@phone.local", OConnectionID: "conn-2"},
		},
	}}
	activeCalls := &fakeActiveCallRepo{active: map[string]bool{}}
	_, client := newTestTask(users, regs, activeCalls, cache.NewMemoryBusyCache())

	msg := &bus.Message{Name: "call.route", Params: map[string]string{
		"caller": "100",
		"called": "2042",
	}}

	client.Dispatch(msg)
	if msg.ReturnValue != "fork" {
		t.Fatalf("ReturnValue = %q, want fork", msg.ReturnValue)
	}
	if msg.Param("callto.1") != "sip:a@phone.local" || msg.Param("callto.1.oconnection_id") != "conn-1" {
		t.Errorf("unexpected callto.1: %q / %q", msg.Param("callto.1"), msg.Param("callto.1.oconnection_id"))
	}
	if msg.Param("callto.2") != "sip:b@phone.local" || msg.Param("callto.2.oconnection_id") != "conn-2" {
		t.Errorf("unexpected callto.2: %q / %q", msg.Param("callto.2"), msg.Param("callto.2.oconnection_id"))
	}
}

func TestHandleNoRegistrationsIsOffline(t *testing.T) {
	users := newFakeUserRepo()
	users.add(models.User{Username: "2042", CallWaiting: true})
	regs := &fakeRegistrationRepo{byUsername: map[string][]models.Registration{}}
	activeCalls := &fakeActiveCallRepo{active: map[string]bool{}}
	_, client := newTestTask(users, regs, activeCalls, cache.NewMemoryBusyCache())

	msg := &bus.Message{Name: "call.route", Params: map[string]string{
		"caller": "100",
		"called": "2042",
	}}

	if !client.Dispatch(msg) {
		t.Fatalf("expected an offline reply to be handled")
	}
	if msg.Param("error") != "offline" || msg.Param("reason") != "offline" {
		t.Errorf("error/reason = %q/%q, want offline/offline", msg.Param("error"), msg.Param("reason"))
	}
}

func TestHandleUnknownUserIsUnhandled(t *testing.T) {
	users := newFakeUserRepo()
	regs := &fakeRegistrationRepo{byUsername: map[string][]models.Registration{}}
	activeCalls := &fakeActiveCallRepo{active: map[string]bool{}}
	_, client := newTestTask(users, regs, activeCalls, cache.NewMemoryBusyCache())

	msg := &bus.Message{Name: "call.route", Params: map[string]string{
		"caller": "100",
		"called": "9999",
	}}

	if client.Dispatch(msg) {
		t.Errorf("an unknown destination should be left unhandled")
	}
}

func TestHandleStaticTargetParsesParameters(t *testing.T) {
	users := newFakeUserRepo()
	users.add(models.User{Username: "echo", Type: "static", StaticTarget: "wave/play/echo;fork.calltype=persistent;foo=bar"})
	regs := &fakeRegistrationRepo{byUsername: map[string][]models.Registration{}}
	activeCalls := &fakeActiveCallRepo{active: map[string]bool{}}
	_, client := newTestTask(users, regs, activeCalls, cache.NewMemoryBusyCache())

	msg := &bus.Message{Name: "call.route", Params: map[string]string{
		"caller": "100",
		"called": "echo",
	}}

	client.Dispatch(msg)
	if msg.ReturnValue != "wave/play/echo" {
		t.Errorf("ReturnValue = %q, want wave/play/echo", msg.ReturnValue)
	}
	if msg.Param("fork.calltype") != "persistent" || msg.Param("foo") != "bar" {
		t.Errorf("static params not applied: %+v", msg.Params)
	}
}

func TestHandleBusySuppressesCallWaiting(t *testing.T) {
	users := newFakeUserRepo()
	users.add(models.User{Username: "2042", CallWaiting: false})
	regs := &fakeRegistrationRepo{byUsername: map[string][]models.Registration{
		"2042": {{Username: "2042", Location: "sip:2042@phone.local", OConnectionID: "conn-1"}},
	}}
	activeCalls := &fakeActiveCallRepo{active: map[string]bool{}}
	busy := cache.NewMemoryBusyCache()
	busy.Increment(context.Background(), "2042") //nolint:errcheck

	_, client := newTestTask(users, regs, activeCalls, busy)

	msg := &bus.Message{Name: "call.route", Params: map[string]string{
		"caller": "100",
		"called": "2042",
	}}

	client.Dispatch(msg)
	if msg.Param("error") != "busy" {
		t.Errorf("error = %q, want busy", msg.Param("error"))
	}
}

func TestHandleDuplicateCallIsBusy(t *testing.T) {
	users := newFakeUserRepo()
	users.add(models.User{Username: "2042", CallWaiting: true})
	regs := &fakeRegistrationRepo{byUsername: map[string][]models.Registration{
		"2042": {{Username: "2042", Location: "sip:2042@phone.local", OConnectionID: "conn-1"}},
	}}
	activeCalls := &fakeActiveCallRepo{active: map[string]bool{"2042|abc123": true}}
	_, client := newTestTask(users, regs, activeCalls, cache.NewMemoryBusyCache())

	msg := &bus.Message{Name: "call.route", Params: map[string]string{
		"caller":                 "100",
		"called":                 "2042",
		"osip_X-Eventphone-Id":   "abc123",
	}}

	client.Dispatch(msg)
	if msg.Param("error") != "busy" {
		t.Errorf("error = %q, want busy", msg.Param("error"))
	}
}

func TestHandleTrunkRewritesCallTarget(t *testing.T) {
	users := newFakeUserRepo()
	users.add(models.User{Username: "30", Trunk: true, CallWaiting: true})
	regs := &fakeRegistrationRepo{byUsername: map[string][]models.Registration{
		"30": {{Username: "30", Location: "sip:30@trunk.example", OConnectionID: "conn-9"}},
	}}
	activeCalls := &fakeActiveCallRepo{active: map[string]bool{}}
	_, client := newTestTask(users, regs, activeCalls, cache.NewMemoryBusyCache())

	msg := &bus.Message{Name: "call.route", Params: map[string]string{
		"caller": "100",
		"called": "30123",
	}}

	client.Dispatch(msg)
	if msg.ReturnValue != "sip:30123@trunk.example" {
		t.Errorf("ReturnValue = %q, want sip:30123@trunk.example", msg.ReturnValue)
	}
}

func TestHandleMissingCallerIsIgnored(t *testing.T) {
	users := newFakeUserRepo()
	regs := &fakeRegistrationRepo{byUsername: map[string][]models.Registration{}}
	activeCalls := &fakeActiveCallRepo{active: map[string]bool{}}
	_, client := newTestTask(users, regs, activeCalls, cache.NewMemoryBusyCache())

	msg := &bus.Message{Name: "call.route", Params: map[string]string{
		"called": "2042",
	}}
	if client.Dispatch(msg) {
		t.Errorf("a message with no caller should never be claimed")
	}
}
