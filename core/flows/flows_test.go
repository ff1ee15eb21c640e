package flows

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pingup/pingup/core/infra/config"
	"github.com/pingup/pingup/core/infra/notify"
	"github.com/pingup/pingup/core/infra/repository"
	"github.com/pingup/pingup/core/workflow"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentMail struct {
	To, Subject, Body string
}

type mailbox struct {
	mu   sync.Mutex
	sent []sentMail
	fail error
}

func (m *mailbox) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (m *mailbox) all() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

type push struct {
	User, Event string
	Payload     any
}

type pushLog struct {
	mu     sync.Mutex
	pushes []push
}

func (p *pushLog) Push(user, event string, payload any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, push{User: user, Event: event, Payload: payload})
	return true
}

type harness struct {
	repo   *repository.Memory
	mail   *mailbox
	pushes *pushLog
	clock  *clock
	engine *workflow.Engine
	reg    *workflow.Registry
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	store, err := workflow.OpenSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		repo:   repository.NewMemory(),
		mail:   &mailbox{},
		pushes: &pushLog{},
		clock:  &clock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)},
		reg:    workflow.NewRegistry(),
	}
	deps := Deps{
		Repo:        h.repo,
		Notifier:    h.mail,
		Pusher:      h.pushes,
		FrontendURL: "https://pingup.example",
		Suffix:      func() int { return 42 },
	}
	if mutate != nil {
		mutate(&deps)
	}
	if err := Register(h.reg, deps); err != nil {
		t.Fatalf("register flows: %v", err)
	}
	h.engine = workflow.NewEngine(store, h.reg).
		WithClock(h.clock.Now).
		WithPolicy(workflow.Policy{Retry: workflow.RetryConfig{
			MaxRetries:     1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			Multiplier:     1,
		}})
	return h
}

func (h *harness) publish(t *testing.T, name string, data any) *workflow.Execution {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	defs := h.reg.ForEvent(name)
	if len(defs) != 1 {
		t.Fatalf("expected one definition for %s, got %d", name, len(defs))
	}
	exec, err := h.engine.Start(context.Background(), defs[0], workflow.Event{
		Name:       name,
		Data:       raw,
		OccurredAt: h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.engine.Wait()
	return h.get(t, exec.ID)
}

func (h *harness) resume(t *testing.T, id string) *workflow.Execution {
	t.Helper()
	if err := h.engine.Resume(context.Background(), id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.engine.Wait()
	return h.get(t, id)
}

func (h *harness) get(t *testing.T, id string) *workflow.Execution {
	t.Helper()
	exec, err := h.engine.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	return exec
}

func (h *harness) seedUser(t *testing.T, id, name, username, email string) {
	t.Helper()
	_, err := h.repo.Create(context.Background(), repository.Users, repository.User{
		ID: id, FullName: name, Username: username, Email: email,
		Followers: []string{}, Following: []string{}, Connections: []string{},
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestSyncUserCreatesUserOnce(t *testing.T) {
	h := newHarness(t, nil)
	payload := map[string]string{"id": "u1", "email": "a@b.com", "first_name": "A", "last_name": "B"}

	exec := h.publish(t, EventUserCreated, payload)
	if exec.State != workflow.StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", exec.State, exec.Error)
	}
	doc, err := h.repo.FindByID(context.Background(), repository.Users, "u1")
	if err != nil {
		t.Fatalf("user not created: %v", err)
	}
	var u repository.User
	_ = doc.Decode(&u)
	if u.Username != "a" || u.FullName != "A B" || u.Email != "a@b.com" {
		t.Fatalf("unexpected user %+v", u)
	}

	again := h.publish(t, EventUserCreated, payload)
	if again.State != workflow.StateCompleted {
		t.Fatalf("duplicate event should complete, got %s", again.State)
	}
	users, _ := h.repo.Find(context.Background(), repository.Users, nil, repository.FindOptions{})
	if len(users) != 1 {
		t.Fatalf("expected exactly one user, got %d", len(users))
	}
}

func TestSyncUserSuffixesTakenUsername(t *testing.T) {
	h := newHarness(t, nil)
	h.seedUser(t, "u0", "Someone", "a", "a@other.com")

	exec := h.publish(t, EventUserCreated, map[string]any{
		"id":              "u1",
		"first_name":      "A",
		"email_addresses": []map[string]string{{"email_address": "a@b.com"}},
	})
	if exec.State != workflow.StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", exec.State, exec.Error)
	}
	doc, _ := h.repo.FindByID(context.Background(), repository.Users, "u1")
	var u repository.User
	_ = doc.Decode(&u)
	if u.Username != "a42" || u.FullName != "A" {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestUpdateAndDeleteUser(t *testing.T) {
	h := newHarness(t, nil)
	h.seedUser(t, "u1", "Old Name", "a", "a@b.com")

	exec := h.publish(t, EventUserUpdated, map[string]string{"id": "u1", "email": "new@b.com", "first_name": "New", "last_name": "Name"})
	if exec.State != workflow.StateCompleted {
		t.Fatalf("update: %s (%s)", exec.State, exec.Error)
	}
	doc, _ := h.repo.FindByID(context.Background(), repository.Users, "u1")
	var u repository.User
	_ = doc.Decode(&u)
	if u.Email != "new@b.com" || u.FullName != "New Name" || u.Username != "a" {
		t.Fatalf("unexpected user after update %+v", u)
	}

	missing := h.publish(t, EventUserUpdated, map[string]string{"id": "ghost", "email": "g@b.com"})
	if missing.State != workflow.StateCompleted {
		t.Fatalf("update of missing user should still complete, got %s", missing.State)
	}

	exec = h.publish(t, EventUserDeleted, map[string]string{"id": "u1"})
	if exec.State != workflow.StateCompleted {
		t.Fatalf("delete: %s (%s)", exec.State, exec.Error)
	}
	if _, err := h.repo.FindByID(context.Background(), repository.Users, "u1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("user should be deleted, got %v", err)
	}
}

func seedConnection(t *testing.T, h *harness, status string) {
	t.Helper()
	h.seedUser(t, "u1", "Al From", "al", "al@b.com")
	h.seedUser(t, "u2", "Bea To", "bea", "bea@b.com")
	_, err := h.repo.Create(context.Background(), repository.Connections, repository.Connection{
		ID: "c1", FromUserID: "u1", ToUserID: "u2", Status: status,
	})
	if err != nil {
		t.Fatalf("seed connection: %v", err)
	}
}

func TestConnectionReminderSentOnceAfterDelay(t *testing.T) {
	h := newHarness(t, nil)
	seedConnection(t, h, repository.ConnectionPending)

	exec := h.publish(t, EventConnectionRequested, map[string]string{"connectionId": "c1"})
	if exec.State != workflow.StateSleeping {
		t.Fatalf("expected sleeping, got %s (%s)", exec.State, exec.Error)
	}
	mails := h.mail.all()
	if len(mails) != 1 || mails[0].To != "bea@b.com" || !strings.Contains(mails[0].Body, "Al From") {
		t.Fatalf("unexpected immediate mail %+v", mails)
	}
	if len(h.pushes.pushes) != 1 || h.pushes.pushes[0].User != "u2" || h.pushes.pushes[0].Event != LiveConnectionEvent {
		t.Fatalf("unexpected live pushes %+v", h.pushes.pushes)
	}

	h.clock.Advance(23 * time.Hour)
	exec = h.resume(t, exec.ID)
	if exec.State != workflow.StateSleeping || len(h.mail.all()) != 1 {
		t.Fatalf("reminder must not fire early: state=%s mails=%d", exec.State, len(h.mail.all()))
	}

	h.clock.Advance(time.Hour)
	exec = h.resume(t, exec.ID)
	if exec.State != workflow.StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", exec.State, exec.Error)
	}
	mails = h.mail.all()
	if len(mails) != 2 || mails[1].To != "bea@b.com" {
		t.Fatalf("expected one reminder, got %+v", mails)
	}

	h.resume(t, exec.ID)
	if len(h.mail.all()) != 2 {
		t.Fatalf("completed execution must not send again")
	}
}

func TestConnectionReminderSkippedWhenAccepted(t *testing.T) {
	h := newHarness(t, nil)
	seedConnection(t, h, repository.ConnectionPending)

	exec := h.publish(t, EventConnectionRequested, map[string]string{"connectionId": "c1"})
	if err := h.repo.UpdateByID(context.Background(), repository.Connections, "c1", repository.Patch{"status": repository.ConnectionAccepted}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	h.clock.Advance(24 * time.Hour)
	exec = h.resume(t, exec.ID)
	if exec.State != workflow.StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", exec.State, exec.Error)
	}
	if len(h.mail.all()) != 1 {
		t.Fatalf("no reminder expected, got %d mails", len(h.mail.all()))
	}
	st := exec.Steps["send-connection-request-reminder"]
	if st.Status != workflow.StepComplete || !strings.Contains(string(st.Result), "already accepted") {
		t.Fatalf("unexpected reminder step %+v", st)
	}
}

func TestConnectionReminderSkippedStatusPolicy(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.WithPolicy(workflow.Policy{NoopStatus: workflow.StepSkipped})
	seedConnection(t, h, repository.ConnectionAccepted)

	exec := h.publish(t, EventConnectionRequested, map[string]string{"connectionId": "c1"})
	h.clock.Advance(24 * time.Hour)
	exec = h.resume(t, exec.ID)
	if exec.Steps["send-connection-request-reminder"].Status != workflow.StepSkipped {
		t.Fatalf("expected skipped status, got %s", exec.Steps["send-connection-request-reminder"].Status)
	}
}

func TestConnectionEmailPermanentFailureFails(t *testing.T) {
	h := newHarness(t, nil)
	seedConnection(t, h, repository.ConnectionPending)
	h.mail.fail = &notify.Error{To: "bea@b.com", Permanent: true, Err: errors.New("mailbox unavailable")}

	exec := h.publish(t, EventConnectionRequested, map[string]string{"connectionId": "c1"})
	if exec.State != workflow.StateFailed {
		t.Fatalf("expected failed, got %s", exec.State)
	}
	if got := exec.Steps["send-connection-request-email"].Attempts; got != 1 {
		t.Fatalf("permanent failure should not retry, attempts=%d", got)
	}
}

func TestStoryDeletedOnlyAfterTTL(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.repo.Create(context.Background(), repository.Stories, repository.Story{ID: "s1", User: "u1", MediaType: "text"}); err != nil {
		t.Fatalf("seed story: %v", err)
	}
	exec := h.publish(t, EventStoryDelete, map[string]string{"storyId": "s1"})
	if exec.State != workflow.StateSleeping {
		t.Fatalf("expected sleeping, got %s", exec.State)
	}
	wake := exec.WakeAt
	if wake == nil || !wake.Equal(h.clock.Now().Add(24*time.Hour)) {
		t.Fatalf("unexpected wake time %v", wake)
	}

	h.clock.Advance(24*time.Hour - time.Second)
	h.resume(t, exec.ID)
	if _, err := h.repo.FindByID(context.Background(), repository.Stories, "s1"); err != nil {
		t.Fatalf("story deleted too early: %v", err)
	}

	h.clock.Advance(time.Second)
	exec = h.resume(t, exec.ID)
	if exec.State != workflow.StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", exec.State, exec.Error)
	}
	if _, err := h.repo.FindByID(context.Background(), repository.Stories, "s1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("story should be gone, got %v", err)
	}
}

func TestUnseenDigest(t *testing.T) {
	h := newHarness(t, nil)
	h.seedUser(t, "u1", "Al", "al", "al@b.com")
	h.seedUser(t, "u2", "Bea", "bea", "bea@b.com")
	ctx := context.Background()
	for _, m := range []repository.Message{
		{FromUserID: "u1", ToUserID: "u2", MessageType: repository.MessageText, Text: "a"},
		{FromUserID: "u1", ToUserID: "u2", MessageType: repository.MessageText, Text: "b"},
		{FromUserID: "u2", ToUserID: "u1", MessageType: repository.MessageText, Text: "c", Seen: true},
	} {
		if _, err := h.repo.Create(ctx, repository.Messages, m); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	def, ok := h.reg.Get(UnseenDigestID)
	if !ok {
		t.Fatalf("digest not registered")
	}
	exec, err := h.engine.Start(ctx, def, workflow.Event{Name: "cron:" + UnseenDigestID})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.engine.Wait()
	exec = h.get(t, exec.ID)
	if exec.State != workflow.StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", exec.State, exec.Error)
	}
	mails := h.mail.all()
	if len(mails) != 1 || mails[0].To != "bea@b.com" || !strings.Contains(mails[0].Body, "2 unseen messages") {
		t.Fatalf("unexpected digest mails %+v", mails)
	}
}

func TestUnseenDigestGuardedOutWhenNothingUnseen(t *testing.T) {
	h := newHarness(t, nil)
	h.seedUser(t, "u1", "Al", "al", "al@b.com")
	ctx := context.Background()
	if _, err := h.repo.Create(ctx, repository.Messages, repository.Message{
		FromUserID: "u1", ToUserID: "u1", MessageType: repository.MessageText, Text: "old", Seen: true,
	}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	def, _ := h.reg.Get(UnseenDigestID)
	exec, err := h.engine.Start(ctx, def, workflow.Event{Name: "cron:" + UnseenDigestID})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.engine.Wait()
	exec = h.get(t, exec.ID)
	if exec.State != workflow.StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", exec.State, exec.Error)
	}
	send := exec.Steps["send-digest-emails"]
	if send.Status != workflow.StepComplete || send.Attempts != 0 || len(send.Result) != 0 {
		t.Fatalf("expected send step recorded as no-op, got %+v", send)
	}
	if mails := h.mail.all(); len(mails) != 0 {
		t.Fatalf("no digest expected, got %+v", mails)
	}
}

func TestDefinitionsHonourPolicy(t *testing.T) {
	policy := config.DefaultPolicy()
	off := false
	policy.Digest.Enabled = &off
	policy.Workflows[DeleteStoryID] = config.WorkflowPolicy{Disabled: true}

	defs, err := Definitions(Deps{Repo: repository.NewMemory(), Notifier: notify.Log{}, Policy: policy})
	if err != nil {
		t.Fatalf("definitions: %v", err)
	}
	for _, def := range defs {
		if def.ID == UnseenDigestID || def.ID == DeleteStoryID {
			t.Fatalf("%s should be disabled", def.ID)
		}
	}
	if len(defs) != 4 {
		t.Fatalf("expected 4 definitions, got %d", len(defs))
	}
	if _, err := Definitions(Deps{Notifier: notify.Log{}}); err == nil {
		t.Fatalf("expected error without repository")
	}
}
