package chaser

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jony/taskchaser/pkg/acklink"
	"github.com/jony/taskchaser/pkg/notify"
	"github.com/jony/taskchaser/pkg/sor"
	"github.com/jony/taskchaser/pkg/store"
)

type fakeStore struct {
	tasks                []store.Task
	statusUpdates        map[int64]string
	nextChaseUpdates     map[int64]time.Time
	rotateAckCalls       []rotateAckCall
	messageIdUpdates     map[int64][2]string
	groupStatuses        []store.GroupStatus
}

type rotateAckCall struct {
	TaskId  int64
	Version int
}

func newFakeStore(tasks []store.Task) *fakeStore {
	return &fakeStore{
		tasks:            tasks,
		statusUpdates:    map[int64]string{},
		nextChaseUpdates: map[int64]time.Time{},
		messageIdUpdates: map[int64][2]string{},
	}
}

func (f *fakeStore) DueCandidates(now time.Time, batchSize int) ([]store.Task, error) {
	return f.tasks, nil
}

func (f *fakeStore) GroupStatuses(customerId, categoryKey, anchorDateType string, startOffsetDays int) ([]store.GroupStatus, error) {
	return f.groupStatuses, nil
}

func (f *fakeStore) UpdateStatus(taskId int64, status string) error {
	f.statusUpdates[taskId] = status
	return nil
}

func (f *fakeStore) UpdateNextChaseAtUtcCached(taskId int64, nextUtc time.Time) error {
	f.nextChaseUpdates[taskId] = nextUtc
	return nil
}

func (f *fakeStore) RotateAck(taskId int64, ackVersion int, ackExpiresUtc, lastChaseAtUtc, nextChaseAtUtcCached time.Time) error {
	f.rotateAckCalls = append(f.rotateAckCalls, rotateAckCall{TaskId: taskId, Version: ackVersion})
	return nil
}

func (f *fakeStore) UpdateMessageIds(taskId int64, rootMessageId, lastMessageId string) error {
	f.messageIdUpdates[taskId] = [2]string{rootMessageId, lastMessageId}
	return nil
}

type fakeSor struct {
	status              string
	dueUtc              *time.Time
	updateChaserCalls   int
	lastIncrementChase  bool
}

func (f *fakeSor) GetStatusAndDueUtc(ctx context.Context, listId, itemId string) (*sor.StatusAndDue, error) {
	return &sor.StatusAndDue{Status: f.status, DueDateUtc: f.dueUtc}, nil
}

func (f *fakeSor) UpdateChaserFields(ctx context.Context, listId, itemId string, important, incrementChase bool, nextChaseAtUtc time.Time) error {
	f.updateChaserCalls++
	f.lastIncrementChase = incrementChase
	return nil
}

type fakeClock struct {
	withinWindow bool
	next         time.Time
}

func (f *fakeClock) NextBusinessDayAtHourUtc(region string, sendHourLocal int, fromUtc time.Time) time.Time {
	return f.next
}

func (f *fakeClock) IsWithinWindow(region string, startHourLocal, endHourLocal, cushionHours int, nowUtc time.Time) bool {
	return f.withinWindow
}

type fakeAck struct{ builds int }

func (f *fakeAck) Build(taskId string, version int, expiresAt time.Time, region, anchorDateType string) (acklink.Link, error) {
	f.builds++
	return acklink.Link{URL: "https://chaser.example.com/ack?tid=" + taskId, Version: version, ExpiresAt: expiresAt}, nil
}

type fakeNotifier struct {
	posts int
	err   error
}

func (f *fakeNotifier) Post(ctx context.Context, channelId, rootMessageId, htmlBody, mentionId string) (notify.PostResult, error) {
	f.posts++
	if f.err != nil {
		return notify.PostResult{}, f.err
	}
	return notify.PostResult{Ok: true, LastMessageId: "msg-2"}, nil
}

type fakeWorkflow struct {
	predecessor   string
	hasPredecessor bool
}

func (f *fakeWorkflow) PredecessorCategory(category, anchorDateType string) (string, bool) {
	return f.predecessor, f.hasPredecessor
}

func baseTask() store.Task {
	return store.Task{
		TaskId:          42,
		SpItemId:        sql.NullString{String: "1001", Valid: true},
		ListKey:         "list-1",
		CustomerId:      "cust-1",
		TaskName:        "Collect signature",
		CategoryKey:     "",
		AnchorDateType:  "GoLive",
		StartOffsetDays: 0,
		Region:          "EMEA",
		TeamId:          "team-1",
		ChannelId:       "chan-1",
		RootMessageId:   "root-1",
		AckVersion:      1,
	}
}

func newTestLoop(s Store, sorClient SorClient, clk Clock, ack AckBuilder, notifier Notifier, wf WorkflowMapping) *Loop {
	cfg := Config{
		CadenceMinutes: 5,
		BatchSize:      50,
		SendHourLocal:  9,
		BusinessWindow: BusinessWindow{StartHourLocal: 8, EndHourLocal: 18},
		ThreadFallback: true,
		ChaserTtlHours: 24,
		Safety:         Safety{MaxConsecutiveFailures: 5, CoolOffMinutes: 15},
	}
	return New(s, sorClient, clk, ack, notifier, wf, cfg, zap.NewNop())
}

func TestRunTickInWindowOverdueFirstChase(t *testing.T) {
	task := baseTask()
	s := newFakeStore([]store.Task{task})
	dueDate := time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC)
	sorClient := &fakeSor{status: "In Progress", dueUtc: &dueDate}
	nextUtc := time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC)
	clk := &fakeClock{withinWindow: true, next: nextUtc}
	ack := &fakeAck{}
	notifier := &fakeNotifier{}
	wf := &fakeWorkflow{}

	loop := newTestLoop(s, sorClient, clk, ack, notifier, wf)
	now := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

	if err := loop.processCandidate(context.Background(), task, now); err != nil {
		t.Fatalf("processCandidate: %v", err)
	}

	if notifier.posts != 1 {
		t.Fatalf("expected 1 chat post, got %d", notifier.posts)
	}
	if sorClient.updateChaserCalls != 1 || !sorClient.lastIncrementChase {
		t.Fatalf("expected 1 SoR write-through with incrementChase=true, got calls=%d increment=%v", sorClient.updateChaserCalls, sorClient.lastIncrementChase)
	}
	if len(s.rotateAckCalls) != 1 || s.rotateAckCalls[0].Version != 2 {
		t.Fatalf("expected AckVersion rotated to 2, got %+v", s.rotateAckCalls)
	}
}

func TestRunTickOutOfWindowReschedulesWithoutPosting(t *testing.T) {
	task := baseTask()
	s := newFakeStore([]store.Task{task})
	dueDate := time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC)
	sorClient := &fakeSor{status: "In Progress", dueUtc: &dueDate}
	nextUtc := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	clk := &fakeClock{withinWindow: false, next: nextUtc}
	ack := &fakeAck{}
	notifier := &fakeNotifier{}
	wf := &fakeWorkflow{}

	loop := newTestLoop(s, sorClient, clk, ack, notifier, wf)
	now := time.Date(2025, 1, 6, 3, 0, 0, 0, time.UTC)

	if err := loop.processCandidate(context.Background(), task, now); err != nil {
		t.Fatalf("processCandidate: %v", err)
	}

	if notifier.posts != 0 {
		t.Fatalf("expected no chat post out of window, got %d", notifier.posts)
	}
	if sorClient.updateChaserCalls != 1 || sorClient.lastIncrementChase {
		t.Fatalf("expected 1 SoR reschedule with incrementChase=false, got calls=%d increment=%v", sorClient.updateChaserCalls, sorClient.lastIncrementChase)
	}
	if len(s.rotateAckCalls) != 0 {
		t.Fatalf("expected AckVersion unchanged, got %+v", s.rotateAckCalls)
	}
	if got, ok := s.nextChaseUpdates[task.TaskId]; !ok || !got.Equal(nextUtc) {
		t.Fatalf("expected NextChaseAtUtcCached=%v, got %v", nextUtc, got)
	}
}

func TestRunTickAlreadyCompletedSkipsEverything(t *testing.T) {
	task := baseTask()
	s := newFakeStore([]store.Task{task})
	sorClient := &fakeSor{status: "Completed"}
	clk := &fakeClock{withinWindow: true}
	ack := &fakeAck{}
	notifier := &fakeNotifier{}
	wf := &fakeWorkflow{}

	loop := newTestLoop(s, sorClient, clk, ack, notifier, wf)
	now := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

	if err := loop.processCandidate(context.Background(), task, now); err != nil {
		t.Fatalf("processCandidate: %v", err)
	}

	if notifier.posts != 0 {
		t.Fatalf("expected no chat post for a completed task, got %d", notifier.posts)
	}
	if sorClient.updateChaserCalls != 0 {
		t.Fatalf("expected no SoR write for a completed task, got %d", sorClient.updateChaserCalls)
	}
	if s.statusUpdates[task.TaskId] != "Completed" {
		t.Fatalf("expected Status cached as Completed, got %q", s.statusUpdates[task.TaskId])
	}
}

func TestRunTickSequentialGateSkipsSuccessor(t *testing.T) {
	task := baseTask()
	task.CategoryKey = "Retro"
	s := newFakeStore([]store.Task{task})
	s.groupStatuses = []store.GroupStatus{
		{TaskId: 1, TaskName: "Prep task", Status: sql.NullString{String: "In Progress", Valid: true}, StartOffsetDays: 0},
	}
	dueDate := time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC)
	sorClient := &fakeSor{status: "In Progress", dueUtc: &dueDate}
	clk := &fakeClock{withinWindow: true}
	ack := &fakeAck{}
	notifier := &fakeNotifier{}
	wf := &fakeWorkflow{predecessor: "Prep", hasPredecessor: true}

	loop := newTestLoop(s, sorClient, clk, ack, notifier, wf)
	now := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

	if err := loop.processCandidate(context.Background(), task, now); err != nil {
		t.Fatalf("processCandidate: %v", err)
	}

	if notifier.posts != 0 {
		t.Fatalf("expected the successor to be gated, got %d posts", notifier.posts)
	}
	if len(s.rotateAckCalls) != 0 {
		t.Fatalf("expected no ack rotation while gated, got %+v", s.rotateAckCalls)
	}
}

func TestRunTickSequentialGatePassesWhenPredecessorComplete(t *testing.T) {
	task := baseTask()
	task.CategoryKey = "Retro"
	s := newFakeStore([]store.Task{task})
	s.groupStatuses = []store.GroupStatus{
		{TaskId: 1, TaskName: "Prep task", Status: sql.NullString{String: "Completed", Valid: true}, StartOffsetDays: 0},
	}
	dueDate := time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC)
	sorClient := &fakeSor{status: "In Progress", dueUtc: &dueDate}
	clk := &fakeClock{withinWindow: true, next: time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC)}
	ack := &fakeAck{}
	notifier := &fakeNotifier{}
	wf := &fakeWorkflow{predecessor: "Prep", hasPredecessor: true}

	loop := newTestLoop(s, sorClient, clk, ack, notifier, wf)
	now := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

	if err := loop.processCandidate(context.Background(), task, now); err != nil {
		t.Fatalf("processCandidate: %v", err)
	}

	if notifier.posts != 1 {
		t.Fatalf("expected the successor to post once its predecessor is complete, got %d", notifier.posts)
	}
}

func TestRunTickSkipsNotYetDue(t *testing.T) {
	task := baseTask()
	s := newFakeStore([]store.Task{task})
	future := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	sorClient := &fakeSor{status: "In Progress", dueUtc: &future}
	clk := &fakeClock{withinWindow: true}
	ack := &fakeAck{}
	notifier := &fakeNotifier{}
	wf := &fakeWorkflow{}

	loop := newTestLoop(s, sorClient, clk, ack, notifier, wf)
	now := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

	if err := loop.processCandidate(context.Background(), task, now); err != nil {
		t.Fatalf("processCandidate: %v", err)
	}

	if notifier.posts != 0 {
		t.Fatalf("expected no post for a not-yet-due task, got %d", notifier.posts)
	}
}

func TestRunTickPostFailureDoesNotPersistRotation(t *testing.T) {
	task := baseTask()
	s := newFakeStore([]store.Task{task})
	dueDate := time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC)
	sorClient := &fakeSor{status: "In Progress", dueUtc: &dueDate}
	clk := &fakeClock{withinWindow: true}
	ack := &fakeAck{}
	notifier := &fakeNotifier{err: errPostFailed}
	wf := &fakeWorkflow{}

	loop := newTestLoop(s, sorClient, clk, ack, notifier, wf)
	now := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

	if err := loop.processCandidate(context.Background(), task, now); err == nil {
		t.Fatal("expected an error when posting fails")
	}

	if len(s.rotateAckCalls) != 0 {
		t.Fatalf("expected no ack rotation on post failure, got %+v", s.rotateAckCalls)
	}
	if sorClient.updateChaserCalls != 0 {
		t.Fatalf("expected no SoR write-through on post failure, got %d", sorClient.updateChaserCalls)
	}
}

func TestRunTickEndToEndFansOutAcrossChannels(t *testing.T) {
	taskA := baseTask()
	taskA.TaskId = 1
	taskA.ChannelId = "chan-a"

	taskB := baseTask()
	taskB.TaskId = 2
	taskB.ChannelId = "chan-b"

	s := newFakeStore([]store.Task{taskA, taskB})
	dueDate := time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC)
	sorClient := &fakeSor{status: "In Progress", dueUtc: &dueDate}
	clk := &fakeClock{withinWindow: true, next: time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC)}
	ack := &fakeAck{}
	notifier := &fakeNotifier{}
	wf := &fakeWorkflow{}

	loop := newTestLoop(s, sorClient, clk, ack, notifier, wf)

	if err := loop.RunTick(context.Background()); err != nil {
		t.Fatalf("RunTick: %v", err)
	}

	if notifier.posts != 2 {
		t.Fatalf("expected 2 chat posts across channels, got %d", notifier.posts)
	}
	if len(s.rotateAckCalls) != 2 {
		t.Fatalf("expected 2 ack rotations, got %d", len(s.rotateAckCalls))
	}
}

var errPostFailed = &postFailedError{}

type postFailedError struct{}

func (e *postFailedError) Error() string { return "post failed" }
