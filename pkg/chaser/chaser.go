// Package chaser implements the Chaser Loop of spec.md §4.7 (C7): the main
// per-tick orchestrator that fetches due candidates, confirms them against
// the system of record, applies the sequential category gate and business
// window check, rotates the ack link, posts the chaser, and write-throughs
// plus mirrors the resulting schedule. Concurrency follows spec.md §5:
// candidates are processed sequentially within a (TeamId, ChannelId) pair,
// but distinct pairs may run concurrently, grounded on the teacher's own
// errgroup.WithContext + SetLimit fan-out (pkg/skills/monitor/skill.go).
package chaser

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jony/taskchaser/internal/chasererr"
	"github.com/jony/taskchaser/pkg/acklink"
	"github.com/jony/taskchaser/pkg/notify"
	"github.com/jony/taskchaser/pkg/sor"
	"github.com/jony/taskchaser/pkg/store"
)

// maxConcurrentChannels bounds how many distinct (TeamId, ChannelId) pairs
// are drained concurrently in a single tick.
const maxConcurrentChannels = 8

// Clock is the narrow slice of pkg/clock the loop depends on.
type Clock interface {
	NextBusinessDayAtHourUtc(region string, sendHourLocal int, fromUtc time.Time) time.Time
	IsWithinWindow(region string, startHourLocal, endHourLocal, cushionHours int, nowUtc time.Time) bool
}

// SorClient is the narrow slice of pkg/sor the loop depends on.
type SorClient interface {
	GetStatusAndDueUtc(ctx context.Context, listId, itemId string) (*sor.StatusAndDue, error)
	UpdateChaserFields(ctx context.Context, listId, itemId string, important, incrementChase bool, nextChaseAtUtc time.Time) error
}

// Notifier is the narrow slice of pkg/notify the loop depends on.
type Notifier interface {
	Post(ctx context.Context, channelId, rootMessageId, htmlBody, mentionId string) (notify.PostResult, error)
}

// AckBuilder is the narrow slice of pkg/acklink the loop depends on.
type AckBuilder interface {
	Build(taskId string, version int, expiresAt time.Time, region, anchorDateType string) (acklink.Link, error)
}

// WorkflowMapping is the narrow slice of pkg/workflow the loop depends on.
type WorkflowMapping interface {
	PredecessorCategory(category, anchorDateType string) (string, bool)
}

// Store is the narrow slice of pkg/store the loop depends on.
type Store interface {
	DueCandidates(now time.Time, batchSize int) ([]store.Task, error)
	GroupStatuses(customerId, categoryKey, anchorDateType string, startOffsetDays int) ([]store.GroupStatus, error)
	UpdateStatus(taskId int64, status string) error
	UpdateNextChaseAtUtcCached(taskId int64, nextUtc time.Time) error
	RotateAck(taskId int64, ackVersion int, ackExpiresUtc, lastChaseAtUtc, nextChaseAtUtcCached time.Time) error
	UpdateMessageIds(taskId int64, rootMessageId, lastMessageId string) error
}

// BusinessWindow holds the Mon-Fri local-hour bounds of spec.md §6.
type BusinessWindow struct {
	StartHourLocal int
	EndHourLocal   int
	CushionHours   int
}

// Safety holds the consecutive-failure cool-off knobs of spec.md §4.7.
type Safety struct {
	MaxConsecutiveFailures int
	CoolOffMinutes         int
}

// Config is the chaser loop's runtime policy (spec.md §6 ChaserJob / AckLink).
type Config struct {
	CadenceMinutes int
	BatchSize      int
	SendHourLocal  int
	BusinessWindow BusinessWindow
	ThreadFallback bool
	ChaserTtlHours int
	Safety         Safety
}

// Loop is the chaser loop orchestrator.
type Loop struct {
	store    Store
	sor      SorClient
	clock    Clock
	ack      AckBuilder
	notify   Notifier
	workflow WorkflowMapping
	cfg      Config
	logger   *zap.Logger

	consecutiveFailures int
}

// New constructs a Loop from its collaborators.
func New(store Store, sorClient SorClient, clock Clock, ack AckBuilder, notifier Notifier, workflow WorkflowMapping, cfg Config, logger *zap.Logger) *Loop {
	if cfg.CadenceMinutes < 1 {
		cfg.CadenceMinutes = 1
	}
	if cfg.ChaserTtlHours < 1 {
		cfg.ChaserTtlHours = 1
	}
	return &Loop{
		store:    store,
		sor:      sorClient,
		clock:    clock,
		ack:      ack,
		notify:   notifier,
		workflow: workflow,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run drives the loop forever, honoring ctx cancellation, paced by
// max(cadence-elapsed, 1s) between ticks, with the consecutive-failure
// cool-off safety valve of spec.md §4.7.
func (l *Loop) Run(ctx context.Context) {
	cadence := time.Duration(l.cfg.CadenceMinutes) * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		if err := l.RunTick(ctx); err != nil {
			l.consecutiveFailures++
			l.logger.Warn("chaser tick failed", zap.Error(err), zap.Int("consecutive_failures", l.consecutiveFailures))

			if l.consecutiveFailures >= l.cfg.Safety.MaxConsecutiveFailures {
				coolOff := time.Duration(l.cfg.Safety.CoolOffMinutes) * time.Minute
				l.logger.Error("chaser loop cooling off after repeated failures",
					zap.Int("max_consecutive_failures", l.cfg.Safety.MaxConsecutiveFailures),
					zap.Duration("cool_off", coolOff))
				select {
				case <-ctx.Done():
					return
				case <-time.After(coolOff):
				}
				l.consecutiveFailures = 0
			}
		} else {
			l.consecutiveFailures = 0
		}

		elapsed := time.Since(start)
		sleep := cadence - elapsed
		if sleep < time.Second {
			sleep = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// RunTick runs exactly one tick: fetch due candidates, fan out across
// distinct (TeamId, ChannelId) pairs, and process each pair's candidates
// sequentially.
func (l *Loop) RunTick(ctx context.Context) error {
	now := time.Now().UTC()

	candidates, err := l.store.DueCandidates(now, l.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch due candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	byChannel := map[string][]store.Task{}
	for _, t := range candidates {
		key := t.TeamId + "|" + t.ChannelId
		byChannel[key] = append(byChannel[key], t)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChannels)

	for _, tasks := range byChannel {
		tasks := tasks
		g.Go(func() error {
			for _, task := range tasks {
				if err := l.processCandidate(gCtx, task, now); err != nil {
					l.logger.Warn("candidate processing failed",
						zap.Int64("task_id", task.TaskId), zap.Error(err))
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// processCandidate runs steps 3-8 of spec.md §4.7 for a single due row.
func (l *Loop) processCandidate(ctx context.Context, task store.Task, now time.Time) error {
	if !task.SpItemId.Valid || task.SpItemId.String == "" {
		return nil
	}
	itemId := task.SpItemId.String

	// Step 3: confirm against source of truth.
	statusAndDue, err := l.sor.GetStatusAndDueUtc(ctx, task.ListKey, itemId)
	if err != nil {
		return fmt.Errorf("confirm task %d: %w", task.TaskId, err)
	}
	if statusAndDue == nil {
		return nil
	}
	if strings.EqualFold(statusAndDue.Status, "Completed") {
		return l.store.UpdateStatus(task.TaskId, statusAndDue.Status)
	}
	if err := l.store.UpdateStatus(task.TaskId, statusAndDue.Status); err != nil {
		return fmt.Errorf("mirror status for task %d: %w", task.TaskId, err)
	}
	if statusAndDue.DueDateUtc != nil && statusAndDue.DueDateUtc.After(now) {
		return nil
	}

	// Step 4: sequential gate.
	if task.CategoryKey != "" {
		predecessor, hasPredecessor := l.workflow.PredecessorCategory(task.CategoryKey, task.AnchorDateType)
		if hasPredecessor {
			rows, err := l.store.GroupStatuses(task.CustomerId, predecessor, task.AnchorDateType, task.StartOffsetDays)
			if err != nil {
				return fmt.Errorf("group status for task %d: %w", task.TaskId, err)
			}
			for _, row := range rows {
				if !row.Status.Valid || !strings.EqualFold(row.Status.String, "Completed") {
					return nil
				}
			}
		}
	}

	// Step 5: window check.
	if !l.clock.IsWithinWindow(task.Region, l.cfg.BusinessWindow.StartHourLocal, l.cfg.BusinessWindow.EndHourLocal, l.cfg.BusinessWindow.CushionHours, now) {
		nextUtc := l.clock.NextBusinessDayAtHourUtc(task.Region, l.cfg.SendHourLocal, now)
		if err := l.sor.UpdateChaserFields(ctx, task.ListKey, itemId, true, false, nextUtc); err != nil {
			return fmt.Errorf("reschedule SoR for task %d: %w", task.TaskId, err)
		}
		if err := l.store.UpdateNextChaseAtUtcCached(task.TaskId, nextUtc); err != nil {
			return fmt.Errorf("reschedule cache for task %d: %w", task.TaskId, err)
		}
		return nil
	}

	// Step 6: rotate link.
	newVersion := task.AckVersion
	if newVersion < 0 {
		newVersion = 0
	}
	newVersion++
	expires := now.Add(time.Duration(l.cfg.ChaserTtlHours) * time.Hour)

	link, err := l.ack.Build(strconv.FormatInt(task.TaskId, 10), newVersion, expires, task.Region, task.AnchorDateType)
	if err != nil {
		return fmt.Errorf("build ack link for task %d: %w", task.TaskId, err)
	}

	// Step 7: post.
	body := composeOverdueBody(task, statusAndDue, link.URL)
	result, err := l.notify.Post(ctx, task.ChannelId, task.RootMessageId, body, "")
	if err != nil {
		// Counters are not bumped, version is not persisted, per spec.md §4.7 step 7.
		return chasererr.New(chasererr.KindTransient, "chaser.Post", err)
	}

	rootId := task.RootMessageId
	if result.NewRootMessageId != "" {
		rootId = result.NewRootMessageId
	}
	if err := l.store.UpdateMessageIds(task.TaskId, rootId, result.LastMessageId); err != nil {
		return fmt.Errorf("mirror message ids for task %d: %w", task.TaskId, err)
	}

	// Step 8: write-through + mirror.
	nextUtc := l.clock.NextBusinessDayAtHourUtc(task.Region, l.cfg.SendHourLocal, now)
	if err := l.sor.UpdateChaserFields(ctx, task.ListKey, itemId, true, true, nextUtc); err != nil {
		return fmt.Errorf("write-through SoR for task %d: %w", task.TaskId, err)
	}
	if err := l.store.RotateAck(task.TaskId, newVersion, expires, now, nextUtc); err != nil {
		return fmt.Errorf("mirror ack rotation for task %d: %w", task.TaskId, err)
	}

	return nil
}

func composeOverdueBody(task store.Task, status *sor.StatusAndDue, ackUrl string) string {
	due := "unknown"
	if status != nil && status.DueDateUtc != nil {
		due = status.DueDateUtc.Format("2006-01-02 15:04 MST")
	}
	return fmt.Sprintf(
		`<p>The task <b>%s</b> for <b>%s</b> was due on %s and is still open.</p><p><a href="%s">Acknowledge this reminder</a></p>`,
		task.TaskName, task.CustomerId, due, ackUrl,
	)
}
