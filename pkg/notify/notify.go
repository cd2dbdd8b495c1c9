// Package notify implements the Notification Client of spec.md §4.6 (C6):
// a threaded chat reply under an existing root message, with a new-root
// fallback when the thread is lost. RootMessageId/LastMessageId map onto
// Slack's thread_ts threaded-reply model, grounded on slack-go/slack.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/jony/taskchaser/internal/chasererr"
)

// Poster is the narrow slice of the slack-go client this package depends
// on, so tests can substitute a fake without a real token.
type Poster interface {
	PostMessageContext(ctx context.Context, channelId string, options ...slack.MsgOption) (string, string, string, error)
}

// Client posts chaser replies to a chat channel.
type Client struct {
	slack          Poster
	threadFallback bool
}

// New constructs a Client. threadFallback controls whether a 404/410 on
// the threaded reply falls back to a new root post (spec.md §4.6,
// ChaserJob.ThreadFallback).
func New(poster Poster, threadFallback bool) *Client {
	return &Client{slack: poster, threadFallback: threadFallback}
}

// PostResult is the outcome of Post: whether it succeeded and, if a new
// root had to be created, its id so the caller can mirror it via C4.
type PostResult struct {
	Ok               bool
	NewRootMessageId string
	LastMessageId    string
}

// Post sends htmlBody as a threaded reply under rootMessageId in
// channelId. mentionId is optional; when empty, no mention is attached.
func (c *Client) Post(ctx context.Context, channelId, rootMessageId, htmlBody, mentionId string) (PostResult, error) {
	text := htmlBody
	if mentionId != "" {
		text = fmt.Sprintf("<@%s> %s", mentionId, text)
	}

	options := []slack.MsgOption{
		slack.MsgOptionText(text, false),
	}
	if rootMessageId != "" {
		options = append(options, slack.MsgOptionTS(rootMessageId))
	}

	_, ts, _, err := c.slack.PostMessageContext(ctx, channelId, options...)
	if err == nil {
		result := PostResult{Ok: true, LastMessageId: ts}
		if rootMessageId == "" {
			result.NewRootMessageId = ts
		}
		return result, nil
	}

	if rootMessageId != "" && c.threadFallback && isRootLost(err) {
		_, newTs, _, retryErr := c.slack.PostMessageContext(ctx, channelId, slack.MsgOptionText(text, false))
		if retryErr != nil {
			return PostResult{}, chasererr.New(chasererr.KindTransient, "notify.Post", retryErr)
		}
		return PostResult{Ok: true, NewRootMessageId: newTs, LastMessageId: newTs}, nil
	}

	return PostResult{}, chasererr.New(chasererr.KindTransient, "notify.Post", err)
}

// isRootLost reports whether err represents a 404/410-equivalent failure
// to post into an existing thread (spec.md §4.6: "root lost").
func isRootLost(err error) bool {
	var rateErr *slack.RateLimitedError
	if errors.As(err, &rateErr) {
		return false
	}
	msg := err.Error()
	return msg == "thread_not_found" || msg == "message_not_found" || msg == "channel_not_found" || msg == "is_archived"
}
