// Package ackhandler implements the Acknowledgement Handler of spec.md
// §4.8 (C8): the GET /ack endpoint that verifies a clicked link and
// records completion against the system of record idempotently.
package ackhandler

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/jony/taskchaser/internal/chasererr"
	"github.com/jony/taskchaser/pkg/acklink"
	"github.com/jony/taskchaser/pkg/identity"
)

// TaskLookup resolves the recorded AckVersion and SpItemId/ListId for a
// verified task id, so the handler can apply the §4.3 version gate before
// calling MarkCompleted.
type TaskLookup interface {
	AckVersionOf(taskId int64) (int, error)
	ItemCoordinatesForTask(taskId int64) (listId, itemId string, err error)
}

// Completer is the narrow slice of pkg/sor the handler depends on.
type Completer interface {
	MarkCompleted(ctx context.Context, listId, itemId, ackByName, ackByEmailOrUpn string) error
}

// Handler serves GET /ack.
type Handler struct {
	lookup   TaskLookup
	ack      *acklink.Builder
	complete Completer
	identity *identity.Resolver
	logger   *zap.Logger
}

// New constructs a Handler.
func New(lookup TaskLookup, ack *acklink.Builder, complete Completer, identityResolver *identity.Resolver, logger *zap.Logger) *Handler {
	return &Handler{lookup: lookup, ack: ack, complete: complete, identity: identityResolver, logger: logger}
}

// ServeHTTP implements the status-code contract of spec.md §6: 200
// success, 400 missing params, 401 bad signature, 410 expired link,
// 500 unexpected.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	recordedVersion := 0
	if tid := query.Get("tid"); tid != "" {
		taskId, err := strconv.ParseInt(tid, 10, 64)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		recordedVersion, err = h.lookup.AckVersionOf(taskId)
		if err != nil {
			h.logger.Error("ack version lookup failed", zap.Int64("task_id", taskId), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	verified, outcome, err := h.ack.Verify(query, recordedVersion)
	switch outcome {
	case acklink.VerifyOk:
		// fall through
	case acklink.VerifyBadRequest:
		http.Error(w, "missing or invalid parameters", http.StatusBadRequest)
		return
	case acklink.VerifySignatureMismatch:
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	case acklink.VerifyExpired:
		http.Error(w, "link expired", http.StatusGone)
		return
	case acklink.VerifyReplay:
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	default:
		h.logger.Error("unexpected ack verify outcome", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	principal := h.identity.Resolve(r)
	displayName, emailOrUpn := "", ""
	if principal != nil {
		displayName = principal.DisplayName
		emailOrUpn = principal.Email
		if emailOrUpn == "" {
			emailOrUpn = principal.Upn
		}
	}

	listId := query.Get("list")
	itemId := verified.LegacyItemId
	if !verified.Legacy {
		taskId, parseErr := strconv.ParseInt(verified.TaskId, 10, 64)
		if parseErr != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		resolvedListId, resolvedItemId, lookupErr := h.lookup.ItemCoordinatesForTask(taskId)
		if lookupErr != nil {
			h.logger.Error("item coordinate lookup failed", zap.Int64("task_id", taskId), zap.Error(lookupErr))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		listId, itemId = resolvedListId, resolvedItemId
	}

	// Failures of the mark-complete step log an error but still return
	// 200, to keep the click UX resilient (spec.md §4.8).
	if err := h.complete.MarkCompleted(r.Context(), listId, itemId, displayName, emailOrUpn); err != nil {
		if !chasererr.Is(err, chasererr.KindAlreadyDone) {
			h.logger.Error("mark completed failed", zap.String("item_id", itemId), zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Acknowledged. You can close this window."))
}
