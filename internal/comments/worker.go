package comments

import (
	"context"
	"log/slog"

	"tribecast/internal/models"
	"tribecast/internal/storage"
)

// Store is the slice of the repository the worker needs.
type Store interface {
	CreateComment(params storage.CreateCommentParams) (models.StreamBroadcastComment, error)
}

// Observer is notified for each persisted comment. The metrics recorder
// satisfies it.
type Observer interface {
	CommentIngested(provider string)
}

type nopObserver struct{}

func (nopObserver) CommentIngested(string) {}

// Worker drains the queue and persists comments.
type Worker struct {
	queue    Queue
	store    Store
	logger   *slog.Logger
	observer Observer
}

// NewWorker constructs a persist worker. A nil observer is replaced with a
// no-op.
func NewWorker(queue Queue, store Store, logger *slog.Logger, observer Observer) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Worker{queue: queue, store: store, logger: logger, observer: observer}
}

// Run consumes the queue until the context is cancelled or the subscription
// closes.
func (w *Worker) Run(ctx context.Context) {
	sub := w.queue.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case comment, ok := <-sub.Comments():
			if !ok {
				return
			}
			w.persist(comment)
		}
	}
}

func (w *Worker) persist(comment Comment) {
	_, err := w.store.CreateComment(storage.CreateCommentParams{
		ID:                 comment.ID,
		BroadcastChannelID: comment.BroadcastChannelID,
		Name:               comment.Name,
		Content:            comment.Content,
		IsAdmin:            comment.IsAdmin,
		PublishedAt:        comment.PublishedAt,
	})
	if err != nil {
		w.logger.Error("persist comment failed",
			"comment_id", comment.ID,
			"broadcast_channel_id", comment.BroadcastChannelID,
			"error", err)
		return
	}
	w.observer.CommentIngested(comment.Provider)
}
