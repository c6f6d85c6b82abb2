package title

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/internal/queue"
)

// Worker consumes title jobs from the stream queue. Failed jobs are
// re-enqueued with an incremented attempt count up to MaxJobRetries, then
// dropped; a chat keeping its null title is an acceptable outcome.
type Worker struct {
	store         Store
	queue         *queue.StreamQueue
	resolver      Resolver
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type WorkerConfig struct {
	Store         Store
	Queue         *queue.StreamQueue
	Resolver      Resolver
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func NewWorker(cfg WorkerConfig) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		store:         cfg.Store,
		queue:         cfg.Queue,
		resolver:      cfg.Resolver,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := Generate(ctx, w.store, w.resolver, msg.Job.ChatID, msg.Job.Model)
			if err == nil {
				w.metrics.TitleJobsProcessed.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			w.metrics.TitleJobsFailed.Inc()
			log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Int64("chat_id", msg.Job.ChatID).Msg("title job failed")

			if msg.Job.Attempts < w.maxJobRetries {
				msg.Job.Attempts++
				if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
					continue
				}
			}
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
			}
		}
	}
}
