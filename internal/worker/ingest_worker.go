package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"paperchat/internal/app"
	"paperchat/internal/platform/rabbitmq"
)

// IngestWorker consumes ingest jobs from the queue and drives the ingestion
// state machine for each uploaded document.
type IngestWorker struct {
	conn      *amqp.Connection
	ingest    *app.IngestService
	queueName string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIngestWorker(conn *amqp.Connection, ingest *app.IngestService, queueName string) *IngestWorker {
	return &IngestWorker{
		conn:      conn,
		ingest:    ingest,
		queueName: queueName,
	}
}

func (w *IngestWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		w.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				w.handleDelivery(workerCtx, d)
			}
		}
	}()

	return nil
}

func (w *IngestWorker) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var job rabbitmq.IngestJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.Printf("worker decode ingest job failed: %v", err)
		_ = d.Nack(false, false)
		return
	}

	err := w.ingest.Ingest(ctx, job.DocumentID)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, app.ErrDocumentNotFound), errors.Is(err, app.ErrExtractionFailed):
		// Extraction failures already left the document FAILED, and an
		// unknown document has nothing to transition. Redelivery is useless.
		log.Printf("worker ingest document %d failed: %v", job.DocumentID, err)
		_ = d.Nack(false, false)
	case !d.Redelivered:
		// Errors raised before the terminal-status write is installed (a
		// transient store failure, typically) can leave the document in a
		// non-terminal status. Retry once.
		log.Printf("worker ingest document %d failed, requeueing: %v", job.DocumentID, err)
		_ = d.Nack(false, true)
	default:
		// Second failure: give up, but make the status terminal so pollers
		// are not stuck on PENDING/PROCESSING forever.
		log.Printf("worker ingest document %d failed after retry, abandoning: %v", job.DocumentID, err)
		w.ingest.MarkFailed(ctx, job.DocumentID)
		_ = d.Nack(false, false)
	}
}

func (w *IngestWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
