package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/polarscope/runflow/internal/domain"
)

// TransferRoute names one hop of the payload's journey: objects land in
// To after a server-side copy out of From.
type TransferRoute struct {
	From Destination
	To   Destination
}

// ObjectStoreTransfer stages a run's payload between buckets of an
// S3-compatible store with server-side copies. The hop is selected by the
// destination bucket, so one worker serves both the tape-to-staging and
// the staging-to-archive transfer. The recorded checksum is the
// destination object's ETag and the location is its s3 url.
type ObjectStoreTransfer struct {
	logger *slog.Logger
	client *minio.Client
	routes map[string]TransferRoute
}

func NewObjectStoreTransfer(logger *slog.Logger, client *minio.Client, routes ...TransferRoute) (*ObjectStoreTransfer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("at least one transfer route is required")
	}
	byDest := make(map[string]TransferRoute, len(routes))
	for _, route := range routes {
		if err := route.From.Validate(); err != nil {
			return nil, fmt.Errorf("route source: %w", err)
		}
		if err := route.To.Validate(); err != nil {
			return nil, fmt.Errorf("route destination: %w", err)
		}
		if _, ok := byDest[route.To.Bucket]; ok {
			return nil, fmt.Errorf("duplicate transfer route into bucket %q", route.To.Bucket)
		}
		byDest[route.To.Bucket] = route
	}
	return &ObjectStoreTransfer{
		logger: logger.With("component", "objectstore-transfer"),
		client: client,
		routes: byDest,
	}, nil
}

func (t *ObjectStoreTransfer) Transfer(ctx context.Context, run domain.Run, dest Destination) domain.StepOutcome {
	started := time.Now().UTC()
	if t == nil || t.client == nil {
		return domain.StepFailure("object store transfer not initialized", started, time.Now().UTC())
	}
	if err := dest.Validate(); err != nil {
		return domain.StepFailure(fmt.Sprintf("destination: %v", err), started, time.Now().UTC())
	}
	route, ok := t.routes[dest.Bucket]
	if !ok {
		return domain.StepFailure(fmt.Sprintf("no transfer route into bucket %q", dest.Bucket), started, time.Now().UTC())
	}

	srcKey := route.From.Key(run)
	destKey := dest.Key(run)
	info, err := t.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dest.Bucket, Object: destKey},
		minio.CopySrcOptions{Bucket: route.From.Bucket, Object: srcKey},
	)
	ended := time.Now().UTC()
	if err != nil {
		t.logger.Warn("object copy failed",
			"run_number", run.RunNumber,
			"source", route.From.Bucket+"/"+srcKey,
			"dest", dest.Bucket+"/"+destKey,
			"error", err,
		)
		return domain.StepFailure(fmt.Sprintf("copy %s/%s: %v", route.From.Bucket, srcKey, err), started, ended)
	}
	return domain.StepSuccess("", strings.Trim(info.ETag, `"`), dest.URL(run), started, ended)
}
