package fetcher

import (
	"context"

	"github.com/batchdl/batchdl/internal/download"
	"github.com/batchdl/batchdl/internal/errors"
)

// ErrSkip tells the dispatcher the resource needs no transfer (already
// present, duplicate). The item lands in skipped, not failed.
var ErrSkip = errors.New("resource skipped")

// ProgressFunc receives transfer progress while a fetch runs: bytes done so
// far, the total size when known (zero otherwise) and the current speed in
// bytes/sec.
type ProgressFunc func(downloaded, total, speed int64)

// Fetcher is the external collaborator that performs the actual transfer of
// one item. Implementations must honor ctx cancellation promptly and return
// errors classified through the internal/errors taxonomy where possible.
type Fetcher interface {
	Fetch(ctx context.Context, item *download.Download, report ProgressFunc) error
}

// Func adapts a plain function to the Fetcher interface.
type Func func(ctx context.Context, item *download.Download, report ProgressFunc) error

func (f Func) Fetch(ctx context.Context, item *download.Download, report ProgressFunc) error {
	return f(ctx, item, report)
}
