package hl7v2

import (
	"context"
	"time"
)

// Sources reported to an Observer.
const (
	SourceHTTP  = "http"
	SourceMLLP  = "mllp"
	SourceBatch = "batch"
)

// Observer is notified of every parse performed by the HTTP and MLLP edges.
// Implementations must be safe for concurrent use and must not retain res.
type Observer interface {
	ObserveParse(ctx context.Context, source string, res *Result, elapsed time.Duration)
}

// Observers fans a parse outcome out to several observers in order.
type Observers []Observer

// ObserveParse implements Observer.
func (o Observers) ObserveParse(ctx context.Context, source string, res *Result, elapsed time.Duration) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveParse(ctx, source, res, elapsed)
		}
	}
}
