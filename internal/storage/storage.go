package storage

import "ammscope/internal/model"

// Sink receives events emitted by pools.
type Sink interface {
	PutEventBatch(events []model.Event) error
}

// ObservationSink receives oracle observations.
type ObservationSink interface {
	PutObservationBatch(observations []model.Observation) error
}
