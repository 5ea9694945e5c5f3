package telemetry

import (
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureServer collects every loss row pushed over DoPut.
type captureServer struct {
	flight.BaseFlightServer

	mu     sync.Mutex
	steps  []int64
	splits []string
	losses []float64
}

func (s *captureServer) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()

	for rdr.Next() {
		rec := rdr.Record()
		s.mu.Lock()
		for i := 0; i < int(rec.NumRows()); i++ {
			s.steps = append(s.steps, rec.Column(0).(*array.Int64).Value(i))
			s.splits = append(s.splits, rec.Column(1).(*array.String).Value(i))
			s.losses = append(s.losses, rec.Column(2).(*array.Float64).Value(i))
		}
		s.mu.Unlock()
	}
	return rdr.Err()
}

func TestReportStreamsRows(t *testing.T) {
	capture := &captureServer{}
	srv := flight.NewServerWithMiddleware(nil)
	srv.RegisterFlightService(capture)
	require.NoError(t, srv.Init("localhost:0"))
	go func() { _ = srv.Serve() }()
	defer srv.Shutdown()

	c, err := New(srv.Addr().String())
	require.NoError(t, err)

	c.Report(10, "train", 2.5, 1e-4)
	c.Report(50, "validation", 2.1, 9e-5)
	require.NoError(t, c.Close())

	capture.mu.Lock()
	defer capture.mu.Unlock()
	assert.Equal(t, []int64{10, 50}, capture.steps)
	assert.Equal(t, []string{"train", "validation"}, capture.splits)
	assert.Equal(t, []float64{2.5, 2.1}, capture.losses)
}

func TestNewRejectsUnreachableSink(t *testing.T) {
	// grpc dials lazily, so construction itself succeeds; the first write
	// fails and flips the client into the disabled state without error.
	c, err := New("localhost:1")
	if err != nil {
		return
	}
	c.Report(1, "train", 1, 1)
	_ = c.Close()
}
