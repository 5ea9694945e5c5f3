// Package telemetry streams training-loss observations to an Arrow Flight
// endpoint over a single DoPut stream. Reporting is best effort: a broken
// sink logs a warning and the run keeps going.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-fletcher/internal/logger"
)

// LossSchema is the record layout for one observation: the optimizer step,
// the split the loss was measured on, the loss and the learning rate.
var LossSchema = arrow.NewSchema([]arrow.Field{
	{Name: "step", Type: arrow.PrimitiveTypes.Int64},
	{Name: "split", Type: arrow.BinaryTypes.String},
	{Name: "loss", Type: arrow.PrimitiveTypes.Float64},
	{Name: "lr", Type: arrow.PrimitiveTypes.Float64},
}, nil)

type Client struct {
	fl     flight.Client
	stream flight.FlightService_DoPutClient
	writer *flight.Writer
	alloc  memory.Allocator

	mu     sync.Mutex
	failed bool
}

// New dials the Flight endpoint and opens the loss stream.
func New(addr string) (*Client, error) {
	fl, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dialing telemetry sink %s: %w", addr, err)
	}

	stream, err := fl.DoPut(context.Background())
	if err != nil {
		_ = fl.Close()
		return nil, fmt.Errorf("opening loss stream: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(LossSchema))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"training", "loss"},
	})

	logger.Log.Info("telemetry connected", "addr", addr)
	return &Client{fl: fl, stream: stream, writer: w, alloc: memory.DefaultAllocator}, nil
}

// Report ships one observation. Errors are logged once and further writes
// become no-ops.
func (c *Client) Report(step int, split string, loss, lr float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return
	}

	b := array.NewRecordBuilder(c.alloc, LossSchema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).Append(int64(step))
	b.Field(1).(*array.StringBuilder).Append(split)
	b.Field(2).(*array.Float64Builder).Append(loss)
	b.Field(3).(*array.Float64Builder).Append(lr)

	rec := b.NewRecord()
	defer rec.Release()

	if err := c.writer.Write(rec); err != nil {
		c.failed = true
		logger.Log.Warn("telemetry write failed, reporting disabled", "error", err.Error())
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	werr := c.writer.Close()
	if err := c.stream.CloseSend(); err != nil && werr == nil {
		werr = err
	}
	// Drain the server's acknowledgements so the stream shuts down clean.
	for {
		if _, err := c.stream.Recv(); err != nil {
			break
		}
	}
	if err := c.fl.Close(); err != nil && werr == nil {
		werr = err
	}
	return werr
}
