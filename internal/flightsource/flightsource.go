// Package flightsource fetches quantized checkpoints over Arrow
// Flight, so a fleet of inference hosts can pull weights from a single
// model server instead of shipping files around.
package flightsource

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-infill/internal/checkpoint"
	"github.com/23skdu/longbow-infill/internal/logger"
	"github.com/23skdu/longbow-infill/internal/quant"
)

// DefaultPort is the conventional Flight port for checkpoint serving.
const DefaultPort = 3000

// Client wraps a Flight connection to a checkpoint server.
type Client struct {
	conn   *grpc.ClientConn
	client flight.Client
	log    *logger.Logger
}

// Dial connects to a checkpoint server at addr (host:port).
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("flight dial %s: %w", addr, err)
	}
	return &Client{
		conn:   conn,
		client: flight.NewClientFromConn(conn, nil),
		log:    logger.Log.Component("flightsource"),
	}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Fetch streams the named checkpoint and assembles a finalized store.
// The stream's schema metadata carries the model architecture; each
// record batch carries tensor rows in the checkpoint layout.
func (c *Client) Fetch(ctx context.Context, name string) (*quant.Store, error) {
	start := time.Now()

	stream, err := c.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, fmt.Errorf("flight get %q: %w", name, err)
	}

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("flight stream %q: %w", name, err)
	}
	defer rdr.Release()

	model, err := checkpoint.ParseModelMetadata(rdr.Schema().Metadata())
	if err != nil {
		return nil, err
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", quant.ErrCorruptWeights, err)
	}

	s := quant.NewStore(model)
	batches := 0
	for rdr.Next() {
		rec := rdr.Record()
		if err := checkpoint.ReadRecordInto(s, rec); err != nil {
			return nil, err
		}
		batches++
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("flight stream %q: %w", name, err)
	}

	if err := s.Finalize(); err != nil {
		return nil, err
	}
	c.log.Info("checkpoint fetched",
		"name", name,
		"batches", batches,
		"duration", time.Since(start))
	return s, nil
}
