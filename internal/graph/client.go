package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/worldloom/ace/internal/fault"
)

// ClientConfig holds connection settings for the graph backend.
type ClientConfig struct {
	Address        string
	User           string
	Password       string
	MaxRetries     int
	RetryBackoff   time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults for a local Dgraph.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:        "localhost:9080",
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
	}
}

// Client wraps the Dgraph client with schema management, bounded retries,
// and error-kind mapping.
type Client struct {
	conn   *grpc.ClientConn
	dg     *dgo.Dgraph
	cfg    ClientConfig
	logger *zap.Logger
}

// timeoutInterceptor enforces a per-call timeout when the caller did not
// already set a deadline.
func timeoutInterceptor(timeout time.Duration) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{},
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// NewClient connects to the graph backend and installs the ACE schema.
func NewClient(ctx context.Context, cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultClientConfig().MaxRetries
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = DefaultClientConfig().RetryBackoff
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultClientConfig().RequestTimeout
	}

	var conn *grpc.ClientConn
	var err error
	backoff := cfg.RetryBackoff
	for i := 0; i < cfg.MaxRetries; i++ {
		conn, err = grpc.DialContext(ctx, cfg.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
			grpc.WithUnaryInterceptor(timeoutInterceptor(cfg.RequestTimeout)),
		)
		if err == nil {
			break
		}
		logger.Warn("graph backend unreachable, retrying",
			zap.Int("attempt", i+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.Cancelled, "graph dial cancelled", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err != nil {
		return nil, fault.Wrap(fault.BackendUnavailable,
			fmt.Sprintf("graph backend unreachable after %d attempts", cfg.MaxRetries), err)
	}

	dg := dgo.NewDgraphClient(api.NewDgraphClient(conn))
	if cfg.User != "" {
		if err := dg.LoginIntoNamespace(ctx, cfg.User, cfg.Password, 0); err != nil {
			conn.Close()
			return nil, fault.Wrap(fault.BackendUnavailable, "graph login failed", err)
		}
	}

	c := &Client{conn: conn, dg: dg, cfg: cfg, logger: logger}
	if err := c.initSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("graph client connected", zap.String("address", cfg.Address))
	return c, nil
}

// initSchema installs predicates and indexes. canonical_id carries the
// @upsert directive so concurrent MERGE writes on the same id serialize.
func (c *Client) initSchema(ctx context.Context) error {
	schema := `
		type Entity {
			canonical_id
			entity_type
			name
			props
			merged_from
			created_at
			updated_at
			event_date
		}

		type Relation {
			relation_key
			rel_type
			rel_from
			rel_to
			rel_props
			since
			created_at
			updated_at
		}

		canonical_id: string @index(exact) @upsert .
		entity_type: string @index(exact) .
		name: string @index(exact, term, fulltext) .
		props: string .
		merged_from: [string] .
		event_date: datetime @index(hour) .

		relation_key: string @index(exact) @upsert .
		rel_type: string @index(exact) .
		rel_from: uid @reverse .
		rel_to: uid @reverse .
		rel_props: string .
		since: string .

		created_at: datetime .
		updated_at: datetime .
	`
	if err := c.dg.Alter(ctx, &api.Operation{Schema: schema}); err != nil {
		return mapError("alter schema", err)
	}
	c.logger.Info("graph schema initialized")
	return nil
}

// Close releases the backend connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// query runs a read-only query with bounded retries for transient failures.
func (c *Client) query(ctx context.Context, q string, vars map[string]string) ([]byte, error) {
	var lastErr error
	backoff := c.cfg.RetryBackoff
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		txn := c.dg.NewReadOnlyTxn().BestEffort()
		resp, err := txn.QueryWithVars(ctx, q, vars)
		if err == nil {
			return resp.Json, nil
		}
		lastErr = mapError("graph query", err)
		if !fault.Retryable(lastErr) {
			return nil, lastErr
		}
		c.logger.Warn("transient graph query failure, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.Cancelled, "graph query cancelled", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

// mapError converts backend errors to the stable taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.Cancelled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.BackendTimeout, op, err)
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted:
			return fault.Wrap(fault.BackendUnavailable, op, err)
		case codes.DeadlineExceeded:
			return fault.Wrap(fault.BackendTimeout, op, err)
		}
	}
	msg := err.Error()
	if isAborted(err) {
		return fault.Wrap(fault.BackendUnavailable, op+" (txn aborted)", err)
	}
	if strings.Contains(msg, "index") || strings.Contains(msg, "schema") || strings.Contains(msg, "constraint") {
		return fault.Wrap(fault.SchemaError, op, err)
	}
	return fault.Wrap(fault.BackendUnavailable, op, err)
}

func isAborted(err error) bool {
	return errors.Is(err, dgo.ErrAborted) ||
		strings.Contains(err.Error(), "Transaction has been aborted")
}
