package graphdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4j executes queries through the official driver.
type Neo4j struct {
	driver       neo4j.DriverWithContext
	database     string
	queryTimeout time.Duration
}

// Neo4jOptions configures OpenNeo4j.
type Neo4jOptions struct {
	URI          string
	User         string
	Password     string
	Database     string
	QueryTimeout time.Duration
}

// OpenNeo4j creates a driver and verifies connectivity.
func OpenNeo4j(ctx context.Context, opts Neo4jOptions) (*Neo4j, error) {
	driver, err := neo4j.NewDriverWithContext(opts.URI, neo4j.BasicAuth(opts.User, opts.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("connecting to neo4j at %s: %w", opts.URI, err)
	}
	return &Neo4j{driver: driver, database: opts.Database, queryTimeout: opts.QueryTimeout}, nil
}

// Close releases the driver's connections.
func (n *Neo4j) Close(ctx context.Context) error {
	return n.driver.Close(ctx)
}

// Ping checks the server is reachable.
func (n *Neo4j) Ping(ctx context.Context) error {
	return n.driver.VerifyConnectivity(ctx)
}

// RunQuery executes text with read routing and returns JSON-friendly rows.
func (n *Neo4j) RunQuery(ctx context.Context, text string) ([]Row, error) {
	if n.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.queryTimeout)
		defer cancel()
	}

	res, err := neo4j.ExecuteQuery(ctx, n.driver, text, nil,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(n.database),
		neo4j.ExecuteQueryWithReadersRouting(),
	)
	if err != nil {
		return nil, toQueryError(text, err)
	}

	rows := make([]Row, 0, len(res.Records))
	for _, rec := range res.Records {
		m := rec.AsMap()
		for k, v := range m {
			m[k] = plainValue(v)
		}
		rows = append(rows, m)
	}
	return rows, nil
}

func toQueryError(query string, err error) error {
	qe := &QueryError{Query: query, Message: err.Error(), Err: err}
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) {
		qe.Code = nerr.Code
		qe.Message = nerr.Msg
	}
	return qe
}

// plainValue converts driver graph and temporal types into maps, slices and
// strings that encode cleanly as JSON.
func plainValue(v any) any {
	switch x := v.(type) {
	case neo4j.Node:
		m := make(map[string]any, len(x.Props)+1)
		for k, pv := range x.Props {
			m[k] = plainValue(pv)
		}
		m["_labels"] = x.Labels
		return m
	case neo4j.Relationship:
		m := make(map[string]any, len(x.Props)+1)
		for k, pv := range x.Props {
			m[k] = plainValue(pv)
		}
		m["_type"] = x.Type
		return m
	case neo4j.Path:
		nodes := make([]any, len(x.Nodes))
		for i, node := range x.Nodes {
			nodes[i] = plainValue(node)
		}
		return map[string]any{"_nodes": nodes}
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plainValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = plainValue(e)
		}
		return out
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		// Date, LocalTime, Duration and friends.
		return x.String()
	default:
		return v
	}
}
