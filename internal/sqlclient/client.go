// Package sqlclient is the Remote SQL client of spec.md §4.1: it
// maintains at most one open session per (task, node) pair, executes a
// semicolon-separated batch of statements each in its own transaction,
// and exposes the underlying socket so the readiness multiplexer
// (internal/reactor) can wait on it.
//
// The wrapping of pgx/pgconn for logical-replication control statements
// is grounded on apecloud-myduckserver's logrepl.LogicalReplicator,
// which issues the same family of CREATE PUBLICATION / CREATE
// REPLICATION SLOT / DROP ... IF EXISTS statements this package's
// callers build.
package sqlclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgproto3"
)

// ErrRetry is returned by ExecBatch (and EnsureConnected) when the
// failure is transient: the caller should close nothing further (this
// package already discarded the broken connection) and reschedule via
// WAKE_ME_AT after the configured delay, per spec.md §4.1 and §7.
var ErrRetry = errors.New("sqlclient: transient failure, retry")

// Client wraps a single logical session to one worker node.
type Client struct {
	target string // connection string
	conn   *pgx.Conn

	// pending is non-nil between a successful AsyncQueryRow and its
	// matching PollQueryRow, accumulating rows as they arrive.
	pending *pendingQuery
}

// pendingQuery accumulates the rows of an in-flight AsyncQueryRow call
// until PollQueryRow drains a terminating ReadyForQuery.
type pendingQuery struct {
	rows [][]string
}

// New returns a Client bound to target. No connection is established
// until EnsureConnected is called.
func New(target string) *Client {
	return &Client{target: target}
}

// Connected reports whether a live session currently exists.
func (c *Client) Connected() bool {
	return c.conn != nil
}

// EnsureConnected establishes a session if none exists or the previous
// one is broken (spec.md §4.1). On a fresh connect it disables
// synchronous replication waits for this session's own writes via
// `SET synchronous_commit TO local`, so that the control statements this
// client issues are never themselves blocked by the replication
// topology they are configuring.
func (c *Client) EnsureConnected(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	conn, err := pgx.Connect(ctx, c.target)
	if err != nil {
		return fmt.Errorf("%w: connect: %v", ErrRetry, err)
	}

	if _, err := conn.Exec(ctx, "SET synchronous_commit TO local"); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("%w: session init: %v", ErrRetry, err)
	}

	c.conn = conn
	return nil
}

// Close releases the session, if any. Safe to call on an already-closed
// or never-connected client.
func (c *Client) Close(ctx context.Context) {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close(ctx)
	c.conn = nil
}

// ExecBatch accepts a string that is a sequence of SQL statements
// separated by ';' and runs each one in its own transaction, in order
// (spec.md §4.1): some statements, notably CREATE_REPLICATION_SLOT,
// cannot run inside a transaction that already performed writes. The
// splitter assumes the input contains no embedded semicolons inside
// string literals — true for every statement this core generates, since
// all SQL is built internally from fixed templates (spec.md §4.1).
//
// If any statement fails, the batch aborts, the connection is closed and
// discarded (so the next call reconnects cleanly), and ErrRetry is
// returned.
func (c *Client) ExecBatch(ctx context.Context, batch string) error {
	if c.conn == nil {
		if err := c.EnsureConnected(ctx); err != nil {
			return err
		}
	}

	for _, stmt := range splitStatements(batch) {
		tx, err := c.conn.Begin(ctx)
		if err != nil {
			c.Close(ctx)
			return fmt.Errorf("%w: begin: %v", ErrRetry, err)
		}
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			c.Close(ctx)
			return fmt.Errorf("%w: exec %q: %v", ErrRetry, stmt, err)
		}
		if err := tx.Commit(ctx); err != nil {
			c.Close(ctx)
			return fmt.Errorf("%w: commit: %v", ErrRetry, err)
		}
	}

	return nil
}

// QueryRow runs a single read-only query and scans one row into dest
// using pgx's Rows.Scan conventions. Used by the CP state machine's
// one-shot lookups (the metadata-caught-up check and the sync_point
// capture), which are cheap queries that return immediately rather than
// long polls (spec.md §5, "Suspension points"); the repeating polls use
// AsyncQueryRow/PollQueryRow instead.
func (c *Client) QueryRow(ctx context.Context, sql string, args []any, dest ...any) error {
	if c.conn == nil {
		if err := c.EnsureConnected(ctx); err != nil {
			return err
		}
	}

	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		c.Close(ctx)
		return fmt.Errorf("%w: query: %v", ErrRetry, err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
		if n > 1 {
			continue
		}
		if err := rows.Scan(dest...); err != nil {
			c.Close(ctx)
			return fmt.Errorf("%w: scan: %v", ErrRetry, err)
		}
	}
	if err := rows.Err(); err != nil {
		c.Close(ctx)
		return fmt.Errorf("%w: rows: %v", ErrRetry, err)
	}

	return rowCountError(n)
}

// AsyncQueryRow sends a single-row, single-column lookup query without
// waiting for the reply, so the caller can register Fd() with the
// readiness multiplexer and let other tasks make progress while this
// round trip is in flight, instead of blocking the whole executor on it
// the way QueryRow does (spec.md §2 "tasks are executed concurrently",
// §4.2). This is the path the CP state machine's repeating polls
// (subscription state, received_lsn) use, since those are the points a
// task can sit blocked on for the longest stretch of its lifetime; a
// query issued once per stage transition is left on the plain,
// synchronous QueryRow (see DESIGN.md).
//
// arg is inlined as a quoted string literal in place of the query's sole
// "$1" placeholder and sent via the simple query protocol: every caller
// in this core passes a single internally-generated identifier (a
// logname or subscription name), so skipping the extended protocol's
// Parse/Bind/Describe round trip costs nothing here. Only one query may
// be pending per Client at a time.
func (c *Client) AsyncQueryRow(ctx context.Context, sql, arg string) error {
	if c.conn == nil {
		if err := c.EnsureConnected(ctx); err != nil {
			return err
		}
	}
	if c.pending != nil {
		return fmt.Errorf("sqlclient: a query is already pending on this client")
	}

	inlined := strings.Replace(sql, "$1", quoteLiteral(arg), 1)
	fe := c.conn.PgConn().Frontend()
	fe.Send(&pgproto3.Query{String: inlined})
	if err := fe.Flush(); err != nil {
		c.Close(ctx)
		return fmt.Errorf("%w: send query: %v", ErrRetry, err)
	}

	c.pending = &pendingQuery{}
	return nil
}

// PollQueryRow drains the response to a previously-sent AsyncQueryRow,
// called once the caller has observed Fd() become readable, and scans
// the first row's sole text-format column into dest. Every AsyncQueryRow
// caller in this core reads exactly one text column (a raw LSN or
// subscription state), so dest is a plain *string rather than the
// variadic any-typed destination QueryRow accepts.
//
// A reply spanning more than one TCP segment can still make this block
// briefly waiting for the rest of it to arrive: these replies are a
// handful of bytes, so this core accepts that bounded risk rather than
// hand-rolling a fully non-blocking protocol demuxer (see DESIGN.md).
func (c *Client) PollQueryRow(ctx context.Context, dest *string) error {
	if c.pending == nil {
		return errors.New("sqlclient: no query pending")
	}

	fe := c.conn.PgConn().Frontend()
	for {
		msg, err := fe.Receive()
		if err != nil {
			c.pending = nil
			c.Close(ctx)
			return fmt.Errorf("%w: receive: %v", ErrRetry, err)
		}

		switch m := msg.(type) {
		case *pgproto3.DataRow:
			row := make([]string, len(m.Values))
			for i, v := range m.Values {
				row[i] = string(v)
			}
			c.pending.rows = append(c.pending.rows, row)
		case *pgproto3.ErrorResponse:
			c.pending = nil
			c.Close(ctx)
			return fmt.Errorf("%w: %s", ErrRetry, m.Message)
		case *pgproto3.ReadyForQuery:
			rows := c.pending.rows
			c.pending = nil
			if err := rowCountError(len(rows)); err != nil {
				return err
			}
			if len(rows[0]) != 1 {
				return fmt.Errorf("sqlclient: expected exactly one column, got %d", len(rows[0]))
			}
			*dest = rows[0][0]
			return nil
		}
	}
}

// quoteLiteral escapes s as a single-quoted SQL string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ErrNoRows and ErrMultipleRows surface the "structural bug or
// impossible catalog state" error kind of spec.md §7: a query that must
// return exactly one row returned zero or many. Policy treats both as
// transient (wrapped in ErrRetry by the caller's retry logic), logged at
// warning level; spec.md notes an implementation is free to upgrade this
// to fatal if monitoring is adequate, which this core does not attempt.
var (
	ErrNoRows       = errors.New("sqlclient: expected exactly one row, got none")
	ErrMultipleRows = errors.New("sqlclient: expected exactly one row, got more than one")
)

func rowCountError(n int) error {
	switch {
	case n == 0:
		return ErrNoRows
	case n > 1:
		return ErrMultipleRows
	default:
		return nil
	}
}

// splitStatements splits batch on ';' boundaries, dropping empty
// statements produced by a trailing separator or blank lines.
func splitStatements(batch string) []string {
	parts := strings.Split(batch, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Fd returns the raw file descriptor backing the current session, for
// registration with the readiness multiplexer (internal/reactor). It
// fails if there is no live session or the underlying connection does
// not expose a syscall.Conn (e.g. it is not a TCP/unix socket).
func (c *Client) Fd() (uintptr, error) {
	if c.conn == nil {
		return 0, errors.New("sqlclient: not connected")
	}

	netConn := c.conn.PgConn().Conn()
	sc, ok := netConn.(syscall.Conn)
	if !ok {
		return 0, fmt.Errorf("sqlclient: underlying connection does not support raw fd access")
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("sqlclient: SyscallConn: %w", err)
	}

	var fd uintptr
	var ctrlErr error
	if err := raw.Control(func(f uintptr) { fd = f }); err != nil {
		ctrlErr = err
	}
	if ctrlErr != nil {
		return 0, fmt.Errorf("sqlclient: Control: %w", ctrlErr)
	}
	return fd, nil
}
