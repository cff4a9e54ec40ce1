// Package t38cmd wraps command execution against the geospatial store with
// the retry policy from spec.md §4.2, grounded verbatim on
// original_source/src/db/t38/cmd.rs.
package t38cmd

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eugenever/locator/internal/gss"
	"github.com/eugenever/locator/internal/observability"
)

const (
	retryDelay          = 1 * time.Second
	countAttemptsRunCmd = 600

	idNotFoundError  = "id not found"
	keyNotFoundError = "key not found"
	RedisNoData      = "no data"
)

var (
	// ErrNotFound surfaces immediately when the store reports the key/id is
	// absent; callers map this to "no cached record".
	ErrNotFound = errors.New("t38cmd: id or key not found")
	// ErrUnreachable is returned once the retry budget (600 retries) is
	// exhausted, or immediately on a busy-loading response.
	ErrUnreachable = errors.New("t38cmd: unable to connect to the geospatial store")
)

// Executor issues commands against whatever master the supervisor currently
// hands out, retrying through failover as needed.
type Executor struct {
	Supervisor *gss.Supervisor
}

func New(s *gss.Supervisor) *Executor {
	return &Executor{Supervisor: s}
}

// Exec runs a fire-and-forget command (e.g. SET, FSET, DEL, JSET).
func (e *Executor) Exec(ctx context.Context, args ...interface{}) error {
	start := time.Now()
	conn, err := e.Supervisor.ObtainConnection(ctx, nil)
	if err != nil {
		return ErrUnreachable
	}

	for attempt := 0; ; attempt++ {
		err := conn.Do(ctx, args...).Err()
		if err == nil {
			observability.ObserveCacheOp(cmdName(args), "ok", time.Since(start))
			return nil
		}
		if errStrContainsNotFound(err) {
			observability.ObserveCacheOp(cmdName(args), "not_found", time.Since(start))
			return ErrNotFound
		}
		if isBusyLoading(err) {
			observability.ObserveCacheOp(cmdName(args), "busy_loading", time.Since(start))
			return ErrUnreachable
		}
		if attempt >= countAttemptsRunCmd {
			observability.ObserveCacheOp(cmdName(args), "unreachable", time.Since(start))
			return ErrUnreachable
		}
		time.Sleep(retryDelay)
		errStr := err.Error()
		conn, err = e.Supervisor.ObtainConnection(ctx, &errStr)
		if err != nil {
			observability.ObserveCacheOp(cmdName(args), "unreachable", time.Since(start))
			return ErrUnreachable
		}
	}
}

// Query runs a command that returns a value (GET, JGET, ...).
func (e *Executor) Query(ctx context.Context, args ...interface{}) (interface{}, error) {
	start := time.Now()
	conn, err := e.Supervisor.ObtainConnection(ctx, nil)
	if err != nil {
		return nil, ErrUnreachable
	}

	for attempt := 0; ; attempt++ {
		v, err := conn.Do(ctx, args...).Result()
		if err == nil {
			observability.ObserveCacheOp(cmdName(args), "ok", time.Since(start))
			return v, nil
		}
		if errStrContainsNotFound(err) {
			observability.ObserveCacheOp(cmdName(args), "not_found", time.Since(start))
			return nil, ErrNotFound
		}
		if isBusyLoading(err) {
			observability.ObserveCacheOp(cmdName(args), "busy_loading", time.Since(start))
			return nil, ErrUnreachable
		}
		if attempt >= countAttemptsRunCmd {
			observability.ObserveCacheOp(cmdName(args), "unreachable", time.Since(start))
			return nil, ErrUnreachable
		}
		time.Sleep(retryDelay)
		errStr := err.Error()
		conn, err = e.Supervisor.ObtainConnection(ctx, &errStr)
		if err != nil {
			observability.ObserveCacheOp(cmdName(args), "unreachable", time.Since(start))
			return nil, ErrUnreachable
		}
	}
}

// PipelineCmd is one command within a Pipeline call.
type PipelineCmd struct {
	Args []interface{}
}

// ExecPipeline batches commands through a go-redis pipeline (fire-and-forget
// semantics, like exec_pipeline in cmd.rs).
func (e *Executor) ExecPipeline(ctx context.Context, cmds []PipelineCmd) error {
	conn, err := e.Supervisor.ObtainConnection(ctx, nil)
	if err != nil {
		return ErrUnreachable
	}

	for attempt := 0; ; attempt++ {
		pipe := conn.Pipeline()
		for _, c := range cmds {
			pipe.Do(ctx, c.Args...)
		}
		_, err := pipe.Exec(ctx)
		if err == nil || err == redis.Nil {
			return nil
		}
		if isBusyLoading(err) {
			return ErrUnreachable
		}
		if attempt >= countAttemptsRunCmd {
			return ErrUnreachable
		}
		time.Sleep(retryDelay)
		errStr := err.Error()
		conn, err = e.Supervisor.ObtainConnection(ctx, &errStr)
		if err != nil {
			return ErrUnreachable
		}
	}
}

// QueryPipeline batches read commands and returns one result per command;
// a per-element error containing "no data" yields a nil slot instead of
// failing the whole pipeline, matching query_pipeline<T> in cmd.rs.
func (e *Executor) QueryPipeline(ctx context.Context, cmds []PipelineCmd) ([]interface{}, error) {
	conn, err := e.Supervisor.ObtainConnection(ctx, nil)
	if err != nil {
		return nil, ErrUnreachable
	}

	for attempt := 0; ; attempt++ {
		pipe := conn.Pipeline()
		cmders := make([]*redis.Cmd, len(cmds))
		for i, c := range cmds {
			cmders[i] = pipe.Do(ctx, c.Args...)
		}
		_, err := pipe.Exec(ctx)
		// go-redis reports the first failed element as the pipeline's error;
		// per-element "no data"/"not found" errors are decoded below instead.
		if err != nil && err != redis.Nil && !errStrContainsNotFound(err) && !strings.Contains(err.Error(), RedisNoData) {
			if isBusyLoading(err) {
				return nil, ErrUnreachable
			}
			if attempt >= countAttemptsRunCmd {
				return nil, ErrUnreachable
			}
			time.Sleep(retryDelay)
			errStr := err.Error()
			conn, err = e.Supervisor.ObtainConnection(ctx, &errStr)
			if err != nil {
				return nil, ErrUnreachable
			}
			continue
		}

		out := make([]interface{}, len(cmders))
		for i, cmder := range cmders {
			v, err := cmder.Result()
			if err != nil {
				if strings.Contains(err.Error(), RedisNoData) || errStrContainsNotFound(err) {
					out[i] = nil
					continue
				}
				out[i] = nil
				continue
			}
			out[i] = v
		}
		return out, nil
	}
}

func errStrContainsNotFound(err error) bool {
	s := err.Error()
	return strings.Contains(s, idNotFoundError) || strings.Contains(s, keyNotFoundError)
}

func isBusyLoading(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busy loading") ||
		strings.Contains(strings.ToUpper(err.Error()), "LOADING")
}

func cmdName(args []interface{}) string {
	if len(args) == 0 {
		return "unknown"
	}
	if s, ok := args[0].(string); ok {
		return strings.ToUpper(s)
	}
	return "unknown"
}
