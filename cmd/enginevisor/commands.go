package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/enginevisor"
	"github.com/loykin/enginevisor/internal/logger"
	"github.com/loykin/enginevisor/internal/server"
	"github.com/loykin/enginevisor/pkg/client"
)

// shutdownTimeout bounds stopping an owned engine when the CLI exits.
const shutdownTimeout = 30 * time.Second

type command struct {
	global *GlobalFlags
	out    io.Writer
}

// session is a locally built supervisor plus what must be released with it.
type session struct {
	cfg    *enginevisor.Config
	sup    *enginevisor.Supervisor
	logger *slog.Logger
	close  func()
}

func (c *command) remote() bool { return c.global.APIUrl != "" }

func (c *command) apiClient() (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  c.global.APIUrl,
		Timeout:  c.global.APITimeout,
		Insecure: c.global.Insecure,
		Token:    c.global.Token,
	}
	if c.global.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: c.global.CACert}
	}
	return client.New(cfg)
}

func (c *command) local() (*session, error) {
	cfg, err := enginevisor.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	lg, lc, err := logger.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	sup, ec, err := enginevisor.New(cfg, lg)
	if err != nil {
		_ = lc.Close()
		return nil, err
	}
	return &session{cfg: cfg, sup: sup, logger: lg, close: func() {
		_ = ec.Close()
		_ = lc.Close()
	}}, nil
}

// hold keeps an attached engine alive for as long as the CLI runs: the
// engine writes to our pipes, so it is stopped when we leave.
func (c *command) hold(ctx context.Context, s *session) error {
	done := s.sup.OwnedDone()
	if done == nil || s.cfg.Engine.Detached {
		return nil
	}
	s.logger.Info("engine running in foreground, interrupt to stop", "pid", s.sup.OwnedPID())
	select {
	case <-ctx.Done():
	case <-done:
		s.logger.Warn("engine exited")
		return nil
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return s.sup.Shutdown(sctx)
}

func (c *command) Start(ctx context.Context) error {
	if c.remote() {
		api, err := c.apiClient()
		if err != nil {
			return err
		}
		res, err := api.Start(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, res)
		return failure(res.Envelope)
	}
	s, err := c.local()
	if err != nil {
		return err
	}
	defer s.close()
	res := s.sup.Start(ctx)
	printJSON(c.out, res)
	if err := failure(res.Envelope); err != nil {
		return err
	}
	return c.hold(ctx, s)
}

func (c *command) Restart(ctx context.Context) error {
	if c.remote() {
		api, err := c.apiClient()
		if err != nil {
			return err
		}
		res, err := api.Restart(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, res)
		return failure(res.Envelope)
	}
	s, err := c.local()
	if err != nil {
		return err
	}
	defer s.close()
	res := s.sup.Restart(ctx)
	printJSON(c.out, res)
	if err := failure(res.Envelope); err != nil {
		return err
	}
	return c.hold(ctx, s)
}

func (c *command) Status(ctx context.Context, f StatusFlags) error {
	var res enginevisor.StatusResult
	if c.remote() {
		api, err := c.apiClient()
		if err != nil {
			return err
		}
		if res, err = api.Status(ctx); err != nil {
			return err
		}
	} else {
		s, err := c.local()
		if err != nil {
			return err
		}
		defer s.close()
		res = s.sup.Status(ctx)
	}
	printJSON(c.out, res)
	if !f.Check {
		return nil
	}
	if !res.Success {
		return failure(res.Envelope)
	}
	if !res.Connected {
		if res.Error == "" {
			return fmt.Errorf("engine is not reachable at %s", res.URL)
		}
		return fmt.Errorf("engine is not reachable at %s: %s", res.URL, res.Error)
	}
	return nil
}

func (c *command) ListWorkflows(ctx context.Context) error {
	var res enginevisor.ListResult
	if c.remote() {
		api, err := c.apiClient()
		if err != nil {
			return err
		}
		if res, err = api.ListWorkflows(ctx); err != nil {
			return err
		}
	} else {
		s, err := c.local()
		if err != nil {
			return err
		}
		defer s.close()
		res = s.sup.ListWorkflows(ctx)
	}
	printJSON(c.out, res)
	return failure(res.Envelope)
}

func (c *command) Execute(ctx context.Context, workflowID string) error {
	var res enginevisor.ExecuteResult
	if c.remote() {
		api, err := c.apiClient()
		if err != nil {
			return err
		}
		if res, err = api.ExecuteWorkflow(ctx, workflowID); err != nil {
			return err
		}
	} else {
		s, err := c.local()
		if err != nil {
			return err
		}
		defer s.close()
		res = s.sup.ExecuteWorkflow(ctx, workflowID)
	}
	printJSON(c.out, res)
	return failure(res.Envelope)
}

// Executions shows the monitor overview, or one workflow's history when a
// workflow id is given.
func (c *command) Executions(ctx context.Context, f ExecutionsFlags) error {
	if f.WorkflowID == "" {
		var res enginevisor.MonitorResult
		if c.remote() {
			api, err := c.apiClient()
			if err != nil {
				return err
			}
			if res, err = api.Monitor(ctx); err != nil {
				return err
			}
		} else {
			s, err := c.local()
			if err != nil {
				return err
			}
			defer s.close()
			res = s.sup.Monitor(ctx)
		}
		printJSON(c.out, res)
		return failure(res.Envelope)
	}
	var res enginevisor.HistoryResult
	if c.remote() {
		api, err := c.apiClient()
		if err != nil {
			return err
		}
		if res, err = api.History(ctx, client.HistoryRequest{WorkflowID: f.WorkflowID, Limit: f.Limit}); err != nil {
			return err
		}
	} else {
		s, err := c.local()
		if err != nil {
			return err
		}
		defer s.close()
		res = s.sup.History(ctx, f.WorkflowID, f.Limit)
	}
	printJSON(c.out, res)
	return failure(res.Envelope)
}

func (c *command) Stop(ctx context.Context) error {
	var res enginevisor.StopResult
	if c.remote() {
		api, err := c.apiClient()
		if err != nil {
			return err
		}
		if res, err = api.Stop(ctx); err != nil {
			return err
		}
	} else {
		s, err := c.local()
		if err != nil {
			return err
		}
		defer s.close()
		res = s.sup.Stop(ctx)
	}
	printJSON(c.out, res)
	return failure(res.Envelope)
}

func (c *command) Logs(ctx context.Context, f LogsFlags) error {
	var res enginevisor.LogsResult
	if c.remote() {
		api, err := c.apiClient()
		if err != nil {
			return err
		}
		if res, err = api.Logs(ctx, f.Lines); err != nil {
			return err
		}
	} else {
		s, err := c.local()
		if err != nil {
			return err
		}
		defer s.close()
		res = s.sup.Logs(f.Lines)
	}
	printJSON(c.out, res)
	return failure(res.Envelope)
}

// Serve runs the control API until ctx is done, then stops the owned engine.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	if c.remote() {
		return errors.New("serve runs locally; --api-url does not apply")
	}
	s, err := c.local()
	if err != nil {
		return err
	}
	defer s.close()
	if f.Listen != "" {
		s.cfg.Server.Listen = f.Listen
	}
	srv, err := enginevisor.NewHTTPServer(s.cfg, s.sup, prometheus.DefaultRegisterer, prometheus.DefaultGatherer, s.logger)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Listen, err)
	}
	protocol := "http"
	if srv.TLSConfig != nil {
		protocol = "https"
	}
	s.logger.Info("control API listening", "addr", ln.Addr().String(), "protocol", protocol, "base_path", s.cfg.Server.BasePath, "engine", s.sup.BaseURL())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx, srv, ln) })
	if f.AutoStart {
		g.Go(func() error {
			res := s.sup.Start(gctx)
			if !res.Success {
				// the API stays up so the failure can be inspected and retried
				s.logger.Error("engine autostart failed", "kind", res.Kind, "error", res.Error)
			}
			return nil
		})
	}
	serveErr := g.Wait()

	if !s.cfg.Engine.Detached {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.sup.Shutdown(sctx); err != nil {
			s.logger.Error("engine shutdown", "error", err)
		}
	}
	s.logger.Info("control API stopped")
	return serveErr
}
