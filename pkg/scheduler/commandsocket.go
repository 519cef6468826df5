package scheduler

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/eventqueue"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/log"
	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
)

// CommandSocket is the line-oriented unix socket operators drive the
// daemon through. One command per line; the response is a single line.
type CommandSocket struct {
	path    string
	handler func(cmd string, args []string) string
	logger  zerolog.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewCommandSocket creates a command socket bound to path
func NewCommandSocket(path string, handler func(cmd string, args []string) string) *CommandSocket {
	return &CommandSocket{
		path:    path,
		handler: handler,
		logger:  log.WithComponent("commandsocket"),
	}
}

// Start binds the socket and begins accepting connections. A stale socket
// file from a previous run is removed first.
func (cs *CommandSocket) Start() error {
	if err := os.Remove(cs.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %s: %w", cs.path, err)
	}
	ln, err := net.Listen("unix", cs.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cs.path, err)
	}
	cs.mu.Lock()
	cs.ln = ln
	cs.mu.Unlock()
	go cs.accept(ln)
	cs.logger.Info().Str("path", cs.path).Msg("command socket listening")
	return nil
}

// Close stops accepting connections and removes the socket file
func (cs *CommandSocket) Close() error {
	cs.mu.Lock()
	ln := cs.ln
	cs.ln = nil
	cs.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	_ = os.Remove(cs.path)
	return err
}

func (cs *CommandSocket) accept(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go cs.serve(conn)
	}
}

func (cs *CommandSocket) serve(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		response := cs.handler(fields[0], fields[1:])
		if _, err := fmt.Fprintln(conn, response); err != nil {
			return
		}
	}
}

// handleCommand dispatches an operator command. Reconfigurations go
// through the durable management queues so they run with the same locking
// as event-driven ones and can be picked up by any scheduler.
func (s *Scheduler) handleCommand(cmd string, args []string) string {
	s.logger.Info().Str("command", cmd).Strs("args", args).Msg("operator command")
	switch cmd {
	case "full-reconfigure":
		return s.enqueueReconfigure(&model.ReconfigureEvent{})
	case "smart-reconfigure":
		return s.enqueueReconfigure(&model.ReconfigureEvent{Smart: true})
	case "tenant-reconfigure":
		if len(args) != 1 {
			return "ERR usage: tenant-reconfigure <tenant>"
		}
		ev, err := model.NewEvent(model.EventKindTenantReconfigure,
			&model.TenantReconfigureEvent{Tenant: args[0]})
		if err != nil {
			return "ERR " + err.Error()
		}
		if err := eventqueue.NewTenantManagementQueue(s.client, args[0]).Put(ev); err != nil {
			return "ERR " + err.Error()
		}
		s.notify()
		return "OK"
	case "repl":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return "OK"
	case "norepl":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return "OK"
	case "stop":
		go s.Stop()
		return "OK"
	default:
		return "ERR unknown command " + cmd
	}
}

func (s *Scheduler) enqueueReconfigure(re *model.ReconfigureEvent) string {
	ev, err := model.NewEvent(model.EventKindReconfigure, re)
	if err != nil {
		return "ERR " + err.Error()
	}
	if err := eventqueue.NewGlobalManagementQueue(s.client).Put(ev); err != nil {
		return "ERR " + err.Error()
	}
	s.notify()
	return "OK"
}
