package device

import (
	"fmt"
	"slices"
	"time"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/ring"
	"github.com/ardnew/usbssp/trb"
)

// cmdRingState tracks the command ring through an abort:
// running → aborted → stopped → running.
type cmdRingState uint8

const (
	cmdRunning cmdRingState = iota
	cmdAborted              // abort requested, waiting for the ring to stop
	cmdStopped              // stopped; software owns the TRBs past the dequeue pointer
)

func (s cmdRingState) String() string {
	switch s {
	case cmdRunning:
		return "running"
	case cmdAborted:
		return "aborted"
	case cmdStopped:
		return "stopped"
	default:
		return fmt.Sprintf("cmd_ring_state(%d)", uint8(s))
	}
}

// CommandError reports a command the controller completed with a failure
// code.
type CommandError struct {
	Type trb.Type
	Code trb.CompletionCode
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s command: %s", e.Type, e.Code)
}

// Unwrap returns the sentinel error for the completion code.
func (e *CommandError) Unwrap() error {
	if err := e.Code.Err(); err != nil {
		return err
	}
	return pkg.ErrProtocol
}

// command is one operation in flight on the command ring.
type command struct {
	typ     trb.Type
	pos     ring.Cursor
	aborted  bool // timed out; completes as aborted whatever the controller says
	finished bool // caller told; the TRB is still in flight as a no-op
	code     trb.CompletionCode
	slotID  uint8
	handler func(*command) // runs with the controller lock held
}

func (cmd *command) err() error {
	if cmd.code == trb.CodeSuccess {
		return nil
	}
	return &CommandError{Type: cmd.typ, Code: cmd.code}
}

// queueCommand writes t to the command ring and rings the command doorbell.
// Commands that must succeed may use the slot the others leave free, so
// recovery is never starved by ordinary commands.
func (c *Controller) queueCommand(t trb.TRB, handler func(*command), mustSucceed bool) (*command, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	reserve := 2
	if mustSucceed {
		reserve = 1
	}
	if err := c.cmdRing.Prepare(reserve); err != nil {
		return nil, fmt.Errorf("queue %s: %w", t.Type(), err)
	}
	cmd := &command{typ: t.Type(), handler: handler}
	cmd.pos = c.cmdRing.Queue(t, false)
	c.cmds = append(c.cmds, cmd)
	c.metrics.CommandsIssued.WithLabelValues(cmd.typ.String()).Inc()
	pkg.LogDebug(pkg.ComponentCommand, "command queued", "type", cmd.typ, "inflight", len(c.cmds))
	if c.cmdState == cmdRunning {
		if len(c.cmds) == 1 {
			c.armCommandTimer()
		}
		c.hal.Write32(c.db, hal.DoorbellCommand)
	}
	return cmd, nil
}

// await starts an asynchronous operation and sleeps, without the lock, until
// it reports back. Called with the lock held.
func (c *Controller) await(start func(done func(error))) error {
	ch := make(chan error, 1)
	start(func(err error) { ch <- err })
	c.unlock()
	err := <-ch
	c.mu.Lock()
	return err
}

// runCommand issues t and waits for its completion.
func (c *Controller) runCommand(t trb.TRB) (*command, error) {
	var cmd *command
	err := c.await(func(done func(error)) {
		var err error
		cmd, err = c.queueCommand(t, func(cm *command) { done(cm.err()) }, false)
		if err != nil {
			done(err)
		}
	})
	return cmd, err
}

func (c *Controller) armCommandTimer() {
	c.cmdGen++
	gen := c.cmdGen
	if c.cmdTimer != nil {
		c.cmdTimer.Stop()
	}
	c.cmdTimer = time.AfterFunc(c.cfg.CommandTimeout, func() { c.commandTimeout(gen) })
}

func (c *Controller) stopCommandTimer() {
	c.cmdGen++
	if c.cmdTimer != nil {
		c.cmdTimer.Stop()
		c.cmdTimer = nil
	}
}

// commandTimeout runs when the head command has been in flight for the
// command timeout.
func (c *Controller) commandTimeout(gen uint64) {
	c.mu.Lock()
	defer c.unlock()
	if gen != c.cmdGen || !c.running || c.dying || len(c.cmds) == 0 {
		return
	}
	head := c.cmds[0]
	head.aborted = true
	c.metrics.CommandTimeouts.Inc()
	pkg.LogWarn(pkg.ComponentCommand, "command timed out", "type", head.typ, "timeout", c.cfg.CommandTimeout)
	if c.cmdState != cmdRunning {
		return
	}
	c.abortCommandRing()
}

// abortCommandRing stops the command ring with the abort bit and waits for
// it to report stopped. The lock is dropped while waiting for the ring
// stopped event.
func (c *Controller) abortCommandRing() {
	c.cmdState = cmdAborted
	c.metrics.CommandAborts.Inc()
	stopped := make(chan struct{})
	c.cmdStopped = stopped

	off := c.op + hal.RegCRCR
	c.hal.Write64(off, hal.CRCRAbort)
	if err := hal.Handshake64(c.hal, off, hal.CRCRRunning, 0, c.cfg.AbortTimeout); err != nil {
		pkg.LogError(pkg.ComponentCommand, "command ring did not stop", "error", err)
		c.died("command ring abort failed")
		return
	}

	c.unlock()
	timer := time.NewTimer(c.cfg.StopRingTimeout)
	select {
	case <-stopped:
	case <-timer.C:
	}
	timer.Stop()
	c.mu.Lock()

	if !c.running || c.dying {
		return
	}
	if c.cmdState == cmdStopped {
		c.handleStoppedCommandRing()
		return
	}
	pkg.LogWarn(pkg.ComponentCommand, "no command ring stopped event after abort", "inflight", len(c.cmds))
	c.signalStopped()
	// The ring restarts at the same TRBs, so they run as no-ops and stay in
	// flight to match their completions.
	cmds := slices.Clone(c.cmds)
	for _, cmd := range cmds {
		cmd.aborted = true
		c.cmdRing.ToNoop(cmd.pos)
	}
	for _, cmd := range cmds {
		c.finishCommand(cmd, trb.CodeCommandAborted, 0)
	}
	c.cmdState = cmdRunning
	if len(c.cmds) > 0 {
		c.armCommandTimer()
		c.hal.Write32(c.db, hal.DoorbellCommand)
	}
}

// signalStopped wakes an abort waiting for the ring stopped event.
func (c *Controller) signalStopped() {
	if c.cmdStopped != nil {
		close(c.cmdStopped)
		c.cmdStopped = nil
	}
}

// handleStoppedCommandRing turns commands marked aborted into no-ops in
// place and restarts the ring at the first command still pending.
func (c *Controller) handleStoppedCommandRing() {
	for _, cmd := range c.cmds {
		if cmd.aborted {
			c.cmdRing.ToNoop(cmd.pos)
		}
	}
	c.cmdState = cmdRunning
	if len(c.cmds) > 0 {
		c.armCommandTimer()
		c.hal.Write32(c.db, hal.DoorbellCommand)
	}
	pkg.LogDebug(pkg.ComponentCommand, "command ring restarted", "inflight", len(c.cmds))
}

// completeCommands completes every command in flight with code.
func (c *Controller) completeCommands(code trb.CompletionCode) {
	c.stopCommandTimer()
	cmds := c.cmds
	c.cmds = nil
	for _, cmd := range cmds {
		c.finishCommand(cmd, code, 0)
	}
}

func (c *Controller) finishCommand(cmd *command, code trb.CompletionCode, slotID uint8) {
	if cmd.finished {
		pkg.LogDebug(pkg.ComponentCommand, "aborted command drained", "type", cmd.typ, "code", code)
		return
	}
	cmd.finished = true
	if cmd.aborted {
		code = trb.CodeCommandAborted
	}
	cmd.code, cmd.slotID = code, slotID
	c.metrics.CommandsCompleted.WithLabelValues(cmd.typ.String(), code.String()).Inc()
	pkg.LogDebug(pkg.ComponentCommand, "command completed", "type", cmd.typ, "code", code)
	if cmd.handler != nil {
		cmd.handler(cmd)
	}
}

// handleCommandCompletion resolves a command completion event to the head
// of the in-flight list.
func (c *Controller) handleCommandCompletion(ev trb.TRB) {
	code := ev.CompletionCode()
	if code == trb.CodeCommandRingStopped {
		if c.cmdState == cmdAborted {
			c.cmdState = cmdStopped
		}
		c.signalStopped()
		return
	}

	addr := ev.Pointer()
	if want := c.cmdRing.DMA(c.cmdRing.Dequeue()); addr != want {
		pkg.LogError(pkg.ComponentCommand, "command completion does not match dequeue pointer",
			"addr", fmt.Sprintf("%#x", addr), "want", fmt.Sprintf("%#x", want), "code", code)
		return
	}
	if len(c.cmds) == 0 || c.cmds[0].pos != c.cmdRing.Dequeue() {
		pkg.LogError(pkg.ComponentCommand, "command completion with no command in flight",
			"addr", fmt.Sprintf("%#x", addr), "code", code)
		c.cmdRing.AdvanceDequeue()
		return
	}
	cmd := c.cmds[0]
	c.cmds = slices.Delete(c.cmds, 0, 1)
	c.cmdRing.AdvanceDequeue()

	if code == trb.CodeCommandAborted {
		c.cmdState = cmdStopped
	}
	c.stopCommandTimer()
	if len(c.cmds) > 0 && c.cmdState == cmdRunning {
		c.armCommandTimer()
	}
	c.finishCommand(cmd, code, ev.SlotID())
}
