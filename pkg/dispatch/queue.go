package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/bus"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
	"github.com/Mindburn-Labs/vigil/pkg/kernel"
	"github.com/Mindburn-Labs/vigil/pkg/kernel/retry"
	"github.com/Mindburn-Labs/vigil/pkg/observability"
)

// ReasonPreempted is the cancellation reason emergency preemption writes.
const ReasonPreempted = "preempted_by_emergency"

// TopicCommand carries command lifecycle updates on the bus.
const TopicCommand = "dispatch.command"

// actuatorQueue is one actuator's serialized command lane: an optional
// active slot plus an ordered FIFO of queued commands.
type actuatorQueue struct {
	active *Command
	queue  []*Command
}

// Commander drives every actuator's command state machine. It guarantees at
// most one executing command per actuator, FIFO order for non-emergency
// commands, and immediate preemption for emergencies. Transport sends run
// on a keyed executor so deliveries for one actuator never interleave.
type Commander struct {
	cfg       config.DispatchConfig
	transport Transport
	envelope  *Envelope
	exec      *kernel.KeyedExecutor
	log       *audit.Log
	bus       *bus.Bus
	obs       *observability.Provider
	logger    *slog.Logger
	clock     func() time.Time
	policy    retry.Policy

	mu         sync.Mutex
	queues     map[string]*actuatorQueue
	byID       map[string]*Command
	onTerminal func(cmd Command)
}

// NewCommander builds the command engine over a transport.
func NewCommander(transport Transport, envelope *Envelope, cfg config.DispatchConfig) *Commander {
	return &Commander{
		cfg:       cfg,
		transport: transport,
		envelope:  envelope,
		exec:      kernel.NewKeyedExecutor(8, 64),
		logger:    slog.Default().With("component", "dispatch"),
		clock:     time.Now,
		policy:    retry.DefaultPolicy(),
		queues:    make(map[string]*actuatorQueue),
		byID:      make(map[string]*Command),
	}
}

func (c *Commander) WithAudit(log *audit.Log) *Commander {
	c.log = log
	return c
}

func (c *Commander) WithBus(b *bus.Bus) *Commander {
	c.bus = b
	return c
}

func (c *Commander) WithObservability(p *observability.Provider) *Commander {
	c.obs = p
	return c
}

func (c *Commander) WithLogger(logger *slog.Logger) *Commander {
	c.logger = logger.With("component", "dispatch")
	return c
}

func (c *Commander) WithClock(clock func() time.Time) *Commander {
	c.clock = clock
	return c
}

// WithRetryPolicy overrides the non-motion retry policy; tests shrink it.
func (c *Commander) WithRetryPolicy(policy retry.Policy) *Commander {
	c.policy = policy
	return c
}

// OnTerminal registers a hook called once per command that reaches a
// terminal status. The engine uses it to release actuators and close out
// requests; the hook runs outside the commander mutex.
func (c *Commander) OnTerminal(hook func(cmd Command)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTerminal = hook
}

// Submit validates and enqueues a command. Emergency commands cancel the
// active command and flush the queue before running immediately; everything
// else appends in FIFO order. The returned command reflects its post-submit
// status (executing or queued), or failed when the envelope rejected it.
func (c *Commander) Submit(ctx context.Context, cmd *Command) (*Command, error) {
	if cmd.ActuatorID == "" {
		return nil, fault.New(fault.Validation, "dispatch.submit", "command missing actuator_id")
	}
	if !KnownCommand(cmd.Type) {
		return nil, fault.New(fault.Validation, "dispatch.submit", "unknown command type %q", cmd.Type)
	}

	now := c.clock().UTC()
	if cmd.CommandID == "" {
		cmd.CommandID = "cmd_" + uuid.NewString()
	}
	if cmd.Priority == "" {
		cmd.Priority = PriorityNormal
	}
	if cmd.TimeoutSec <= 0 {
		if sec, ok := commandTimeouts[cmd.Type]; ok {
			cmd.TimeoutSec = sec
		} else {
			cmd.TimeoutSec = int(c.cfg.CommandTimeout().Seconds())
		}
	}
	cmd.IssuedAt = now
	cmd.Status = CmdPending
	if cmd.Type.EmergencyType() {
		cmd.Emergency = true
	}

	if err := c.envelope.Check(cmd); err != nil {
		cmd.Status = CmdFailed
		cmd.Reason = ReasonEnvelopeViolation
		cmd.CompletedAt = now
		c.mu.Lock()
		c.byID[cmd.CommandID] = cmd
		c.mu.Unlock()
		c.record(audit.ActionCommandRejected, audit.SeverityWarning, cmd,
			"command rejected by envelope: "+err.Error())
		c.publish(*cmd)
		return cmd, err
	}

	var preempted []*Command
	c.mu.Lock()
	q := c.queues[cmd.ActuatorID]
	if q == nil {
		q = &actuatorQueue{}
		c.queues[cmd.ActuatorID] = q
	}
	c.byID[cmd.CommandID] = cmd

	if cmd.Emergency {
		if q.active != nil {
			q.active.Status = CmdCancelled
			q.active.Reason = ReasonPreempted
			q.active.CompletedAt = now
			preempted = append(preempted, q.active)
		}
		for _, queued := range q.queue {
			queued.Status = CmdCancelled
			queued.Reason = ReasonPreempted
			queued.CompletedAt = now
			preempted = append(preempted, queued)
		}
		q.queue = nil
		q.active = cmd
		cmd.Status = CmdExecuting
		cmd.StartedAt = now
	} else if q.active == nil {
		q.active = cmd
		cmd.Status = CmdExecuting
		cmd.StartedAt = now
	} else {
		cmd.Status = CmdQueued
		q.queue = append(q.queue, cmd)
	}
	hook := c.onTerminal
	c.mu.Unlock()

	for _, p := range preempted {
		c.record(audit.ActionCommandPreempted, audit.SeverityWarning, p,
			"command preempted by emergency "+cmd.CommandID)
		c.publish(*p)
		if hook != nil {
			hook(*p)
		}
	}

	severity := audit.SeverityInfo
	if cmd.Emergency {
		severity = audit.SeverityCritical
	}
	c.record(audit.ActionCommandIssued, severity, cmd, "command "+string(cmd.Type)+" "+string(cmd.Status))
	c.publish(*cmd)
	if c.obs != nil {
		c.obs.RecordCommand(ctx, observability.AttrActuatorID.String(cmd.ActuatorID),
			observability.AttrDispatchPriority.String(string(cmd.Priority)))
	}

	if cmd.Status == CmdExecuting {
		c.startSend(*cmd)
	}
	return cmd, nil
}

// startSend hands the command to the transport on the actuator's lane.
// A full lane fails the command rather than blocking the caller.
func (c *Commander) startSend(cmd Command) {
	err := c.exec.Submit(cmd.ActuatorID, func() { c.send(cmd) })
	if err != nil {
		c.finish(cmd.CommandID, CmdFailed, "transport lane unavailable: "+err.Error())
	}
}

// send delivers one command and records its terminal status. Non-motion
// commands retry transient transport failures; motion commands get exactly
// one attempt because a retried goto may chase a stale target.
func (c *Commander) send(cmd Command) {
	// The command may have been cancelled while waiting in the lane.
	if cur, ok := c.Get(cmd.CommandID); !ok || cur.Status.Terminal() {
		return
	}
	if c.transport == nil {
		c.finish(cmd.CommandID, CmdCompleted, "")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cmd.TimeoutSec)*time.Second)
	defer cancel()

	var err error
	if cmd.Type.Motion() {
		err = c.transport.Send(ctx, cmd)
	} else {
		err = retry.Do(ctx, retry.Params{Source: "dispatch", OpID: cmd.CommandID}, c.policy,
			func(ctx context.Context) error { return c.transport.Send(ctx, cmd) })
	}

	switch {
	case err == nil:
		c.finish(cmd.CommandID, CmdCompleted, "")
	case ctx.Err() != nil:
		c.finish(cmd.CommandID, CmdTimeout, "transport deadline exceeded")
	default:
		c.finish(cmd.CommandID, CmdFailed, err.Error())
	}
}

// finish moves a command to a terminal status and starts the next queued
// command. Commands already terminal (preempted or cancelled while their
// send was in flight) are left untouched.
func (c *Commander) finish(commandID string, terminal CommandStatus, reason string) {
	now := c.clock().UTC()

	c.mu.Lock()
	cmd, ok := c.byID[commandID]
	if !ok || cmd.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	cmd.Status = terminal
	cmd.Reason = reason
	cmd.CompletedAt = now

	var next *Command
	q := c.queues[cmd.ActuatorID]
	if q != nil && q.active == cmd {
		q.active = nil
		if len(q.queue) > 0 {
			next = q.queue[0]
			q.queue = q.queue[1:]
			next.Status = CmdExecuting
			next.StartedAt = now
			q.active = next
		}
	}
	hook := c.onTerminal
	c.mu.Unlock()

	severity := audit.SeverityInfo
	if terminal == CmdFailed || terminal == CmdTimeout {
		severity = audit.SeverityWarning
	}
	c.record(audit.ActionCommandResolved, severity, cmd, "command "+string(cmd.Type)+" "+string(terminal))
	c.publish(*cmd)
	if hook != nil {
		hook(*cmd)
	}

	if next != nil {
		c.publish(*next)
		c.startSend(*next)
	}
}

// Cancel terminates a pending, queued, or executing command. Cancelling an
// already terminal command is a validation fault.
func (c *Commander) Cancel(ctx context.Context, commandID, reason string) (*Command, error) {
	_ = ctx
	now := c.clock().UTC()

	c.mu.Lock()
	cmd, ok := c.byID[commandID]
	if !ok {
		c.mu.Unlock()
		return nil, fault.New(fault.Validation, "dispatch.cancel", "unknown command %q", commandID)
	}
	if cmd.Status.Terminal() {
		c.mu.Unlock()
		return nil, fault.New(fault.Validation, "dispatch.cancel", "command %q already %s", commandID, cmd.Status)
	}

	cmd.Status = CmdCancelled
	cmd.Reason = reason
	cmd.CompletedAt = now

	var next *Command
	q := c.queues[cmd.ActuatorID]
	if q != nil {
		if q.active == cmd {
			q.active = nil
			if len(q.queue) > 0 {
				next = q.queue[0]
				q.queue = q.queue[1:]
				next.Status = CmdExecuting
				next.StartedAt = now
				q.active = next
			}
		} else {
			for i, queued := range q.queue {
				if queued == cmd {
					q.queue = append(q.queue[:i], q.queue[i+1:]...)
					break
				}
			}
		}
	}
	hook := c.onTerminal
	c.mu.Unlock()

	c.record(audit.ActionCommandResolved, audit.SeverityInfo, cmd, "command cancelled: "+reason)
	c.publish(*cmd)
	if hook != nil {
		hook(*cmd)
	}
	if next != nil {
		c.publish(*next)
		c.startSend(*next)
	}
	return cmd, nil
}

// SweepTimeouts expires active commands that outran their per-type budget
// and returns how many it expired. The center runs this on a cadence.
func (c *Commander) SweepTimeouts(ctx context.Context) int {
	_ = ctx
	now := c.clock().UTC()

	c.mu.Lock()
	var expired []string
	for _, q := range c.queues {
		if q.active == nil {
			continue
		}
		budget := time.Duration(q.active.TimeoutSec) * time.Second
		if now.After(q.active.StartedAt.Add(budget)) {
			expired = append(expired, q.active.CommandID)
		}
	}
	c.mu.Unlock()

	for _, id := range expired {
		c.finish(id, CmdTimeout, "execution timeout")
	}
	return len(expired)
}

// Get returns a copy of the command.
func (c *Commander) Get(commandID string) (Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd, ok := c.byID[commandID]
	if !ok {
		return Command{}, false
	}
	return *cmd, true
}

// Active returns the executing command for an actuator, if any.
func (c *Commander) Active(actuatorID string) (Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[actuatorID]
	if q == nil || q.active == nil {
		return Command{}, false
	}
	return *q.active, true
}

// QueueDepth reports how many commands wait behind the active slot.
func (c *Commander) QueueDepth(actuatorID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[actuatorID]
	if q == nil {
		return 0
	}
	return len(q.queue)
}

// Drain waits until every in-flight transport send has finished. Tests use
// this to make terminal statuses visible.
func (c *Commander) Drain() {
	c.exec.Drain()
}

// Close stops the transport lanes after finishing queued sends.
func (c *Commander) Close() {
	c.exec.Close()
}

func (c *Commander) record(kind audit.ActionKind, severity audit.Severity, cmd *Command, description string) {
	if c.log == nil {
		return
	}
	details := map[string]interface{}{
		"command_id":  cmd.CommandID,
		"actuator_id": cmd.ActuatorID,
		"type":        string(cmd.Type),
		"priority":    string(cmd.Priority),
		"status":      string(cmd.Status),
	}
	if cmd.Reason != "" {
		details["reason"] = cmd.Reason
	}
	if cmd.RequestID != "" {
		details["request_id"] = cmd.RequestID
	}
	if _, err := c.log.Append(kind, severity, "dispatch", description, details, ""); err != nil {
		c.logger.Warn("dispatch audit append failed", "error", err)
	}
}

func (c *Commander) publish(cmd Command) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(TopicCommand, cmd)
}
