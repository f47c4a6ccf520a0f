// Package relay routes events between the device agent and browser clients
// and tracks what the device is believed to be running.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/zsprackett/pi-control/internal/events"
)

// ErrClosed is returned when the relay loop is no longer running.
var ErrClosed = errors.New("relay: closed")

// AuditLog records privileged actions. Implemented by *db.DB.
type AuditLog interface {
	InsertAuditEvent(action, peerID, detail string) error
}

// Notifier is told when the device comes online or goes offline.
type Notifier interface {
	DeviceStatus(online bool)
}

// TaskOrder is the message sent to the device to start a task. Kill names a
// task the device must stop first; it encodes as false when there is none.
type TaskOrder struct {
	Name string
	Kill string
	Args []string
}

func (o TaskOrder) MarshalJSON() ([]byte, error) {
	var kill any = false
	if o.Kill != "" {
		kill = o.Kill
	}
	args := o.Args
	if args == nil {
		args = []string{}
	}
	return json.Marshal(struct {
		Name string   `json:"name"`
		Kill any      `json:"kill"`
		Args []string `json:"args"`
	}{o.Name, kill, args})
}

type initState struct {
	CurrentTasks []string `json:"currentTasks"`
	History      []Entry  `json:"history"`
}

type joinRequest struct {
	Secret string `json:"secret"`
	Mode   string `json:"mode"`
}

const denied = "denied"

type Options struct {
	Catalog   Catalog
	Auth      *Authenticator
	Audit     AuditLog
	Notifier  Notifier
	InboxSize int
}

type itemKind int

const (
	itemConnect itemKind = iota
	itemDisconnect
	itemEvent
	itemSnapshot
)

type item struct {
	kind  itemKind
	peer  Peer
	event events.Event
	reply chan Snapshot
}

// Relay owns the device state. All mutations happen on the goroutine running
// Run, one inbound item at a time.
type Relay struct {
	catalog  Catalog
	auth     *Authenticator
	audit    AuditLog
	notifier Notifier
	logger   *slog.Logger

	state    State
	registry *Registry

	userHandlers   map[string]handlerFunc
	deviceHandlers map[string]handlerFunc

	inbox chan item
	done  chan struct{}

	statusCh   chan bool
	notifyDone chan struct{}
}

func New(opts Options, logger *slog.Logger) *Relay {
	size := opts.InboxSize
	if size <= 0 {
		size = 256
	}
	r := &Relay{
		catalog:  opts.Catalog,
		auth:     opts.Auth,
		audit:    opts.Audit,
		notifier: opts.Notifier,
		logger:   logger.With("component", "relay"),
		registry: NewRegistry(),
		inbox:    make(chan item, size),
		done:     make(chan struct{}),
	}
	if opts.Notifier != nil {
		r.statusCh = make(chan bool, 16)
		r.notifyDone = make(chan struct{})
	}
	r.userHandlers = map[string]handlerFunc{
		events.Terminal:      r.requireSecret(r.runCommand),
		events.Task:          r.requireSecret(r.startTask),
		events.KillTask:      r.requireSecret(r.killTask),
		events.Kill:          r.requireSecret(r.killAll),
		events.ClearTerminal: r.requireSecret(r.clearTerminal),
	}
	r.deviceHandlers = map[string]handlerFunc{
		events.Output: r.reportOutput,
		events.Err:    r.reportError,
	}
	return r
}

// Catalog returns the task catalog the relay was built with.
func (r *Relay) Catalog() Catalog {
	return r.catalog
}

// Run processes inbound items until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	defer close(r.done)
	if r.statusCh != nil {
		go r.notifyLoop(ctx)
		defer func() { <-r.notifyDone }()
	}
	r.logger.Info("relay started", "tasks", len(r.catalog))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case it := <-r.inbox:
			r.handle(it)
		}
	}
}

// Connect registers a newly connected peer.
func (r *Relay) Connect(ctx context.Context, p Peer) error {
	return r.enqueue(ctx, item{kind: itemConnect, peer: p})
}

// Disconnect removes p from every group. If p was the device, the device
// state is reset.
func (r *Relay) Disconnect(ctx context.Context, p Peer) error {
	return r.enqueue(ctx, item{kind: itemDisconnect, peer: p})
}

// Dispatch queues an inbound event from p.
func (r *Relay) Dispatch(ctx context.Context, p Peer, e events.Event) error {
	return r.enqueue(ctx, item{kind: itemEvent, peer: p, event: e})
}

// Snapshot returns the current state. It is ordered after every item queued
// before it.
func (r *Relay) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := r.enqueue(ctx, item{kind: itemSnapshot, reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-r.done:
		return Snapshot{}, ErrClosed
	}
}

func (r *Relay) enqueue(ctx context.Context, it item) error {
	select {
	case r.inbox <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

func (r *Relay) handle(it item) {
	switch it.kind {
	case itemConnect:
		r.logger.Debug("peer connected", "peer", it.peer.ID())
		it.peer.Send(events.New(events.Initialized, r.state.Online()))
	case itemDisconnect:
		r.disconnect(it.peer)
	case itemEvent:
		r.dispatch(it.peer, it.event)
	case itemSnapshot:
		it.reply <- r.state.Snapshot()
	}
}

func (r *Relay) dispatch(p Peer, e events.Event) {
	if e.Name == events.Init {
		r.joinSession(p, e)
		return
	}
	if h, ok := r.userHandlers[e.Name]; ok && r.registry.Member(events.GroupUsers, p) {
		h(p, e)
		return
	}
	if h, ok := r.deviceHandlers[e.Name]; ok && r.registry.Member(events.GroupDevice, p) {
		h(p, e)
		return
	}
	r.logger.Debug("ignoring event", "peer", p.ID(), "event", e.Name)
}

func (r *Relay) joinSession(p Peer, e events.Event) {
	var req joinRequest
	if err := e.Arg(0, &req); err != nil || !r.auth.Check(req.Secret) {
		r.logger.Warn("session join denied", "peer", p.ID())
		p.Send(events.New(events.Init, denied))
		return
	}
	switch req.Mode {
	case events.GroupUsers, "user":
		r.registry.Join(events.GroupUsers, p)
		p.Send(events.New(events.Init, initState{
			CurrentTasks: r.state.Tasks(),
			History:      r.state.History(),
		}))
		r.logger.Info("user joined", "peer", p.ID())
		r.record("user.join", p, nil)
	case events.GroupDevice, "device":
		r.registry.Join(events.GroupDevice, p)
		r.logger.Info("device joined", "peer", p.ID())
		if n := r.registry.Count(events.GroupDevice); n > 1 {
			r.logger.Warn("more than one device joined", "devices", n)
		}
		r.setOnline(p, true)
	default:
		r.logger.Warn("session join with unknown mode", "peer", p.ID(), "mode", req.Mode)
		p.Send(events.New(events.Init, denied))
	}
}

func (r *Relay) startTask(p Peer, e events.Event) {
	var id string
	if err := e.Arg(0, &id); err != nil {
		r.logger.Debug("bad task id", "peer", p.ID(), "err", err)
		return
	}
	args, err := r.taskArgs(id, e)
	if err != nil {
		r.logger.Debug("bad task args", "peer", p.ID(), "task", id, "err", err)
		return
	}
	killed, ok := r.state.StartTask(r.catalog, id)
	if !ok {
		r.logger.Debug("unknown task", "peer", p.ID(), "task", id)
		return
	}
	r.registry.Broadcast(events.GroupDevice, events.New(events.Task, TaskOrder{Name: id, Kill: killed, Args: args}))
	r.registry.Broadcast(events.GroupUsers, events.New(events.Tasks, r.state.Tasks()))
	r.logger.Info("task started", "task", id, "killed", killed)
	r.record("task.start", p, map[string]any{"task": id, "killed": killed, "args": args})
}

// taskArgs reads the argument list of a task event. Clients send either the
// formatted token list or an object of raw values, which is formatted against
// the catalog entry.
func (r *Relay) taskArgs(id string, e events.Event) ([]string, error) {
	var args []string
	err := e.Arg(1, &args)
	if err == nil {
		return args, nil
	}
	var values map[string]any
	if e.Arg(1, &values) != nil {
		return nil, err
	}
	return FormatArgs(r.catalog[id], values), nil
}

func (r *Relay) killTask(p Peer, e events.Event) {
	var id string
	if err := e.Arg(0, &id); err != nil || !r.state.IsActive(id) {
		r.logger.Debug("kill of inactive task", "peer", p.ID(), "task", id)
		return
	}
	r.registry.Broadcast(events.GroupDevice, events.New(events.KillTask, id))
	r.state.KillTask(id)
	r.registry.Broadcast(events.GroupUsers, events.New(events.Tasks, r.state.Tasks()))
	r.logger.Info("task killed", "task", id)
	r.record("task.kill", p, map[string]any{"task": id})
}

func (r *Relay) runCommand(p Peer, e events.Event) {
	cmd, err := stringArg(e, 0)
	if err != nil {
		r.logger.Debug("bad terminal command", "peer", p.ID(), "err", err)
		return
	}
	cmd = StripCommand(cmd)
	r.state.Append(KindCommand, cmd)
	r.registry.Broadcast(events.GroupDevice, events.New(events.Command, cmd+"\n"))
	r.registry.Broadcast(events.GroupUsers, events.New(events.Command, cmd))
	r.record("terminal.command", p, map[string]any{"command": cmd})
}

func (r *Relay) reportOutput(p Peer, e events.Event) {
	r.report(p, e, KindOutput, events.Output)
}

func (r *Relay) reportError(p Peer, e events.Event) {
	r.report(p, e, KindError, events.Err)
}

func (r *Relay) report(p Peer, e events.Event, kind EntryKind, name string) {
	text, err := stringArg(e, 0)
	if err != nil {
		r.logger.Debug("bad device report", "peer", p.ID(), "event", name, "err", err)
		return
	}
	r.registry.Broadcast(events.GroupUsers, events.New(name, text))
	r.state.Append(kind, text)
}

// stringArg decodes argument i as a string. A missing or null argument is
// an error rather than "".
func stringArg(e events.Event, i int) (string, error) {
	var v *string
	if err := e.Arg(i, &v); err != nil {
		return "", err
	}
	if v == nil {
		return "", fmt.Errorf("%s arg %d: missing", e.Name, i)
	}
	return *v, nil
}

func (r *Relay) clearTerminal(p Peer, _ events.Event) {
	r.state.ClearHistory()
	r.registry.Broadcast(events.GroupUsers, events.New(events.ClearTerminal))
	r.record("terminal.clear", p, nil)
}

// killAll asks the device to stop everything. The active list is left as is;
// the device never reports back which tasks actually stopped.
func (r *Relay) killAll(p Peer, _ events.Event) {
	r.registry.Broadcast(events.GroupDevice, events.New(events.Kill))
	r.logger.Info("kill all requested", "peer", p.ID())
	r.record("task.kill_all", p, nil)
}

func (r *Relay) disconnect(p Peer) {
	left := r.registry.Leave(p)
	r.logger.Debug("peer disconnected", "peer", p.ID(), "groups", left)
	if !slices.Contains(left, events.GroupDevice) {
		return
	}
	r.logger.Info("device disconnected", "peer", p.ID())
	r.setOnline(p, false)
	r.state.Reset()
	r.registry.Broadcast(events.GroupUsers, events.New(events.Init, initState{
		CurrentTasks: r.state.Tasks(),
		History:      r.state.History(),
	}))
}

func (r *Relay) setOnline(p Peer, online bool) {
	r.state.SetOnline(online)
	r.registry.Broadcast(events.GroupUsers, events.New(events.Initialized, online))
	action := "device.offline"
	if online {
		action = "device.online"
	}
	r.record(action, p, nil)
	if r.statusCh == nil {
		return
	}
	select {
	case r.statusCh <- online:
	default:
		r.logger.Warn("notification queue full, dropping device status", "online", online)
	}
}

// notifyLoop delivers device status changes one at a time, in the order the
// relay saw them, so a slow webhook never stalls the event loop.
func (r *Relay) notifyLoop(ctx context.Context) {
	defer close(r.notifyDone)
	for {
		select {
		case <-ctx.Done():
			return
		case online := <-r.statusCh:
			r.notifier.DeviceStatus(online)
		}
	}
}

func (r *Relay) record(action string, p Peer, detail map[string]any) {
	if r.audit == nil {
		return
	}
	var data []byte
	if detail != nil {
		data, _ = json.Marshal(detail)
	}
	if err := r.audit.InsertAuditEvent(action, p.ID(), string(data)); err != nil {
		r.logger.Warn("audit write failed", "action", action, "err", err)
	}
}
