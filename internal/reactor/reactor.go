// Package reactor is the single-threaded event loop that drives every
// peer FSM, the listener(s), and external-process I/O. All peer state,
// connection I/O, and RIB mutation happen on this one goroutine; the
// telemetry collector's consumer goroutine only ever sees serialized
// event copies.
package reactor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgpd/internal/afi"
	"github.com/route-beacon/bgpd/internal/attr"
	"github.com/route-beacon/bgpd/internal/connection"
	"github.com/route-beacon/bgpd/internal/fsm"
	"github.com/route-beacon/bgpd/internal/message"
	"github.com/route-beacon/bgpd/internal/negotiate"
	"github.com/route-beacon/bgpd/internal/peer"
	"github.com/route-beacon/bgpd/internal/process"
	"github.com/route-beacon/bgpd/internal/rib"
	"github.com/route-beacon/bgpd/internal/telemetry"
	"github.com/route-beacon/bgpd/internal/wire"
)

const (
	tickInterval        = 50 * time.Millisecond
	connectRetryInitial = time.Second
	connectRetryMax     = 120 * time.Second
	openSentTimeout     = 4 * time.Minute
	connectDialTimeout  = 30 * time.Second
	// msgQuantum bounds how much adj-rib-out work one peer may drain in
	// a single tick, so a peer with a huge table cannot monopolize the
	// loop.
	msgQuantum = 100
	// shutdownFlushGrace bounds how long shutdown waits for queued
	// NOTIFICATIONs to reach the kernel before giving up.
	shutdownFlushGrace = 3 * time.Second
)

// Config is everything the reactor needs to start. Each peer.Config
// carries its own local BGP identifier (internal/config stamps the
// router-wide value onto every neighbor at load time), so the reactor
// itself does not need a separate router-wide identity field.
type Config struct {
	ListenAddresses []string
	Neighbors       []peer.Config
	Processes       []process.Spec
}

// peerState is the reactor-owned scheduling state for one Peer: timer
// deadlines and the fd currently registered with the poller. A Peer
// itself carries only session data.
type peerState struct {
	p *peer.Peer

	fd int // -1 when no connection is registered

	connectRetryDeadline time.Time
	connectRetryBackoff  time.Duration
	openSentDeadline     time.Time
	holdDeadline         time.Time
	keepaliveDeadline    time.Time
	staleDeadline        time.Time
}

// pendingCommand is one line read from a child's stdout, held until the
// command-drain phase of the tick so commands always execute after peer
// I/O has been delivered.
type pendingCommand struct {
	src  *process.External
	line string
}

// Reactor owns the listener(s), every configured peer, every spawned
// external process, and drives them all from one goroutine.
type Reactor struct {
	cfg    Config
	logger *zap.Logger

	poller    *Poller
	listeners []net.Listener

	peers   map[string]*peerState // keyed by "host:port"
	fdPeers map[int]*peerState

	processes []*process.External
	fdProcess map[int]*process.External

	commandQueue []pendingCommand

	// locRib holds every route announced through the command surface,
	// keyed by change key. New sessions are seeded from it and route
	// refreshes re-advertise from it.
	locRib map[string]rib.Change

	stopping bool

	// ReloadFunc, when set, is invoked on SIGHUP (and the "reload"
	// command) to produce a fresh Config that Reload then applies
	// atomically between ticks.
	ReloadFunc func() (Config, error)

	telemetry chan<- telemetry.Event
	events    *process.Builder
}

// New constructs a Reactor; Run does the actual listen/accept/drive work.
func New(cfg Config, logger *zap.Logger, telemetryCh chan<- telemetry.Event) *Reactor {
	peers := make(map[string]*peerState, len(cfg.Neighbors))
	for _, nc := range cfg.Neighbors {
		peers[nc.Addr()] = &peerState{
			p:                   peer.New(nc),
			fd:                  -1,
			connectRetryBackoff: connectRetryInitial,
		}
	}
	return &Reactor{
		cfg:       cfg,
		logger:    logger,
		peers:     peers,
		fdPeers:   make(map[int]*peerState),
		fdProcess: make(map[int]*process.External),
		locRib:    make(map[string]rib.Change),
		telemetry: telemetryCh,
		events:    process.NewBuilder(),
	}
}

// Run starts the listeners, spawns configured external processes, and
// drives the loop until stop fires, a shutdown command arrives, or a
// fatal startup error occurs.
func (r *Reactor) Run(stop <-chan struct{}) error {
	poller, err := NewPoller()
	if err != nil {
		return fmt.Errorf("reactor: %w", err)
	}
	r.poller = poller
	defer poller.Close()

	for _, addr := range r.cfg.ListenAddresses {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("reactor: listen %s: %w", addr, err)
		}
		r.listeners = append(r.listeners, l)
		r.logger.Info("listening", zap.String("address", addr))
	}
	defer func() {
		for _, l := range r.listeners {
			l.Close()
		}
	}()

	for _, ps := range r.cfg.Processes {
		r.spawnProcess(ps)
	}

	now := time.Now()
	for addr, st := range r.peers {
		r.step(st, fsm.EventAdminEnable, now)
		r.logger.Debug("peer registered", zap.String("neighbor", addr), zap.String("state", st.p.FSM.State().String()))
	}

	sig := make(chan os.Signal, 4)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sig)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return r.shutdown()
		case s := <-sig:
			if r.handleSignal(s) {
				return r.shutdown()
			}
		case <-ticker.C:
			r.tick()
			if r.stopping {
				return r.shutdown()
			}
		}
	}
}

func (r *Reactor) spawnProcess(spec process.Spec) {
	ext, err := process.Spawn(spec, r.logger)
	if err != nil {
		r.logger.Error("process spawn failed", zap.String("name", spec.Name), zap.Error(err))
		return
	}
	r.processes = append(r.processes, ext)
	r.fdProcess[ext.StdoutFD()] = ext
	if err := r.poller.Add(ext.StdoutFD(), Readable); err != nil {
		r.logger.Error("process epoll add failed", zap.String("name", spec.Name), zap.Error(err))
	}
}

// tick runs the loop phases in their required order: deliver I/O events
// to peers, drain the external command queue into peer/RIB operations,
// fire timers, advertise pending adj-rib-out changes, then flush
// everything just enqueued toward children and peers. The ordering is
// what makes an "announce" issued by a child cause a wire UPDATE in the
// same tick, with the "done" acknowledgement emitted after the UPDATE
// is queued.
func (r *Reactor) tick() {
	r.acceptIncoming()
	r.deliverReadiness()
	r.drainCommandQueue()
	now := time.Now()
	r.runTimers(now)
	r.advertisePending()
	r.flushPeerWrites()
	r.flushProcesses()
}

// acceptIncoming polls every listener with a near-zero deadline so
// Accept never blocks the tick, then matches the new connection against
// a configured neighbor by address.
func (r *Reactor) acceptIncoming() {
	for _, l := range r.listeners {
		tcpL, ok := l.(*net.TCPListener)
		if !ok {
			continue
		}
		tcpL.SetDeadline(time.Now().Add(time.Millisecond))
		conn, err := tcpL.Accept()
		if err != nil {
			continue
		}
		r.acceptOne(conn)
	}
}

func (r *Reactor) acceptOne(conn net.Conn) {
	remoteIP := conn.RemoteAddr().(*net.TCPAddr).IP.String()
	var st *peerState
	for _, cand := range r.peers {
		if cand.p.Config.RemoteAddress == remoteIP {
			st = cand
			break
		}
	}
	if st == nil {
		r.logger.Warn("rejecting connection from unconfigured neighbor", zap.String("remote", remoteIP))
		conn.Close()
		return
	}

	state := st.p.FSM.State()
	if state == fsm.Established {
		// A session already fully established always wins; RFC 4271's
		// collision procedure only ever runs before OpenConfirm.
		conn.Close()
		return
	}
	if state == fsm.OpenConfirm || state == fsm.OpenSent {
		// Without a completed OPEN exchange on the existing connection
		// there is no remote identifier to compare, so the existing
		// connection wins by default. Otherwise apply the RFC 4271 6.8
		// tie-break.
		remoteID := st.p.Config.Identifier
		haveRemoteID := false
		if st.p.Negotiated != nil {
			remoteID = st.p.Negotiated.RemoteID
			haveRemoteID = true
		}
		keepExisting := !haveRemoteID || fsm.ResolveCollision(st.p.Config.Identifier, remoteID, st.p.WeInitiated)
		if keepExisting {
			conn.Close()
			return
		}
		r.sendNotification(st, 6, 7)
		r.step(st, fsm.EventCollisionLost, time.Now())
	}

	wrapped, err := connection.Accept(conn, connection.Config{MD5Key: st.p.Config.MD5Key, TTL: st.p.Config.TTL})
	if err != nil {
		r.logger.Error("accept wrap failed", zap.Error(err))
		return
	}

	st.p.Conn = wrapped
	st.p.WeInitiated = false
	r.registerConn(st)
	r.step(st, fsm.EventIncomingConnection, time.Now())
	if st.p.FSM.State() == fsm.Active {
		// Came from Idle (a fresh session, or one just vacated by losing
		// a collision) rather than already waiting in Active: replay the
		// event so the connection we already hold reaches OpenSent
		// instead of sitting in Active with nothing listening for it.
		r.step(st, fsm.EventIncomingConnection, time.Now())
	}
	r.maybeSendOpen(st)
}

func (r *Reactor) registerConn(st *peerState) {
	fd, err := st.p.Conn.FD()
	if err != nil {
		r.logger.Warn("connection has no pollable fd", zap.Error(err))
		return
	}
	st.fd = fd
	r.fdPeers[fd] = st
	if err := r.poller.Add(fd, Readable); err != nil {
		r.logger.Warn("epoll add failed", zap.Error(err))
	}
}

func (r *Reactor) unregisterConn(st *peerState) {
	if st.fd < 0 {
		return
	}
	r.poller.Remove(st.fd)
	delete(r.fdPeers, st.fd)
	st.fd = -1
}

// deliverReadiness drains the poller without blocking and dispatches
// each ready fd to either a peer connection or a process's stdout.
func (r *Reactor) deliverReadiness() {
	ready, err := r.poller.Wait(0, 128)
	if err != nil {
		r.logger.Warn("epoll wait failed", zap.Error(err))
		return
	}
	for _, ev := range ready {
		if st, ok := r.fdPeers[ev.FD]; ok {
			r.servicePeer(st)
			continue
		}
		if ext, ok := r.fdProcess[ev.FD]; ok {
			r.serviceProcess(ext)
		}
	}
}

func (r *Reactor) servicePeer(st *peerState) {
	msgs, err := st.p.ReadAvailable()
	for _, m := range msgs {
		r.handleMessage(st, m)
	}
	if err == nil {
		return
	}
	var eerr *wire.EncodingError
	if errors.As(err, &eerr) {
		// A decode failure carries its (code, subcode) already; send the
		// NOTIFICATION and tear down.
		st.p.Stats.LastError = err.Error()
		r.sendNotification(st, eerr.Code, eerr.Subcode)
		r.step(st, fsm.EventNotificationSent, time.Now())
		return
	}
	r.logger.Info("peer connection failed", zap.String("peer", st.p.Config.Addr()), zap.Error(err))
	st.p.Stats.LastError = err.Error()
	r.step(st, fsm.EventTCPConnectionFails, time.Now())
}

func (r *Reactor) handleMessage(st *peerState, m message.Message) {
	now := time.Now()
	r.emitMessage(st, m, "received")
	st.holdDeadline = r.holdDeadlineFor(st, now)

	switch v := m.(type) {
	case message.Open:
		if st.p.OpenSent == nil {
			r.maybeSendOpen(st)
		}
		local := message.Open{Version: 4, HoldTime: st.p.Config.HoldTime}
		if st.p.OpenSent != nil {
			local = *st.p.OpenSent
		}
		n, notif := negotiate.Negotiate(local, v, st.p.Config.Identifier, v.Identifier)
		if notif == nil && st.p.Config.RemoteASN != 0 && n.RemoteASN != st.p.Config.RemoteASN {
			notif = &message.Notification{Code: 2, Subcode: 2}
		}
		if notif != nil {
			st.p.QueueMessage(*notif)
			r.emitMessage(st, *notif, "sent")
			r.step(st, fsm.EventNotificationSent, now)
			return
		}
		st.p.Negotiated = n
		if n.GracefulRestart != nil && n.GracefulRestart.RestartFlag {
			// The peer restarted and claims preserved forwarding state:
			// keep what we heard last time, marked stale until EoR.
			st.p.AdjIn.MarkAllStale()
			st.staleDeadline = now.Add(time.Duration(n.GracefulRestart.RestartTime) * time.Second)
		}
		r.step(st, fsm.EventOpenReceived, now)
	case message.Keepalive:
		r.step(st, fsm.EventKeepaliveReceived, now)
	case message.Update:
		if st.p.FSM.State() == fsm.Established {
			r.step(st, fsm.EventAnyMessageAfterOurKeepalive, now)
		}
		r.handleUpdate(st, v)
	case message.Notification:
		r.logger.Info("notification received", zap.String("peer", st.p.Config.Addr()), zap.Uint8("code", v.Code), zap.Uint8("subcode", v.Subcode))
		r.forwardNotification(st, v)
		r.step(st, fsm.EventNotificationReceived, now)
	case message.RouteRefresh:
		if st.p.FSM.State() == fsm.Established {
			r.step(st, fsm.EventAnyMessageAfterOurKeepalive, now)
			r.handleRouteRefresh(st, v)
		}
		r.forwardToProcesses(st, m)
	case message.Operational:
		if st.p.FSM.State() == fsm.Established {
			r.step(st, fsm.EventAnyMessageAfterOurKeepalive, now)
		}
		// The operational extension has no capability negotiation; the
		// body stays opaque and gets forwarded regardless.
		r.logger.Warn("operational message forwarded opaquely", zap.String("peer", st.p.Config.Addr()))
		r.forwardToProcesses(st, m)
	}
}

// endOfRIBFamily reports whether u is an End-of-RIB marker and for
// which family: the bare empty UPDATE means IPv4 unicast, an UPDATE
// whose only attribute is an empty MP_UNREACH_NLRI means that family.
func endOfRIBFamily(u message.Update) (afi.Family, bool) {
	if u.IsEndOfRIB() {
		return afi.IPv4Unicast, true
	}
	if len(u.Withdrawn) != 0 || len(u.NLRI) != 0 || len(u.Attributes.List) != 1 {
		return afi.Family{}, false
	}
	mp, ok := u.Attributes.List[0].(attr.MPUnreachNLRI)
	if !ok || len(mp.RawNLRI) != 0 {
		return afi.Family{}, false
	}
	return mp.Fam, true
}

func (r *Reactor) handleUpdate(st *peerState, u message.Update) {
	if fam, isEoR := endOfRIBFamily(u); isEoR {
		st.p.AdjIn.ClearStaleFamily(fam)
		r.forwardState(st, fmt.Sprintf("end-of-rib %s", fam))
		return
	}

	changes, err := st.p.ExpandedChanges(u)
	if err != nil {
		r.logger.Warn("update expansion failed", zap.String("peer", st.p.Config.Addr()), zap.Error(err))
		var eerr *wire.EncodingError
		if errors.As(err, &eerr) {
			r.sendNotification(st, eerr.Code, eerr.Subcode)
			r.step(st, fsm.EventNotificationSent, time.Now())
			return
		}
	}
	if peer.TreatAsWithdraw(u) {
		changes = peer.DowngradeToWithdraws(changes)
	}
	r.applyChanges(st, changes)
	r.forwardToProcesses(st, u)
}

// handleRouteRefresh re-queues every locally announced route for the
// requested family, bracketed by begin/end markers when enhanced route
// refresh is negotiated.
func (r *Reactor) handleRouteRefresh(st *peerState, rr message.RouteRefresh) {
	if st.p.Negotiated == nil || !st.p.Negotiated.FamiliesOut[rr.Family] {
		return
	}
	enhanced := st.p.Negotiated.EnhancedRouteRefresh
	if enhanced {
		st.p.QueueMessage(message.RouteRefresh{Family: rr.Family, Subtype: message.RefreshBeginOfRIB})
	}
	for _, c := range r.locRib {
		if c.NLRI.Family() == rr.Family {
			st.p.AdjOut.Add(c)
		}
	}
	if st.p.EoRPending == nil {
		st.p.EoRPending = map[afi.Family]bool{}
	}
	if enhanced {
		// The end-of-RIB refresh marker rides behind the re-advertised
		// routes; advertisePending sends it once the queue drains.
		st.p.EoRPending[rr.Family] = true
	}
}

func (r *Reactor) applyChanges(st *peerState, changes []rib.Change) {
	withdrawn, announced := 0, 0
	var family string
	for _, c := range changes {
		st.p.AdjIn.Observe(c)
		if c.Attrs == nil {
			withdrawn++
		} else {
			announced++
		}
		if c.NLRI != nil {
			family = c.NLRI.Family().String()
		}
	}
	if withdrawn == 0 && announced == 0 {
		return
	}
	telemetry.Emit(r.telemetry, telemetry.Event{
		Time: time.Now(), Kind: telemetry.KindRIBChange,
		Peer: st.p.Config.Addr(), Family: family,
		Withdrawn: withdrawn, Announced: announced,
	})
}

// maybeSendOpen sends our OPEN the first time a peer reaches OpenSent
// for its current connection.
func (r *Reactor) maybeSendOpen(st *peerState) {
	if st.p.FSM.State() != fsm.OpenSent || st.p.OpenSent != nil {
		return
	}
	open := st.p.BuildOpen()
	if err := st.p.QueueMessage(open); err != nil {
		r.logger.Warn("open send failed", zap.Error(err))
		return
	}
	r.emitMessage(st, open, "sent")
}

func (r *Reactor) serviceProcess(ext *process.External) {
	for _, cmd := range ext.ReadCommands() {
		r.commandQueue = append(r.commandQueue, pendingCommand{src: ext, line: cmd})
	}
}

// drainCommandQueue executes queued external-process commands and
// acknowledges each with exactly one of "done", "error <message>", or
// "shutdown".
func (r *Reactor) drainCommandQueue() {
	queue := r.commandQueue
	r.commandQueue = r.commandQueue[:0]
	for _, pc := range queue {
		ack := r.executeCommand(pc.src, pc.line)
		pc.src.Ack(ack)
	}
}

func (r *Reactor) executeCommand(src *process.External, line string) (ack string) {
	switch {
	case line == "shutdown":
		r.logger.Info("shutdown requested via external process")
		r.stopping = true
		return "shutdown"

	case line == "reload":
		if err := r.reload(); err != nil {
			return "error " + err.Error()
		}
		return "done"

	case line == "clear adj-rib-out":
		for _, st := range r.peers {
			st.p.AdjOut.Flush()
		}
		return "done"

	case line == "flush adj-rib-out":
		r.advertisePending()
		return "done"

	case line == "queue-status":
		addrs := r.sortedPeerAddrs()
		for _, addr := range addrs {
			st := r.peers[addr]
			src.Enqueue([]byte(fmt.Sprintf("%s pending %d", addr, st.p.AdjOut.Pending())))
		}
		return "done"

	case line == "show neighbor" || line == "show neighbor summary" || strings.HasPrefix(line, "show neighbor "):
		for _, addr := range r.sortedPeerAddrs() {
			st := r.peers[addr]
			src.Enqueue([]byte(fmt.Sprintf(
				"neighbor %s state %s sent %d received %d updates-sent %d updates-received %d adj-rib-in %d",
				addr, st.p.FSM.State(), st.p.Stats.Sent, st.p.Stats.Received,
				st.p.Stats.UpdatesSent, st.p.Stats.UpdatesReceived, st.p.AdjIn.Len(),
			)))
		}
		return "done"

	case strings.HasPrefix(line, "announce route "), strings.HasPrefix(line, "withdraw route "):
		change, err := parseRouteCommand(line)
		if err != nil {
			return "error " + err.Error()
		}
		if change.Attrs == nil {
			delete(r.locRib, change.Key())
		} else {
			r.locRib[change.Key()] = change
		}
		for _, st := range r.peers {
			if st.p.FSM.State() != fsm.Established {
				continue
			}
			if st.p.Negotiated != nil && !st.p.Negotiated.FamiliesOut[change.NLRI.Family()] {
				continue
			}
			st.p.AdjOut.Add(change)
		}
		return "done"

	default:
		r.logger.Debug("unrecognized external command", zap.String("command", line))
		return "error unknown command"
	}
}

func (r *Reactor) sortedPeerAddrs() []string {
	addrs := make([]string, 0, len(r.peers))
	for addr := range r.peers {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// runTimers fires every peer's expired timers: connect-retry, OpenSent
// hold, session hold, keepalive, graceful-restart stale.
func (r *Reactor) runTimers(now time.Time) {
	for _, st := range r.peers {
		if !st.connectRetryDeadline.IsZero() && !now.Before(st.connectRetryDeadline) {
			st.connectRetryDeadline = time.Time{}
			r.step(st, fsm.EventConnectRetryExpired, now)
		}
		if !st.openSentDeadline.IsZero() && !now.Before(st.openSentDeadline) {
			st.openSentDeadline = time.Time{}
			r.step(st, fsm.EventOpenSentTimerExpired, now)
		}
		if !st.holdDeadline.IsZero() && !now.Before(st.holdDeadline) {
			st.holdDeadline = time.Time{}
			r.step(st, fsm.EventHoldTimerExpired, now)
		}
		if !st.keepaliveDeadline.IsZero() && !now.Before(st.keepaliveDeadline) {
			st.keepaliveDeadline = now.Add(r.keepaliveInterval(st))
			r.step(st, fsm.EventKeepaliveTimerExpired, now)
		}
		if !st.staleDeadline.IsZero() && !now.Before(st.staleDeadline) {
			st.staleDeadline = time.Time{}
			st.p.AdjIn.ClearStale()
		}
	}
}

// advertisePending drains each established peer's adj-rib-out into as
// few UPDATEs as the attribute grouping allows, bounded per tick, then
// sends any End-of-RIB markers whose families have fully drained.
func (r *Reactor) advertisePending() {
	for _, st := range r.peers {
		if st.p.FSM.State() != fsm.Established {
			continue
		}
		for i := 0; i < msgQuantum; i++ {
			batch := st.p.AdjOut.Drain(msgQuantum)
			if batch == nil {
				break
			}
			for _, u := range st.p.BuildUpdates(batch) {
				if err := st.p.QueueMessage(u); err != nil {
					r.logger.Warn("update send failed", zap.String("peer", st.p.Config.Addr()), zap.Error(err))
					continue
				}
				r.emitMessage(st, u, "sent")
			}
		}
		r.maybeSendEoR(st)
	}
}

// maybeSendEoR emits the End-of-RIB marker for every family whose
// initial advertisement (or refresh) has drained. EoRPending's value
// records whether the marker closes a route refresh: only then, and
// only with enhanced refresh negotiated, is the ROUTE-REFRESH
// end-of-RIB subtype used instead of the UPDATE-based markers.
func (r *Reactor) maybeSendEoR(st *peerState) {
	if len(st.p.EoRPending) == 0 || st.p.AdjOut.Pending() > 0 {
		return
	}
	enhanced := st.p.Negotiated != nil && st.p.Negotiated.EnhancedRouteRefresh
	for f, viaRefresh := range st.p.EoRPending {
		var err error
		switch {
		case viaRefresh && enhanced:
			err = st.p.QueueMessage(message.RouteRefresh{Family: f, Subtype: message.RefreshEndOfRIB})
		case f == afi.IPv4Unicast:
			err = st.p.QueueMessage(message.Update{})
		default:
			err = st.p.QueueMessage(message.MPUnreachEndOfRIB(f))
		}
		if err != nil {
			r.logger.Warn("end-of-rib send failed", zap.String("peer", st.p.Config.Addr()), zap.Error(err))
		}
	}
	st.p.EoRPending = nil
}

// flushPeerWrites retries any unsent tail left by a would-block write.
func (r *Reactor) flushPeerWrites() {
	for _, st := range r.peers {
		if st.p.Conn == nil || !st.p.HasPendingWrites() {
			continue
		}
		if err := st.p.FlushPending(); err != nil {
			r.logger.Info("peer write failed", zap.String("peer", st.p.Config.Addr()), zap.Error(err))
			r.step(st, fsm.EventTCPConnectionFails, time.Now())
		}
	}
}

func (r *Reactor) flushProcesses() {
	for i := 0; i < len(r.processes); {
		ext := r.processes[i]
		wasPaused := ext.Paused()
		if err := ext.Flush(); err != nil {
			r.logger.Warn("process flush failed", zap.String("name", ext.Name()), zap.Error(err))
		}
		if ext.Paused() != wasPaused {
			telemetry.Emit(r.telemetry, telemetry.Event{
				Time: time.Now(), Kind: telemetry.KindProcessBackpressure,
				Process: ext.Name(), Paused: ext.Paused(),
			})
		}
		if ext.Exited() {
			r.poller.Remove(ext.StdoutFD())
			delete(r.fdProcess, ext.StdoutFD())
			r.processes = append(r.processes[:i], r.processes[i+1:]...)
			ext.Close()
			if ext.ShouldRespawn() && !r.stopping {
				r.logger.Info("respawning external process", zap.String("name", ext.Name()))
				r.spawnProcess(ext.Spec())
			}
			continue
		}
		i++
	}
}

// step feeds one event to the peer's FSM, performs the side effects it
// decided on, and publishes the state transition (telemetry plus a
// "state" event to subscribed children) when the state changed.
func (r *Reactor) step(st *peerState, kind fsm.EventKind, now time.Time) {
	before := st.p.FSM.State()
	outcome := st.p.FSM.Step(fsm.Event{Kind: kind})
	r.applyOutcome(st, outcome, now)
	after := st.p.FSM.State()
	if after == before {
		return
	}
	telemetry.Emit(r.telemetry, telemetry.Event{
		Time: now, Kind: telemetry.KindPeerState,
		Peer: st.p.Config.Addr(), State: after.String(),
	})
	r.forwardState(st, strings.ToLower(after.String()))
	if after == fsm.Established && before != fsm.Established {
		r.onEstablished(st, now)
	}
}

// onEstablished seeds the new session's adj-rib-out from the local RIB
// and schedules End-of-RIB markers for every negotiated outbound
// family.
func (r *Reactor) onEstablished(st *peerState, now time.Time) {
	st.connectRetryBackoff = connectRetryInitial
	st.p.EoRPending = map[afi.Family]bool{}
	for f := range st.p.Negotiated.FamiliesOut {
		st.p.EoRPending[f] = false
	}
	for _, c := range r.locRib {
		if st.p.Negotiated.FamiliesOut[c.NLRI.Family()] {
			st.p.AdjOut.Add(c)
		}
	}
	st.holdDeadline = r.holdDeadlineFor(st, now)
}

// applyOutcome performs the side effects fsm.Step decided on. The FSM
// never touches I/O itself; this is the one place that bridges its
// decisions back into real connects/writes/closes.
func (r *Reactor) applyOutcome(st *peerState, o fsm.Outcome, now time.Time) {
	if o == (fsm.Outcome{}) {
		// The event was a no-op in the current state (RFC 4271's "FSM
		// remains in the current state" default).
		return
	}
	if o.SendOpen {
		r.maybeSendOpen(st)
	}
	if o.SendKeepalive {
		if err := st.p.QueueMessage(message.Keepalive{}); err != nil {
			r.logger.Warn("keepalive send failed", zap.Error(err))
		} else {
			r.emitMessage(st, message.Keepalive{}, "sent")
		}
	}
	if o.SendNotification != nil {
		r.sendNotification(st, o.SendNotification.Code, o.SendNotification.Subcode)
	}
	if o.ResetHoldTimer {
		st.holdDeadline = r.holdDeadlineFor(st, now)
	}
	if o.StartConnectRetry {
		st.connectRetryDeadline = now.Add(st.connectRetryBackoff)
		st.connectRetryBackoff *= 2
		if st.connectRetryBackoff > connectRetryMax {
			st.connectRetryBackoff = connectRetryMax
		}
	}
	if o.StopConnectRetry {
		st.connectRetryDeadline = time.Time{}
		st.connectRetryBackoff = connectRetryInitial
	}
	if o.ArmOpenSentTimer {
		st.openSentDeadline = now.Add(openSentTimeout)
	}
	if o.ArmKeepaliveTimer {
		st.keepaliveDeadline = now.Add(r.keepaliveInterval(st))
	}
	if o.StartStaleTimer {
		st.p.AdjIn.MarkAllStale()
	}
	if o.ClearStaleRoutes {
		st.p.AdjIn.ClearStale()
	}
	if o.CloseConnection {
		r.teardown(st)
	}
	// Connect runs last: dialOut recursively calls step with the dial's
	// own outcome (EventTCPConnectionConfirmed/Fails), and that nested
	// call's connect-retry bookkeeping must win over this call's own.
	if o.Connect {
		r.dialOut(st, now)
	}
}

func (r *Reactor) holdDeadlineFor(st *peerState, now time.Time) time.Time {
	if st.p.Negotiated != nil {
		if st.p.Negotiated.HoldTime == 0 {
			return time.Time{}
		}
		return now.Add(time.Duration(st.p.Negotiated.HoldTime) * time.Second)
	}
	if st.p.Config.HoldTime > 0 {
		return now.Add(time.Duration(st.p.Config.HoldTime) * time.Second)
	}
	return now.Add(90 * time.Second)
}

func (r *Reactor) keepaliveInterval(st *peerState) time.Duration {
	if st.p.Negotiated != nil && st.p.Negotiated.KeepaliveTime > 0 {
		return time.Duration(st.p.Negotiated.KeepaliveTime) * time.Second
	}
	return 30 * time.Second
}

func (r *Reactor) sendNotification(st *peerState, code, subcode uint8) {
	if st.p.Conn == nil {
		return
	}
	n := message.Notification{Code: code, Subcode: subcode}
	st.p.QueueMessage(n)
	r.emitMessage(st, n, "sent")
	r.forwardNotification(st, n)
}

func (r *Reactor) dialOut(st *peerState, now time.Time) {
	conn, err := connection.Dial(st.p.Config.Addr(), connectDialTimeout, connection.Config{
		LocalAddress: st.p.Config.LocalAddress,
		MD5Key:       st.p.Config.MD5Key,
		TLS:          st.p.Config.TLS,
		TTL:          st.p.Config.TTL,
	})
	if err != nil {
		r.step(st, fsm.EventTCPConnectionFails, now)
		return
	}
	st.p.Conn = conn
	st.p.WeInitiated = true
	r.registerConn(st)
	r.step(st, fsm.EventTCPConnectionConfirmed, now)
	r.maybeSendOpen(st)
}

// teardown closes the connection and clears per-session state. When the
// session had negotiated graceful restart, the adj-rib-in survives with
// every entry marked stale until End-of-RIB or the restart timer; any
// other teardown discards it.
func (r *Reactor) teardown(st *peerState) {
	graceful := st.p.Negotiated != nil && st.p.Negotiated.GracefulRestart != nil
	if graceful {
		st.p.AdjIn.MarkAllStale()
		restart := time.Duration(st.p.Negotiated.GracefulRestart.RestartTime) * time.Second
		if restart > 0 {
			st.staleDeadline = time.Now().Add(restart)
		}
	} else {
		st.p.AdjIn.MarkAllStale()
		st.p.AdjIn.ClearStale()
	}
	r.unregisterConn(st)
	st.p.Reset()
	st.openSentDeadline = time.Time{}
	st.holdDeadline = time.Time{}
	st.keepaliveDeadline = time.Time{}
}

func (r *Reactor) forwardToProcesses(st *peerState, m message.Message) {
	addr := st.p.Config.Addr()
	var typ process.EventType
	var payload interface{} = m
	switch m.(type) {
	case message.Update:
		typ = process.EventUpdate
	case message.RouteRefresh:
		typ = process.EventRefresh
	case message.Operational:
		typ = process.EventOperational
	default:
		return
	}
	r.forwardEvent(addr, st, typ, payload)
}

func (r *Reactor) forwardState(st *peerState, state string) {
	r.forwardEvent(st.p.Config.Addr(), st, process.EventState, map[string]string{"state": state})
}

func (r *Reactor) forwardNotification(st *peerState, n message.Notification) {
	r.forwardEvent(st.p.Config.Addr(), st, process.EventNotification, map[string]interface{}{
		"code": n.Code, "subcode": n.Subcode,
	})
}

func (r *Reactor) forwardEvent(addr string, st *peerState, typ process.EventType, payload interface{}) {
	for _, ext := range r.processes {
		if !ext.Wants(addr) {
			continue
		}
		if ext.Paused() {
			continue
		}
		neighbor := process.NeighborRef{Address: st.p.Config.RemoteAddress, ASN: st.p.Config.RemoteASN}
		ev := r.events.Build(time.Now().Unix(), typ, neighbor, payload)
		var line []byte
		switch ext.EncoderKind() {
		case process.EncoderJSON:
			b, err := process.EncodeJSON(ev)
			if err != nil {
				continue
			}
			line = b
		default:
			line = process.EncodeText(ev)
		}
		if overflowing := ext.Enqueue(line); overflowing {
			telemetry.Emit(r.telemetry, telemetry.Event{
				Time: time.Now(), Kind: telemetry.KindProcessBackpressure,
				Process: ext.Name(), Paused: true,
			})
		}
	}
}

func (r *Reactor) emitMessage(st *peerState, m message.Message, direction string) {
	telemetry.Emit(r.telemetry, telemetry.Event{
		Time: time.Now(), Kind: telemetry.KindMessage,
		Peer: st.p.Config.Addr(), Direction: direction, MessageType: m.Type(),
	})
	if notif, ok := m.(message.Notification); ok {
		telemetry.Emit(r.telemetry, telemetry.Event{
			Time: time.Now(), Kind: telemetry.KindNotification,
			Peer: st.p.Config.Addr(), Direction: direction, Code: notif.Code, Subcode: notif.Subcode,
		})
	}
}

// handleSignal reacts to one OS signal and reports whether the reactor
// should now shut down.
func (r *Reactor) handleSignal(s os.Signal) bool {
	switch s {
	case syscall.SIGHUP:
		if err := r.reload(); err != nil {
			r.logger.Error("configuration reload failed", zap.Error(err))
		}
	case syscall.SIGUSR1:
		r.dumpState()
	case syscall.SIGUSR2:
		r.logger.Info("SIGUSR2 received: log reopen requested")
	case syscall.SIGTERM, syscall.SIGINT:
		r.logger.Info("shutdown signal received", zap.String("signal", s.String()))
		return true
	}
	return false
}

// reload fetches a fresh Config and applies it atomically between
// ticks: no UPDATE is processed while peers are added or removed.
// Neighbors whose identity (remote address + ASN pair) and session
// parameters are unchanged keep their session; materially changed or
// removed neighbors are torn down with NOTIFICATION (6,6).
func (r *Reactor) reload() error {
	if r.ReloadFunc == nil {
		return fmt.Errorf("no reload source configured")
	}
	next, err := r.ReloadFunc()
	if err != nil {
		return err
	}
	now := time.Now()

	wanted := make(map[string]peer.Config, len(next.Neighbors))
	for _, nc := range next.Neighbors {
		wanted[nc.Addr()] = nc
	}

	for addr, st := range r.peers {
		nc, keep := wanted[addr]
		if keep && sameNeighbor(st.p.Config, nc) {
			continue
		}
		if st.p.FSM.State() != fsm.Idle {
			r.sendNotification(st, 6, 6)
			r.step(st, fsm.EventNotificationSent, now)
		}
		if !keep {
			delete(r.peers, addr)
			r.logger.Info("neighbor removed by reload", zap.String("neighbor", addr))
			continue
		}
		st.p.Config = nc
		r.step(st, fsm.EventAdminEnable, now)
		r.logger.Info("neighbor reconfigured by reload", zap.String("neighbor", addr))
	}
	for addr, nc := range wanted {
		if _, exists := r.peers[addr]; exists {
			continue
		}
		st := &peerState{p: peer.New(nc), fd: -1, connectRetryBackoff: connectRetryInitial}
		r.peers[addr] = st
		r.step(st, fsm.EventAdminEnable, now)
		r.logger.Info("neighbor added by reload", zap.String("neighbor", addr))
	}

	r.reloadProcesses(next.Processes)
	r.cfg = next
	r.logger.Info("configuration reloaded",
		zap.Int("neighbors", len(r.peers)),
		zap.Int("processes", len(r.processes)))
	return nil
}

func (r *Reactor) reloadProcesses(specs []process.Spec) {
	wanted := make(map[string]process.Spec, len(specs))
	for _, ps := range specs {
		wanted[ps.Name] = ps
	}
	for i := 0; i < len(r.processes); {
		ext := r.processes[i]
		if _, keep := wanted[ext.Name()]; keep {
			delete(wanted, ext.Name())
			i++
			continue
		}
		r.poller.Remove(ext.StdoutFD())
		delete(r.fdProcess, ext.StdoutFD())
		ext.Close()
		r.processes = append(r.processes[:i], r.processes[i+1:]...)
	}
	for _, ps := range wanted {
		r.spawnProcess(ps)
	}
}

// sameNeighbor reports whether two neighbor configurations describe the
// same session: a difference in any field that shapes the OPEN exchange
// or the transport requires a teardown and re-establish.
func sameNeighbor(a, b peer.Config) bool {
	if a.RemoteAddress != b.RemoteAddress || a.RemotePort != b.RemotePort ||
		a.LocalAddress != b.LocalAddress || a.LocalASN != b.LocalASN ||
		a.RemoteASN != b.RemoteASN || a.Passive != b.Passive ||
		a.MD5Key != b.MD5Key || a.TTL != b.TTL || a.HoldTime != b.HoldTime ||
		a.Identifier != b.Identifier ||
		a.ExtendedMessage != b.ExtendedMessage || a.RouteRefresh != b.RouteRefresh ||
		a.EnhancedRefresh != b.EnhancedRefresh || a.GracefulRestart != b.GracefulRestart {
		return false
	}
	if len(a.Families) != len(b.Families) || len(a.AddPathFamilies) != len(b.AddPathFamilies) {
		return false
	}
	for i := range a.Families {
		if a.Families[i] != b.Families[i] {
			return false
		}
	}
	for f, dir := range a.AddPathFamilies {
		if b.AddPathFamilies[f] != dir {
			return false
		}
	}
	return true
}

// PeerStates reports each configured neighbor's current FSM state,
// keyed by address, for the HTTP server's /readyz summary.
func (r *Reactor) PeerStates() map[string]string {
	out := make(map[string]string, len(r.peers))
	for addr, st := range r.peers {
		out[addr] = st.p.FSM.State().String()
	}
	return out
}

func (r *Reactor) dumpState() {
	for addr, st := range r.peers {
		r.logger.Info("peer state",
			zap.String("peer", addr),
			zap.String("state", st.p.FSM.State().String()),
			zap.Uint64("sent", st.p.Stats.Sent),
			zap.Uint64("received", st.p.Stats.Received),
			zap.Int("adj_in", st.p.AdjIn.Len()),
			zap.Int("adj_out_pending", st.p.AdjOut.Pending()),
		)
	}
}

// shutdown disables every peer (NOTIFICATION Cease), waits briefly for
// the queued bytes to flush, and closes every external process before
// Run returns.
func (r *Reactor) shutdown() error {
	now := time.Now()
	for _, st := range r.peers {
		if st.p.FSM.State() == fsm.Idle {
			continue
		}
		r.step(st, fsm.EventAdminDisable, now)
	}
	deadline := time.Now().Add(shutdownFlushGrace)
	for time.Now().Before(deadline) {
		pending := false
		for _, st := range r.peers {
			if st.p.Conn != nil && st.p.HasPendingWrites() {
				pending = true
				st.p.FlushPending()
			}
		}
		if !pending {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, ext := range r.processes {
		ext.Ack("shutdown")
		ext.Flush()
		ext.Close()
	}
	return nil
}
