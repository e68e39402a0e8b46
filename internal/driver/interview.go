package driver

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"golang.org/x/sync/errgroup"

	"zwave-go-home/internal/cc"
)

// StartInterview begins (or restarts) the discovery sequence for a node. An
// interview already running for the same node is cancelled and fully unwound
// before the replacement starts, so two interviews never mutate the node's
// table concurrently.
func (d *Driver) StartInterview(nodeID byte) {
	d.interviewWg.Add(1)
	go d.runInterview(nodeID)
}

// InterviewAll starts interviews for every known node except the controller
// itself and nodes already interviewed.
func (d *Driver) InterviewAll() {
	own := d.Network().OwnNodeID
	for _, n := range d.Nodes() {
		if n.ID() == own || n.State() == InterviewDone {
			continue
		}
		d.StartInterview(n.ID())
	}
}

// cancelInterview cancels a node's running interview, if any, and waits for
// it to unwind.
func (d *Driver) cancelInterview(nodeID byte) {
	d.interviewMu.Lock()
	entry, ok := d.interviews[nodeID]
	if ok {
		entry.cancel()
		delete(d.interviews, nodeID)
	}
	d.interviewMu.Unlock()
	if ok {
		<-entry.done
	}
}

func (d *Driver) runInterview(nodeID byte) {
	gen := d.interviewGen.Add(1)
	done := make(chan struct{})

	defer func() {
		close(done)
		d.interviewMu.Lock()
		if entry, ok := d.interviews[nodeID]; ok && entry.gen == gen {
			delete(d.interviews, nodeID)
		}
		d.interviewMu.Unlock()
		d.interviewWg.Done()
	}()

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.InterviewTimeout)
	defer cancel()

	// Replace any previous interview for this node and wait for it to fully
	// unwind before touching shared node state.
	d.interviewMu.Lock()
	prev, hadPrev := d.interviews[nodeID]
	if hadPrev {
		prev.cancel()
	}
	d.interviews[nodeID] = &interviewEntry{cancel: cancel, done: done, gen: gen}
	d.interviewMu.Unlock()
	if hadPrev {
		<-prev.done
	}

	node := d.ensureNode(nodeID)
	logger := d.logger.With("node", nodeID)

	err := d.interview(ctx, node, logger)
	switch {
	case err == nil:
		// State was set to Done or EndedEarly by the sequence itself.
	case ctx.Err() != nil:
		// Cancellation is an expected unwind, not a failure.
		node.setState(InterviewCancelled)
		node.infoAwait.Clear()
		logger.Info("interview cancelled")
	default:
		node.setState(InterviewEndedEarly)
		node.infoAwait.Clear()
		logger.Warn("interview ended early", "err", err)
	}
}

// interview runs the discovery state machine for one node.
func (d *Driver) interview(ctx context.Context, node *Node, logger *slog.Logger) error {
	logger.Info("interview started")

	// Protocol info comes from the controller's own routing table.
	node.setState(InterviewProtocolInfo)
	protocol, err := d.transport.GetNodeProtocolInfo(ctx, node.ID())
	if err != nil {
		return fmt.Errorf("protocol info: %w", err)
	}
	node.setProtocolInfo(protocol)

	// The controller's own node has nothing further to discover.
	if node.ID() == d.Network().OwnNodeID {
		node.setState(InterviewDone)
		d.persistNode(node)
		logger.Info("interview done (controller node)")
		return nil
	}

	// Ask the node to broadcast its node information frame. The controller
	// can reject the request itself; that ends the interview early after the
	// configured retry budget, logged but not escalated.
	node.setState(InterviewNodeInfo)
	accepted := false
	for attempt := 0; attempt <= d.cfg.NodeInfoRetries; attempt++ {
		if attempt > 0 {
			logger.Info("node info request retry", "attempt", attempt)
		}
		accepted, err = d.transport.RequestNodeInfo(ctx, node.ID())
		if err != nil {
			return fmt.Errorf("request node info: %w", err)
		}
		if accepted {
			break
		}
	}
	if !accepted {
		node.setState(InterviewEndedEarly)
		// A stale signal must not satisfy a future interview's wait.
		node.infoAwait.Clear()
		logger.Warn("node info request rejected, interview ended early")
		return nil
	}

	node.setState(InterviewAwaitingInfo)
	infoCtx, cancel := context.WithTimeout(ctx, d.cfg.NodeInfoTimeout)
	err = node.infoAwait.Wait(infoCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("awaiting node info: %w", err)
	}

	// Negotiate class versions first so the capability interviews see them.
	d.negotiateVersions(ctx, node, logger)

	// One task per advertised class; a failing class never aborts siblings.
	node.setState(InterviewCapabilities)
	session := d.Session(node.ID())
	var g errgroup.Group
	for class, info := range node.Classes() {
		if !info.Supported {
			continue
		}
		handler := node.Handler(class)
		name := cc.ClassName(class)
		g.Go(func() error {
			if err := handler.Interview(ctx, session); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn("class interview failed", "class", name, "err", err)
			} else {
				logger.Debug("class interviewed", "class", name)
			}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	node.setState(InterviewDone)
	d.persistNode(node)
	logger.Info("interview done", "classes", len(node.Classes()))
	d.events.Emit(Event{Type: EventNodeInterviewed, Data: map[string]interface{}{
		"node": node.ID(),
	}})
	return nil
}

// negotiateVersions asks the node's Version handler for the version of every
// advertised class. Nodes without Version keep their classes at v1 semantics.
func (d *Driver) negotiateVersions(ctx context.Context, node *Node, logger *slog.Logger) {
	vh, ok := node.Handler(cc.ClassVersion).(*cc.Version)
	if !ok || vh == nil {
		return
	}
	session := d.Session(node.ID())
	for class, info := range node.Classes() {
		if !info.Supported || class == cc.ClassVersion {
			continue
		}
		vctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		version, err := vh.CommandClassVersion(vctx, session, class)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debug("class version query failed", "class", cc.ClassName(class), "err", err)
			continue
		}
		node.setClassVersion(class, version)
	}
}
