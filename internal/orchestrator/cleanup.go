package orchestrator

import (
	"time"

	"github.com/apc-dev/apc/internal/broadcast"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/session"
)

// staleSignalAge bounds how long an unanswered completion wait may sit
// in the rendezvous before cleanup purges it. Workflow waits time out
// after ten minutes; anything older is leaked.
const staleSignalAge = time.Hour

// liveWaitWarnThreshold flags a rendezvous backlog that suggests the
// external runner stopped signalling.
const liveWaitWarnThreshold = 100

func (o *Orchestrator) cleanupLoop() {
	defer o.wg.Done()
	t := o.clk.NewTicker(o.cleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-t.C():
			o.runCleanup()
		}
	}
}

// runCleanup does one maintenance pass: archive finished workflow
// objects past the grace window, drop terminal sessions past the age
// limit (tasks and ledger included), and purge leaked completion waits.
func (o *Orchestrator) runCleanup() {
	before := o.engine.LiveCount()
	evicted := o.engine.EvictCompleted(o.archiveGrace)

	removed := 0
	now := o.clk.Now()
	for _, s := range o.sessions.List() {
		if !s.IsTerminal() || s.ID == session.ErrorSessionID {
			continue
		}
		if now.Sub(s.UpdatedAt) < o.sessionAge {
			continue
		}
		if err := o.sessions.Remove(s.ID); err != nil {
			log.Warn(log.CatState, "session cleanup refused",
				"session", s.ID, "error", err)
			continue
		}
		o.tasks.Unregister(s.ID)
		o.ledger.Forget(s.ID)
		removed++
	}

	purged := 0
	if o.rdv != nil {
		purged = o.rdv.PurgeStale(staleSignalAge)
		if live := o.rdv.Live(); live > liveWaitWarnThreshold {
			log.Warn(log.CatState, "completion waits piling up", "live", live)
		}
	}

	for _, s := range o.sessions.List() {
		for status, n := range o.tasks.CountByStatus(s.ID) {
			o.m.SetTasks(s.ID, string(status), n)
		}
	}

	after := o.engine.LiveCount()
	if evicted > 0 || removed > 0 || purged > 0 {
		log.Info(log.CatState, "cleanup pass",
			"evicted", evicted, "sessions", removed, "purged", purged,
			"workflowsBefore", before, "workflowsAfter", after)
	}
	o.bcast.Publish(broadcast.WorkflowsCleaned, "", map[string]any{
		"workflowsBefore": before,
		"workflowsAfter":  after,
		"evicted":         evicted,
		"sessionsRemoved": removed,
		"signalsPurged":   purged,
	})
}
