package orchestrator

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apc-dev/apc/internal/broadcast"
	"github.com/apc-dev/apc/internal/coordinator"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/taskid"
)

// Question is one agent-to-user question. RespondedAt stays zero until
// an answer arrives.
type Question struct {
	ID          string    `json:"id"`
	Session     string    `json:"session"`
	TaskID      string    `json:"taskId,omitempty"`
	Question    string    `json:"question"`
	AskedAt     time.Time `json:"askedAt"`
	Answer      string    `json:"answer,omitempty"`
	RespondedAt time.Time `json:"respondedAt"`
}

// AskQuestion registers a question, pins it to the task when one is
// named, and broadcasts it so connected UIs can surface it.
func (o *Orchestrator) AskQuestion(sess, taskID, text string) (Question, error) {
	if strings.TrimSpace(text) == "" {
		return Question{}, fault.New(fault.Validation, "question text is empty")
	}
	if _, err := o.sessions.Get(sess); err != nil {
		return Question{}, err
	}
	q := Question{
		ID:       uuid.NewString(),
		Session:  sess,
		Question: text,
		AskedAt:  o.clk.Now(),
	}
	if taskID != "" {
		q.TaskID = taskid.Normalize(taskID)
		if err := o.tasks.SetPendingQuestion(q.TaskID, text); err != nil {
			return Question{}, err
		}
	}
	o.qMu.Lock()
	o.questions[q.ID] = &q
	o.qMu.Unlock()

	o.bcast.Publish(broadcast.UserQuestionAsked, sess, map[string]any{
		"questionId": q.ID,
		"taskId":     q.TaskID,
		"question":   text,
	})
	return q, nil
}

// AnswerQuestion records the user's answer, clears the task's pending
// question, and queues a user_responded coordinator event.
func (o *Orchestrator) AnswerQuestion(id, answer string) (Question, error) {
	o.qMu.Lock()
	q, ok := o.questions[id]
	if !ok {
		o.qMu.Unlock()
		return Question{}, fault.New(fault.Validation, "unknown question %q", id)
	}
	if !q.RespondedAt.IsZero() {
		o.qMu.Unlock()
		return Question{}, fault.New(fault.Precondition, "question %s is already answered", id)
	}
	q.Answer = answer
	q.RespondedAt = o.clk.Now()
	snap := *q
	o.qMu.Unlock()

	if snap.TaskID != "" {
		if err := o.tasks.SetPendingQuestion(snap.TaskID, ""); err != nil {
			log.Warn(log.CatTask, "pending question not cleared",
				"task", snap.TaskID, "error", err)
		}
	}
	o.coord.QueueEvent(snap.Session, coordinator.EventUserResponded, map[string]any{
		"questionId": snap.ID,
		"taskId":     snap.TaskID,
		"answer":     answer,
	})
	return snap, nil
}

// Questions lists questions, newest first. Empty session means all
// sessions; answered questions are included only when asked for.
func (o *Orchestrator) Questions(sess string, includeAnswered bool) []Question {
	o.qMu.Lock()
	out := make([]Question, 0, len(o.questions))
	for _, q := range o.questions {
		if sess != "" && q.Session != sess {
			continue
		}
		if !includeAnswered && !q.RespondedAt.IsZero() {
			continue
		}
		out = append(out, *q)
	}
	o.qMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AskedAt.After(out[j].AskedAt) })
	return out
}
