package chat

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/k-hirata/manabu/pkg/model"
	"github.com/k-hirata/manabu/pkg/repository"
	"github.com/k-hirata/manabu/pkg/utils/logging"
	"google.golang.org/genai"
)

//go:embed prompt/summarize.md
var summarizePromptRaw string

var summarizePromptTmpl = template.Must(template.New("summarize").Parse(summarizePromptRaw))

// persistExchange writes the completed exchange to the hot buffer
// synchronously, then hands durable persistence to a background worker so
// the response is not held up by store latency.
func (p *Pipeline) persistExchange(ctx context.Context, state *AgentState, answer string) {
	logger := logging.From(ctx)
	now := time.Now()
	turns := []model.Turn{
		{Role: model.RoleUser, Text: state.Request.Query, Timestamp: now},
		{Role: model.RoleAssistant, Text: answer, Timestamp: now},
	}

	if err := p.buffer.Push(ctx, state.Request.SessionID, turns...); err != nil {
		logger.Warn("failed to push turns to buffer", "error", err)
	}

	bg := logging.With(context.WithoutCancel(ctx), logger)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.persistDurable(bg, state, turns)
	}()
}

func (p *Pipeline) persistDurable(ctx context.Context, state *AgentState, turns []model.Turn) {
	logger := logging.From(ctx)
	sessionID := state.Request.SessionID

	if err := p.repo.AppendTurns(ctx, sessionID, turns); err != nil {
		logger.Error("failed to append turns", "session_id", sessionID, "error", err)
		return
	}

	session, err := p.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			session = &model.Session{SessionID: sessionID, CreatedAt: time.Now()}
		} else {
			logger.Error("failed to load session", "session_id", sessionID, "error", err)
			return
		}
	}

	changed := false
	if session.UserID == "" && state.Request.UserID != "" {
		session.UserID = state.Request.UserID
		changed = true
	}
	if applyClassification(session, state.Classification) {
		changed = true
	}
	if changed {
		if err := p.repo.PutSession(ctx, session); err != nil {
			logger.Warn("failed to update session context", "session_id", sessionID, "error", err)
		}
	}

	if p.cfg.SummaryInterval > 0 && session.MessageCount > 0 &&
		session.MessageCount%p.cfg.SummaryInterval == 0 {
		p.refreshSummary(ctx, session)
	}

	p.archiveTranscript(ctx, session)
}

// applyClassification folds context extracted from the current query into
// the session. The latest query wins; a query that names no context leaves
// the current one alone.
func applyClassification(session *model.Session, c *model.QueryClassification) bool {
	if c == nil {
		return false
	}
	changed := false
	if c.ClassLevel != "" && c.ClassLevel != session.ClassLevel {
		session.ClassLevel = c.ClassLevel
		changed = true
	}
	if c.Subject != "" && c.Subject != session.Subject {
		session.Subject = c.Subject
		changed = true
	}
	if c.Chapter != "" && c.Chapter != session.Chapter {
		session.Chapter = c.Chapter
		changed = true
	}
	if c.LectureRef != "" && c.LectureRef != session.LectureRef {
		session.LectureRef = c.LectureRef
		changed = true
	}
	return changed
}

// refreshSummary condenses recent history into the rolling session summary.
// The summarizing flag serializes concurrent attempts; a crashed generation
// releases the flag without touching the existing summary.
func (p *Pipeline) refreshSummary(ctx context.Context, session *model.Session) {
	logger := logging.From(ctx)

	acquired, err := p.repo.BeginSummary(ctx, session.SessionID)
	if err != nil {
		logger.Warn("failed to acquire summary lock", "session_id", session.SessionID, "error", err)
		return
	}
	if !acquired {
		logger.Debug("summary already in progress", "session_id", session.SessionID)
		return
	}

	summary, err := p.generateSummary(ctx, session)
	if err != nil {
		logger.Warn("summary generation failed", "session_id", session.SessionID, "error", err)
		summary = ""
	}
	if err := p.repo.FinishSummary(ctx, session.SessionID, summary); err != nil {
		logger.Error("failed to release summary lock", "session_id", session.SessionID, "error", err)
	}
}

func (p *Pipeline) generateSummary(ctx context.Context, session *model.Session) (string, error) {
	window := p.cfg.SummaryInterval
	if window <= 0 {
		window = p.cfg.MaxBufferTurns
	}
	turns, err := p.repo.RecentTurns(ctx, session.SessionID, window)
	if err != nil {
		return "", err
	}
	if len(turns) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	if err := summarizePromptTmpl.Execute(&buf, map[string]any{
		"Previous": session.Summary,
		"Messages": formatHistory(turns, len(turns)),
	}); err != nil {
		return "", err
	}

	resp, err := p.gemini.GenerateContent(ctx,
		[]*genai.Content{genai.NewContentFromText(buf.String(), genai.RoleUser)}, nil)
	if err != nil {
		return "", err
	}
	return textOf(resp), nil
}

// transcript is the archived session snapshot format.
type transcript struct {
	Session *model.Session `json:"session"`
	Turns   []model.Turn   `json:"turns"`
}

// archiveTranscript snapshots the session and its recent turns to object
// storage for offline review. Best-effort.
func (p *Pipeline) archiveTranscript(ctx context.Context, session *model.Session) {
	if p.storage == nil {
		return
	}
	logger := logging.From(ctx)

	turns, err := p.repo.RecentTurns(ctx, session.SessionID, session.MessageCount)
	if err != nil {
		logger.Warn("failed to load turns for transcript", "session_id", session.SessionID, "error", err)
		return
	}

	key := fmt.Sprintf("transcripts/%s.json", session.SessionID)
	w, err := p.storage.Put(ctx, key)
	if err != nil {
		logger.Warn("failed to open transcript object", "key", key, "error", err)
		return
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&transcript{Session: session, Turns: turns}); err != nil {
		logger.Warn("failed to encode transcript", "key", key, "error", err)
		_ = w.Close()
		return
	}
	if err := w.Close(); err != nil {
		logger.Warn("failed to write transcript", "key", key, "error", err)
	}
}
