package chat

import (
	"context"
	"errors"
	"time"

	"github.com/k-hirata/manabu/pkg/model"
	"github.com/k-hirata/manabu/pkg/repository"
	"github.com/k-hirata/manabu/pkg/utils/logging"
)

// loadContext reconciles the hot turn buffer with the durable store and
// produces the token-bounded context view for this request. The durable
// store being unreachable degrades to an empty view instead of failing the
// request.
func (p *Pipeline) loadContext(ctx context.Context, req *model.ChatRequest) (*model.ContextView, bool) {
	logger := logging.From(ctx)

	var session *model.Session
	if s, err := p.repo.GetSession(ctx, req.SessionID); err == nil {
		session = s
	} else if !errors.Is(err, repository.ErrSessionNotFound) {
		logger.Warn("durable store unreachable, proceeding with empty context",
			"session_id", req.SessionID, "error", err)
		return &model.ContextView{}, false
	}

	turns, err := p.buffer.Recent(ctx, req.SessionID)
	if err != nil {
		logger.Warn("turn buffer read failed", "session_id", req.SessionID, "error", err)
	}

	if len(turns) == 0 && session != nil && session.MessageCount > 0 {
		turns, err = p.repo.RecentTurns(ctx, req.SessionID, p.cfg.MaxBufferTurns)
		if err != nil {
			logger.Warn("rebuilding buffer from durable store failed",
				"session_id", req.SessionID, "error", err)
			turns = nil
		} else if len(turns) > 0 {
			if err := p.buffer.Seed(ctx, req.SessionID, turns); err != nil {
				logger.Warn("seeding turn buffer failed", "session_id", req.SessionID, "error", err)
			}
		}
	}

	view := &model.ContextView{
		Turns: trimTurns(turns, p.cfg.ContextTokenBudget),
	}

	restart := false
	if session != nil {
		view.Summary = session.Summary
		inactive := time.Since(session.UpdatedAt)
		if session.MessageCount > 0 && inactive > p.cfg.InactivityThreshold.Std() {
			restart = true
			logger.Info("session restart detected",
				"session_id", req.SessionID, "inactive", inactive)
		}
	}

	return view, restart
}

// trimTurns keeps the most recent turns whose estimated token total fits the
// budget, then advances the start so the earliest retained turn is a user
// turn (never starting mid-exchange on an assistant turn).
func trimTurns(turns []model.Turn, budget int) []model.Turn {
	start := len(turns)
	total := 0
	for i := len(turns) - 1; i >= 0; i-- {
		t := model.EstimateTokens(turns[i].Text)
		if total+t > budget {
			break
		}
		total += t
		start = i
	}

	for start < len(turns) && turns[start].Role != model.RoleUser {
		start++
	}
	return turns[start:]
}
