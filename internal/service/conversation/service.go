package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kaichat/internal/models"
	"kaichat/internal/service/ai"
	"kaichat/internal/worker"
)

var ErrMissingFields = errors.New("userId and message are required")

// Generator produces replies and extracts facts. ai.Service and ai.Fallback satisfy it.
type Generator interface {
	Reply(ctx context.Context, history []*models.Message, systemPrompt, message string) string
	ExtractFacts(ctx context.Context, conversation []*models.Message) ([]string, error)
}

// Submitter queues background work. *worker.Dispatcher satisfies it.
type Submitter interface {
	Submit(job worker.Job) error
}

// Memory is the persistence the conversation needs. *assistant.Service satisfies it.
type Memory interface {
	EnsureUser(ctx context.Context, userID string) (*models.User, error)
	FindSession(ctx context.Context, sessionID string) (*models.Session, error)
	CreateSession(ctx context.Context, userID, title string) (*models.Session, error)
	AppendExchange(ctx context.Context, sessionID, message, reply string) (*models.Session, error)
	RememberFacts(ctx context.Context, userID string, facts []string) (*models.User, error)
}

type Options struct {
	HistoryWindow  int
	ExtractEvery   int
	TitleLength    int
	ExtractTimeout time.Duration
}

// Result is what a chat turn returns to the client.
type Result struct {
	Reply     string `json:"reply"`
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
}

// Service runs one chat turn: resolve the user and session, ask the model, store the exchange
// and periodically distil long-term facts in the background.
type Service struct {
	memory    Memory
	generator Generator
	jobs      Submitter
	opts      Options
	log       *zap.Logger
}

func NewService(memory Memory, generator Generator, jobs Submitter, opts Options, log *zap.Logger) *Service {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 10
	}
	if opts.ExtractEvery <= 0 {
		opts.ExtractEvery = 2
	}
	if opts.TitleLength <= 0 {
		opts.TitleLength = 30
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		memory:    memory,
		generator: generator,
		jobs:      jobs,
		opts:      opts,
		log:       log.Named("conversation"),
	}
}

// Send handles one user message.
func (s *Service) Send(ctx context.Context, userID, sessionID, message string) (*Result, error) {
	if userID == "" || message == "" {
		return nil, ErrMissingFields
	}

	user, err := s.memory.EnsureUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}

	var session *models.Session
	if sessionID != "" {
		if session, err = s.memory.FindSession(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("resolve session: %w", err)
		}
	}
	if session == nil {
		session, err = s.memory.CreateSession(ctx, userID, models.TitleFrom(message, s.opts.TitleLength))
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}

	reply := s.generator.Reply(ctx, session.Recent(s.opts.HistoryWindow), ai.SystemPrompt(user), message)

	updated, err := s.memory.AppendExchange(ctx, session.SessionID, message, reply)
	if err != nil {
		return nil, fmt.Errorf("store exchange: %w", err)
	}

	if updated.UserMessageCount()%s.opts.ExtractEvery == 0 {
		s.scheduleExtraction(userID, updated.Recent(s.opts.HistoryWindow))
	}

	return &Result{Reply: reply, SessionID: updated.SessionID, Title: updated.Title}, nil
}

// scheduleExtraction queues fact extraction. A full queue drops the job.
func (s *Service) scheduleExtraction(userID string, recent []*models.Message) {
	if s.jobs == nil {
		return
	}
	snapshot := make([]*models.Message, 0, len(recent))
	for _, m := range recent {
		if m != nil {
			cp := *m
			snapshot = append(snapshot, &cp)
		}
	}
	err := s.jobs.Submit(worker.Job{
		UserID: userID,
		Name:   "extract-facts",
		Run: func(ctx context.Context) error {
			return s.ExtractAndRemember(ctx, userID, snapshot)
		},
	})
	if err != nil {
		s.log.Warn("fact extraction dropped", zap.String("user_id", userID), zap.Error(err))
	}
}

// ExtractAndRemember runs fact extraction over messages and stores whatever comes back.
func (s *Service) ExtractAndRemember(ctx context.Context, userID string, messages []*models.Message) error {
	if s.opts.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ExtractTimeout)
		defer cancel()
	}
	facts, err := s.generator.ExtractFacts(ctx, messages)
	if err != nil {
		return fmt.Errorf("extract facts for %s: %w", userID, err)
	}
	if len(facts) == 0 {
		return nil
	}
	if _, err := s.memory.RememberFacts(ctx, userID, facts); err != nil {
		return fmt.Errorf("remember facts for %s: %w", userID, err)
	}
	s.log.Info("memory updated", zap.String("user_id", userID), zap.Int("facts", len(facts)))
	return nil
}
