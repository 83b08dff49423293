// Package challenge implements the "catch the AI's mistake" game: a
// single-turn question to the oracle followed by the player's judgment.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dsa-guru-ai-go/internal/models"
	"github.com/dsa-guru-ai-go/internal/persona"
	"github.com/dsa-guru-ai-go/internal/services/oracle"
	"github.com/sirupsen/logrus"
)

// ErrorAnswer replaces the answer when the oracle cannot be reached
const ErrorAnswer = "Sorry, there was an error processing your challenge."

// ErrBusy is returned when a question is already being answered
var ErrBusy = errors.New("a challenge question is already pending")

// ErrNoQuestion is returned by Judge when no answered question is outstanding
var ErrNoQuestion = errors.New("no challenge question to judge")

// ErrUnknownDifficulty is returned by SetDifficulty for levels outside Difficulties
var ErrUnknownDifficulty = errors.New("unknown difficulty")

// Difficulties are the levels a player can pick
var Difficulties = []string{"easy", "medium", "hard"}

const defaultDifficulty = "medium"

// ParseDifficulty normalises a level name
func ParseDifficulty(s string) (string, error) {
	level := strings.ToLower(strings.TrimSpace(s))
	for _, d := range Difficulties {
		if d == level {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDifficulty, s)
}

// Recorder receives game metrics
type Recorder interface {
	RecordOracleRequest(kind, status string, duration time.Duration)
	RecordJudgment(caught bool, balance int)
}

// Options configures a Game
type Options struct {
	InitialBalance int
	HistorySize    int
	Difficulty     string
	Metrics        Recorder
}

// Result is the outcome of one judgment
type Result struct {
	Correct bool `json:"correct"`
	Caught  bool `json:"caught"`
	Delta   int  `json:"delta"`
	Balance int  `json:"balance"`
	Streak  int  `json:"streak"`
}

// Stats summarises the game
type Stats struct {
	Balance    int               `json:"balance"`
	Streak     int               `json:"streak"`
	Caught     int               `json:"caught"`
	Failed     int               `json:"failed"`
	Difficulty string            `json:"difficulty"`
	Question   string            `json:"question"`
	Answer     string            `json:"answer"`
	Answered   bool              `json:"answered"`
	History    []models.Judgment `json:"history"`
}

// Game holds one player's balance, streak and judgment history
type Game struct {
	mu          sync.Mutex
	state       models.ChallengeState
	historySize int
	busy        bool
	oracle      oracle.Service
	metrics     Recorder
	onChange    func()
	logger      *logrus.Logger
}

// NewGame starts a fresh game
func NewGame(o oracle.Service, opts Options, logger *logrus.Logger) *Game {
	state := models.ChallengeState{
		Balance:    opts.InitialBalance,
		Difficulty: opts.Difficulty,
	}
	return Restore(state, o, opts, logger)
}

// Restore resumes a persisted game
func Restore(state models.ChallengeState, o oracle.Service, opts Options, logger *logrus.Logger) *Game {
	size := opts.HistorySize
	if size < 1 {
		size = 10
	}
	if d, err := ParseDifficulty(state.Difficulty); err == nil {
		state.Difficulty = d
	} else {
		state.Difficulty = defaultDifficulty
	}
	if len(state.History) > size {
		state.History = state.History[:size]
	}
	return &Game{
		state:       state,
		historySize: size,
		oracle:      o,
		metrics:     opts.Metrics,
		logger:      logger,
	}
}

// SetOnChange registers a hook called after each mutation
func (g *Game) SetOnChange(fn func()) {
	g.mu.Lock()
	g.onChange = fn
	g.mu.Unlock()
}

// SetDifficulty changes the level shown with the game
func (g *Game) SetDifficulty(level string) (string, error) {
	d, err := ParseDifficulty(level)
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	g.state.Difficulty = d
	g.mu.Unlock()

	g.changed()
	return d, nil
}

// Ask sends question to the oracle without any conversation context.
// Empty questions are ignored. A response without candidate text leaves
// the previous answer in place, but the new question stays unanswered
// and cannot be judged.
func (g *Game) Ask(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", nil
	}

	g.mu.Lock()
	if g.busy {
		g.mu.Unlock()
		return "", ErrBusy
	}
	g.busy = true
	g.state.Question = question
	g.state.Answered = false
	g.mu.Unlock()

	start := time.Now()
	text, ok, err := g.oracle.Generate(ctx, persona.ChallengeInstruction, []oracle.Turn{
		{Role: models.RoleUser, Text: question},
	})

	g.mu.Lock()
	switch {
	case err != nil:
		g.logger.WithError(err).Error("Error in challenge mode")
		g.state.Answer = ErrorAnswer
		g.state.Answered = true
		g.recordLocked("error", start)
	case ok:
		g.state.Answer = text
		g.state.Answered = true
		g.recordLocked("success", start)
	default:
		g.recordLocked("empty", start)
	}
	g.busy = false
	answer := g.state.Answer
	g.mu.Unlock()

	g.changed()
	return answer, nil
}

// RecordJudgment applies the player's verdict on the last answer. A correct
// answer costs one unit of balance; a caught mistake earns one.
func (g *Game) RecordJudgment(correct bool) Result {
	g.mu.Lock()
	return g.judgeLocked(correct)
}

// Judge is RecordJudgment for transports: it refuses to judge when no
// question is outstanding, its answer is still pending, or the oracle
// produced no answer for it.
func (g *Game) Judge(correct bool) (Result, error) {
	g.mu.Lock()
	if g.busy {
		g.mu.Unlock()
		return Result{}, ErrBusy
	}
	if g.state.Question == "" || !g.state.Answered {
		g.mu.Unlock()
		return Result{}, ErrNoQuestion
	}
	return g.judgeLocked(correct), nil
}

// judgeLocked is entered with g.mu held and releases it
func (g *Game) judgeLocked(correct bool) Result {
	delta := 1
	if correct {
		delta = -1
		g.state.Streak = 0
	} else {
		g.state.Streak++
	}
	g.state.Balance += delta

	judgment := models.Judgment{
		Question: g.state.Question,
		Caught:   !correct,
		At:       time.Now(),
	}
	history := make([]models.Judgment, 0, g.historySize)
	history = append(history, judgment)
	history = append(history, g.state.History...)
	if len(history) > g.historySize {
		history = history[:g.historySize]
	}
	g.state.History = history
	g.state.Question = ""
	g.state.Answered = false

	res := Result{
		Correct: correct,
		Caught:  !correct,
		Delta:   delta,
		Balance: g.state.Balance,
		Streak:  g.state.Streak,
	}
	metrics := g.metrics
	g.mu.Unlock()

	if metrics != nil {
		metrics.RecordJudgment(res.Caught, res.Balance)
	}
	g.logger.WithFields(logrus.Fields{
		"correct": correct,
		"balance": res.Balance,
		"streak":  res.Streak,
	}).Debug("Judgment recorded")

	g.changed()
	return res
}

// Balance returns the current balance
func (g *Game) Balance() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Balance
}

// History returns the most recent judgments, newest first
func (g *Game) History() []models.Judgment {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.Judgment{}, g.state.History...)
}

// Stats summarises the game
func (g *Game) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Stats{
		Balance:    g.state.Balance,
		Streak:     g.state.Streak,
		Difficulty: g.state.Difficulty,
		Question:   g.state.Question,
		Answer:     g.state.Answer,
		Answered:   g.state.Answered,
		History:    append([]models.Judgment{}, g.state.History...),
	}
	for _, j := range g.state.History {
		if j.Caught {
			s.Caught++
		} else {
			s.Failed++
		}
	}
	return s
}

// State returns the persisted form of the game
func (g *Game) State(clientID string) models.ChallengeState {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state
	st.ClientID = clientID
	st.History = append([]models.Judgment{}, g.state.History...)
	st.UpdatedAt = time.Now()
	return st
}

func (g *Game) recordLocked(status string, start time.Time) {
	if g.metrics != nil {
		g.metrics.RecordOracleRequest("challenge", status, time.Since(start))
	}
}

func (g *Game) changed() {
	g.mu.Lock()
	fn := g.onChange
	g.mu.Unlock()
	if fn != nil {
		fn()
	}
}
