package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"animehome/internal/config"
	"animehome/internal/models"
	"animehome/internal/redis"
	"animehome/internal/service/ai"

	"go.uber.org/zap"
)

const (
	// HistoryLimit bounds the history one cache entry holds.
	HistoryLimit = 1000
	saveTimeout  = 5 * time.Second
)

// ChatStreamer produces one streamed model reply.
type ChatStreamer interface {
	StreamChat(ctx context.Context, turns []models.ChatTurn, temperature float64, callback func(string) error) (string, error)
}

// MessageStore is the durable side the manager reads through and writes to.
type MessageStore interface {
	GetCharacter(ctx context.Context, id int64) (*models.Character, error)
	ListMessages(ctx context.Context, characterID int64, skip, limit int) ([]models.Message, error)
	CreateMessage(ctx context.Context, msg models.Message) (*models.Message, error)
}

var aiFactory = func(ctx context.Context, provider string, provCfg config.ProviderConfig, gen config.GenerationConfig) (ChatStreamer, error) {
	return ai.NewService(ctx, provider, provCfg, gen)
}

type Config struct {
	Dispatcher     DispatcherConfig
	Provider       string
	ProviderConfig config.ProviderConfig
	Generation     config.GenerationConfig
}

// StreamRequest is one generation turn.
type StreamRequest struct {
	Context     context.Context
	CharacterID int64  // zero disables server-side persistence
	MessageID   string // id announced to the client for the assistant turn
	Turns       []models.ChatTurn
	Temperature float64
	ChunkFn     func(string) error
}

type StreamResult struct {
	Message *models.Message // saved assistant turn, nil when nothing was persisted
	Content string
}

type workerReturn struct {
	result StreamResult
	err    error
}

type streamTask struct {
	req      StreamRequest
	resultCh chan workerReturn

	mu        sync.Mutex
	abandoned bool
}

// emit forwards chunk to the caller unless it already gave up waiting.
func (t *streamTask) emit(chunk string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abandoned {
		return context.Canceled
	}
	if t.req.ChunkFn == nil {
		return nil
	}
	return t.req.ChunkFn(chunk)
}

func (t *streamTask) abandon() {
	t.mu.Lock()
	t.abandoned = true
	t.mu.Unlock()
}

func (t *streamTask) finish(result StreamResult, err error) {
	t.resultCh <- workerReturn{result: result, err: err}
}

type Manager struct {
	store      MessageStore
	cfg        Config
	state      *characterState
	cache      *stateCache
	dispatcher *Dispatcher
	cancel     context.CancelFunc

	mu       sync.Mutex
	streamer ChatStreamer
}

func NewManager(store MessageStore, rdb *redis.Client, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:  store,
		cfg:    cfg,
		state:  newCharacterState(),
		cache:  newStateCache(rdb),
		cancel: cancel,
	}
	m.dispatcher = NewDispatcher(cfg.Dispatcher, m)
	m.cache.startListener(ctx, func(inv invalidateMessage) {
		for _, id := range inv.CharacterIDs {
			m.state.purge(id)
		}
	})
	return m
}

// Close stops the dispatcher and the invalidation listener.
func (m *Manager) Close() {
	m.cancel()
	m.dispatcher.Stop()
	m.state.reset()
}

// Stream queues req and blocks until the reply finished or req.Context ends.
func (m *Manager) Stream(req StreamRequest) (StreamResult, error) {
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
		req.Context = ctx
	}
	task := &streamTask{req: req, resultCh: make(chan workerReturn, 1)}
	if err := m.dispatcher.Submit(Job{Type: Stream, StreamTask: task}); err != nil {
		return StreamResult{}, err
	}
	select {
	case ret := <-task.resultCh:
		return ret.result, ret.err
	case <-ctx.Done():
		task.abandon()
		return StreamResult{}, ctx.Err()
	}
}

func (m *Manager) handleStream(task *streamTask) {
	req := task.req
	if err := req.Context.Err(); err != nil {
		task.finish(StreamResult{}, err)
		return
	}
	streamer, err := m.chatStreamer(req.Context)
	if err != nil {
		task.finish(StreamResult{}, err)
		return
	}

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = m.cfg.Generation.Temperature
	}
	ctx := req.Context
	if secs := m.cfg.Generation.StreamTimeout; secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	zap.L().Named("worker").Debug("stream start", zap.Int64("character_id", req.CharacterID), zap.String("message_id", req.MessageID))
	content, err := streamer.StreamChat(ctx, req.Turns, temperature, task.emit)
	result := StreamResult{Content: content}

	if req.CharacterID > 0 {
		switch {
		case req.Context.Err() != nil:
			// client went away; the turn was never shown in full
		case err == nil || content != "":
			saved, serr := m.saveAssistant(req, content)
			if serr != nil {
				zap.L().Warn("save assistant message failed",
					zap.Int64("character_id", req.CharacterID),
					zap.String("message_id", req.MessageID),
					zap.Error(serr))
			} else {
				result.Message = saved
			}
		}
		m.Invalidate(req.CharacterID)
	}
	task.finish(result, err)
}

func (m *Manager) saveAssistant(req StreamRequest, content string) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context), saveTimeout)
	defer cancel()
	return m.store.CreateMessage(ctx, models.Message{
		ID:          req.MessageID,
		CharacterID: req.CharacterID,
		Role:        models.RoleAssistant,
		Content:     content,
	})
}

// chatStreamer builds the provider client on first use so the server starts
// without credentials.
func (m *Manager) chatStreamer(ctx context.Context) (ChatStreamer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamer != nil {
		return m.streamer, nil
	}
	s, err := aiFactory(ctx, m.cfg.Provider, m.cfg.ProviderConfig, m.cfg.Generation)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("ai service unavailable")
	}
	m.streamer = s
	return s, nil
}

// History returns the ordered message history of a character, reading
// through the in-process state and redis before the store.
func (m *Manager) History(ctx context.Context, characterID int64) ([]models.Message, error) {
	if history, ok := m.state.getHistory(characterID); ok {
		return history, nil
	}
	ver := m.state.version(characterID)
	if history, ok := m.cache.loadHistory(characterID); ok {
		m.state.setHistory(characterID, history, ver)
		return cloneHistory(history), nil
	}
	history, err := m.store.ListMessages(ctx, characterID, 0, HistoryLimit)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []models.Message{}
	}
	if m.state.setHistory(characterID, history, ver) {
		m.cache.cacheHistory(characterID, history)
		m.dropIfStale(characterID, ver)
	}
	return cloneHistory(history), nil
}

// Character is the cache-aside lookup for a persona.
func (m *Manager) Character(ctx context.Context, characterID int64) (*models.Character, error) {
	if c := m.state.getCharacter(characterID); c != nil {
		return c, nil
	}
	ver := m.state.version(characterID)
	if c, ok := m.cache.loadCharacter(characterID); ok {
		m.state.setCharacter(c, ver)
		return c, nil
	}
	c, err := m.store.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	if m.state.setCharacter(c, ver) {
		m.cache.cacheCharacter(c)
		m.dropIfStale(characterID, ver)
	}
	return c, nil
}

// dropIfStale removes a redis entry written from a read that an invalidation
// overtook after the local state accepted it.
func (m *Manager) dropIfStale(characterID int64, ver stateVersion) {
	if m.state.version(characterID) != ver {
		m.cache.invalidate(characterID)
	}
}

func cloneHistory(history []models.Message) []models.Message {
	out := make([]models.Message, len(history))
	copy(out, history)
	return out
}

// Invalidate drops cached state for the given characters here and on every
// other instance sharing the redis.
func (m *Manager) Invalidate(characterIDs ...int64) {
	if len(characterIDs) == 0 {
		return
	}
	for _, id := range characterIDs {
		m.state.purge(id)
	}
	m.cache.invalidate(characterIDs...)
	m.cache.publishInvalidation(invalidateMessage{CharacterIDs: characterIDs})
}
