package chat

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"animehome/internal/client/generation"
	"animehome/internal/client/remote"
	"animehome/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SeedMessageID identifies the locally installed greeting. It is never
// written to or deleted from the remote store.
const SeedMessageID = "init-1"

const defaultStreamIdleTimeout = 60 * time.Second

// RemoteStore is the durable message store the engine reconciles with.
type RemoteStore interface {
	GetCharacter(ctx context.Context, id int64) (*models.Character, error)
	ListMessages(ctx context.Context, characterID int64) ([]models.Message, error)
	CreateMessage(ctx context.Context, characterID int64, msg models.Message) (*models.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	BatchDeleteMessages(ctx context.Context, ids []string) error
}

// Generator opens streamed replies.
type Generator interface {
	Stream(ctx context.Context, req models.ChatRequest) (generation.Stream, error)
}

type Options struct {
	Logger *zap.Logger
	// Notify receives every notice on the engine goroutine. It must not call
	// back into the Engine synchronously.
	Notify func(Notice)
	// StreamIdleTimeout bounds the gap between increments. Zero means 60s,
	// a negative value disables the watchdog.
	StreamIdleTimeout time.Duration
	Temperature       *float64
	Now               func() time.Time
	NewID             func() string
}

type event struct {
	apply  func()
	intent bool
}

type session struct {
	characterID int64
	character   *models.Character
	ctx         context.Context
	cancel      context.CancelFunc
	epoch       uint64
	ready       bool
}

type genState struct {
	seq         uint64
	cancel      context.CancelFunc
	assistantID string
}

// Engine owns the message sequence of one conversation at a time. All state
// changes run on a single goroutine; network work runs elsewhere and posts
// its results back. Store observers and Notify run on that goroutine.
type Engine struct {
	remote    RemoteStore
	gen       Generator
	store     *Store
	selection *Selection
	log       *zap.Logger
	opts      Options

	events   chan event
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// owned by the loop goroutine
	sess         *session
	epoch        uint64
	seq          uint64
	generation   *genState
	batchPending bool
	deferred     []func()
	persisting   map[string]chan struct{}
}

func NewEngine(rs RemoteStore, gen Generator, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	e := &Engine{
		remote:     rs,
		gen:        gen,
		store:      NewStore(),
		selection:  NewSelection(),
		log:        opts.Logger.Named("chat"),
		opts:       opts,
		events:     make(chan event),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		persisting: make(map[string]chan struct{}),
	}
	go e.run()
	return e
}

func (e *Engine) Store() *Store { return e.store }

func (e *Engine) Selection() *Selection { return e.selection }

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			e.teardown()
			return
		case ev := <-e.events:
			if ev.intent && e.batchPending {
				e.deferred = append(e.deferred, ev.apply)
				continue
			}
			ev.apply()
			e.drain()
		}
	}
}

// drain replays intents queued behind a batch delete, in issuance order.
func (e *Engine) drain() {
	for !e.batchPending && len(e.deferred) > 0 {
		fn := e.deferred[0]
		e.deferred[0] = nil
		e.deferred = e.deferred[1:]
		fn()
	}
}

// post hands fn to the loop. It reports false once the engine has stopped.
func (e *Engine) post(fn func()) bool {
	select {
	case e.events <- event{apply: fn}:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) await(intent bool, fn func(reply chan<- error)) error {
	reply := make(chan error, 1)
	select {
	case e.events <- event{apply: func() { fn(reply) }, intent: intent}:
	case <-e.done:
		return ErrEngineStopped
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrEngineStopped
		}
	}
}

func (e *Engine) call(intent bool, fn func() error) error {
	return e.await(intent, func(reply chan<- error) { reply <- fn() })
}

func (e *Engine) live(epoch uint64) bool {
	return e.sess != nil && e.sess.epoch == epoch
}

func (e *Engine) readySession() (*session, error) {
	if e.sess == nil || !e.sess.ready {
		return nil, ErrSessionNotReady
	}
	return e.sess, nil
}

func (e *Engine) idleTimeout() time.Duration {
	switch {
	case e.opts.StreamIdleTimeout < 0:
		return 0
	case e.opts.StreamIdleTimeout == 0:
		return defaultStreamIdleTimeout
	default:
		return e.opts.StreamIdleTimeout
	}
}

func (e *Engine) notify(n Notice) {
	fields := []zap.Field{zap.Stringer("kind", n.Kind)}
	if n.Err != nil {
		fields = append(fields, zap.Error(n.Err))
	}
	switch n.Level {
	case LevelError:
		e.log.Error(n.Message, fields...)
	case LevelWarning:
		e.log.Warn(n.Message, fields...)
	default:
		e.log.Info(n.Message, fields...)
	}
	if e.opts.Notify != nil {
		e.opts.Notify(n)
	}
}

// teardown cancels everything tied to the current session and clears local
// state. Late callbacks of the old session fail their epoch check.
func (e *Engine) teardown() {
	e.cancelGeneration(false)
	if e.sess != nil {
		e.sess.cancel()
		e.sess = nil
	}
	e.epoch++
	e.batchPending = false
	e.selection.Cancel()
	if e.store.Len() > 0 {
		e.store.ReplaceAll(nil)
	}
}

// Open switches the engine to characterID and blocks until the character and
// its history are installed. Cancelling ctx, a later Open, or Close abandons
// the load and returns context.Canceled without a notice.
func (e *Engine) Open(ctx context.Context, characterID int64) error {
	var sess *session
	err := e.call(false, func() error {
		e.teardown()
		sctx, cancel := context.WithCancel(context.Background())
		sess = &session{characterID: characterID, ctx: sctx, cancel: cancel, epoch: e.epoch}
		e.sess = sess
		return nil
	})
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, sess.cancel)
	res := e.fetch(sess.ctx, characterID)
	stop()

	return e.call(false, func() error { return e.install(sess, res) })
}

type loadResult struct {
	character *models.Character
	messages  []models.Message
	charErr   error
	msgErr    error
}

func (e *Engine) fetch(ctx context.Context, characterID int64) loadResult {
	var res loadResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res.character, res.charErr = e.remote.GetCharacter(gctx, characterID)
		return res.charErr
	})
	g.Go(func() error {
		res.messages, res.msgErr = e.remote.ListMessages(gctx, characterID)
		return res.msgErr
	})
	_ = g.Wait()
	return res
}

// failed reports whether err is a real failure rather than the fallout of a
// sibling fetch being cancelled.
func failed(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

func (e *Engine) install(sess *session, res loadResult) error {
	if e.sess != sess {
		return context.Canceled
	}
	if sess.ctx.Err() != nil {
		e.teardown()
		return context.Canceled
	}

	var oerr *Error
	switch {
	case failed(res.charErr) || (res.charErr == nil && res.character == nil):
		oerr = &Error{Kind: KindCharacterNotFound, Op: "open", Err: res.charErr}
	case failed(res.msgErr):
		oerr = &Error{Kind: KindFetchFailed, Op: "open", Err: res.msgErr}
	case res.charErr != nil || res.msgErr != nil:
		e.teardown()
		return context.Canceled
	}
	if oerr != nil {
		e.teardown()
		msg := "could not load messages"
		if oerr.Kind == KindCharacterNotFound {
			msg = "character not found"
		}
		e.notify(Notice{Kind: oerr.Kind, Level: LevelError, Message: msg, Err: oerr})
		return oerr
	}

	character := res.character
	sess.character = character
	if len(res.messages) == 0 && strings.TrimSpace(character.FirstMessage) != "" {
		e.store.ReplaceAll([]models.Message{{
			ID:          SeedMessageID,
			CharacterID: sess.characterID,
			Role:        models.RoleAssistant,
			Content:     character.FirstMessage,
			CreatedAt:   e.opts.Now(),
		}})
	} else {
		e.store.ReplaceAll(res.messages)
	}
	sess.ready = true
	e.log.Debug("session opened", zap.Int64("character_id", sess.characterID), zap.Int("messages", e.store.Len()))
	return nil
}

// Close ends the current session. The store is emptied and every pending
// read, write, and generation of the session is cancelled.
func (e *Engine) Close() error {
	return e.call(false, func() error {
		e.teardown()
		return nil
	})
}

// Stop closes the session and ends the engine goroutine.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.quit) })
	<-e.done
}

// Character returns the character of the open session, or nil.
func (e *Engine) Character() *models.Character {
	var c *models.Character
	_ = e.call(false, func() error {
		if e.sess != nil && e.sess.ready {
			cp := *e.sess.character
			c = &cp
		}
		return nil
	})
	return c
}

// Generating reports whether a reply is in flight.
func (e *Engine) Generating() bool {
	var busy bool
	_ = e.call(false, func() error {
		busy = e.generation != nil
		return nil
	})
	return busy
}

// Send appends a user turn and starts a reply to it. A reply still in flight
// is cancelled and its partial message removed.
func (e *Engine) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}
	return e.call(true, func() error {
		sess, err := e.readySession()
		if err != nil {
			return err
		}
		e.cancelGeneration(true)

		msg := models.Message{
			ID:          e.opts.NewID(),
			CharacterID: sess.characterID,
			Role:        models.RoleUser,
			Content:     text,
			CreatedAt:   e.opts.Now(),
		}
		if err := e.store.Append(msg); err != nil {
			return err
		}
		e.persistUserTurn(sess, msg)
		e.startGeneration(sess, e.buildRequest(sess))
		return nil
	})
}

func (e *Engine) persistUserTurn(sess *session, msg models.Message) {
	done := make(chan struct{})
	e.persisting[msg.ID] = done
	epoch := sess.epoch
	go func() {
		defer close(done)
		_, err := e.remote.CreateMessage(sess.ctx, sess.characterID, msg)
		e.post(func() {
			if e.persisting[msg.ID] == done {
				delete(e.persisting, msg.ID)
			}
			if !failed(err) || !e.live(epoch) {
				return
			}
			e.notify(Notice{
				Kind:    KindPersistenceWriteFailed,
				Level:   LevelWarning,
				Message: "message was not saved",
				Err:     &Error{Kind: KindPersistenceWriteFailed, Op: "save message", Err: err},
			})
		})
	}()
}

func (e *Engine) buildRequest(sess *session) models.ChatRequest {
	history := e.store.Read()
	turns := make([]models.ChatTurn, 0, len(history)+1)
	if strings.TrimSpace(sess.character.SystemPrompt) != "" {
		turns = append(turns, models.ChatTurn{Role: models.RoleSystem, Content: sess.character.SystemPrompt})
	}
	for _, m := range history {
		turns = append(turns, models.ChatTurn{Role: m.Role, Content: m.Content})
	}
	return models.ChatRequest{
		Messages:    turns,
		CharacterID: sess.characterID,
		Temperature: e.opts.Temperature,
	}
}

func (e *Engine) startGeneration(sess *session, req models.ChatRequest) {
	e.seq++
	gctx, cancel := context.WithCancel(sess.ctx)
	e.generation = &genState{seq: e.seq, cancel: cancel}
	go e.runGeneration(gctx, cancel, sess.epoch, e.seq, req)
}

// cancelGeneration stops the reply in flight. With removePartial the
// assistant message it produced so far is dropped.
func (e *Engine) cancelGeneration(removePartial bool) {
	g := e.generation
	if g == nil {
		return
	}
	g.cancel()
	e.generation = nil
	if removePartial && g.assistantID != "" {
		e.store.RemoveMany(g.assistantID)
	}
}

func (e *Engine) runGeneration(ctx context.Context, cancel context.CancelFunc, epoch, seq uint64, req models.ChatRequest) {
	var stalled atomic.Bool
	idle := e.idleTimeout()
	var watchdog *time.Timer
	if idle > 0 {
		watchdog = time.AfterFunc(idle, func() {
			stalled.Store(true)
			cancel()
		})
		defer watchdog.Stop()
	}
	finish := func(err error) {
		if err != nil && stalled.Load() {
			err = ErrStreamStalled
		}
		e.post(func() { e.finishGeneration(epoch, seq, err) })
	}

	stream, err := e.gen.Stream(ctx, req)
	if err != nil {
		finish(err)
		return
	}
	defer stream.Close()
	serverID := stream.MessageID()

	for {
		text, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			finish(err)
			return
		}
		if watchdog != nil {
			watchdog.Reset(idle)
		}
		if text == "" {
			continue
		}
		if !e.post(func() { e.applyChunk(epoch, seq, serverID, text) }) {
			return
		}
	}
}

func (e *Engine) current(epoch, seq uint64) *genState {
	if !e.live(epoch) || e.generation == nil || e.generation.seq != seq {
		return nil
	}
	return e.generation
}

func (e *Engine) applyChunk(epoch, seq uint64, serverID, text string) {
	g := e.current(epoch, seq)
	if g == nil {
		return
	}
	if g.assistantID != "" {
		e.store.AppendContent(g.assistantID, text)
		return
	}
	id := serverID
	if id == "" || e.store.Contains(id) {
		id = e.opts.NewID()
	}
	msg := models.Message{
		ID:          id,
		CharacterID: e.sess.characterID,
		Role:        models.RoleAssistant,
		Content:     text,
		CreatedAt:   e.opts.Now(),
	}
	if err := e.store.Append(msg); err != nil {
		e.log.Warn("drop reply chunk", zap.String("id", id), zap.Error(err))
		return
	}
	g.assistantID = id
}

func (e *Engine) finishGeneration(epoch, seq uint64, err error) {
	g := e.current(epoch, seq)
	if g == nil {
		return
	}
	g.cancel()
	e.generation = nil
	switch {
	case err == nil:
		e.notify(Notice{Kind: KindGenerationCompleted, Level: LevelInfo, Message: "reply complete"})
	case errors.Is(err, context.Canceled):
	default:
		e.notify(Notice{
			Kind:    KindGenerationFailed,
			Level:   LevelError,
			Message: "reply failed",
			Err:     &Error{Kind: KindGenerationFailed, Op: "generate", Err: err},
		})
	}
}

// Delete removes one message locally, then remotely in the background.
// Unknown ids are a no-op. It is disabled while selecting.
func (e *Engine) Delete(id string) error {
	return e.call(true, func() error {
		if e.selection.Active() {
			return ErrSelectionActive
		}
		sess, err := e.readySession()
		if err != nil {
			return err
		}
		if !e.store.Contains(id) {
			return nil
		}
		if g := e.generation; g != nil && g.assistantID == id {
			e.cancelGeneration(false)
		}
		e.store.RemoveMany(id)
		if id != SeedMessageID {
			e.deleteRemote(sess, id)
		}
		return nil
	})
}

func (e *Engine) deleteRemote(sess *session, id string) {
	pending := e.persisting[id]
	epoch := sess.epoch
	go func() {
		if pending != nil {
			select {
			case <-pending:
			case <-sess.ctx.Done():
				return
			}
		}
		err := e.remote.DeleteMessage(sess.ctx, id)
		if !failed(err) || errors.Is(err, remote.ErrNotFound) {
			return
		}
		e.post(func() {
			if !e.live(epoch) {
				return
			}
			e.notify(Notice{
				Kind:    KindPersistenceWriteFailed,
				Level:   LevelWarning,
				Message: "message was not deleted on the server",
				Err:     &Error{Kind: KindPersistenceWriteFailed, Op: "delete message", Err: err},
			})
		})
	}()
}

// EnterSelection switches to selection mode.
func (e *Engine) EnterSelection() error {
	return e.call(true, func() error {
		if _, err := e.readySession(); err != nil {
			return err
		}
		e.selection.Enter()
		return nil
	})
}

// Toggle flips id in the selection. Ids not in the session stay unselected.
func (e *Engine) Toggle(id string) (bool, error) {
	var selected bool
	err := e.call(true, func() error {
		if !e.selection.Active() {
			return ErrNotSelecting
		}
		if !e.store.Contains(id) && !e.selection.IsSelected(id) {
			return nil
		}
		var err error
		selected, err = e.selection.Toggle(id)
		return err
	})
	return selected, err
}

func (e *Engine) CancelSelection() error {
	return e.call(true, func() error {
		e.selection.Cancel()
		return nil
	})
}

// DeleteSelected removes the selected messages with one remote batch call.
// Nothing changes locally unless the call succeeds; intents issued meanwhile
// wait for it and then apply in order.
func (e *Engine) DeleteSelected() error {
	return e.await(true, e.deleteSelected)
}

func (e *Engine) deleteSelected(reply chan<- error) {
	if !e.selection.Active() {
		reply <- ErrNotSelecting
		return
	}
	sess, err := e.readySession()
	if err != nil {
		reply <- err
		return
	}
	var ids, remoteIDs []string
	for _, id := range e.selection.Selected() {
		if !e.store.Contains(id) {
			continue
		}
		ids = append(ids, id)
		if id != SeedMessageID {
			remoteIDs = append(remoteIDs, id)
		}
	}
	if len(ids) == 0 {
		reply <- ErrEmptySelection
		return
	}
	if len(remoteIDs) == 0 {
		e.applyBatch(ids)
		reply <- nil
		return
	}
	// A reply still streaming would be saved by the server after the batch
	// passed over it. Its partial stays until the batch resolves.
	if g := e.generation; g != nil && g.assistantID != "" && slices.Contains(remoteIDs, g.assistantID) {
		e.cancelGeneration(false)
	}

	var pending []chan struct{}
	for _, id := range remoteIDs {
		if ch := e.persisting[id]; ch != nil {
			pending = append(pending, ch)
		}
	}
	e.batchPending = true
	epoch := sess.epoch
	go func() {
		err := waitAll(sess.ctx, pending)
		if err == nil {
			err = e.remote.BatchDeleteMessages(sess.ctx, remoteIDs)
		}
		e.post(func() {
			if !e.live(epoch) {
				reply <- context.Canceled
				return
			}
			e.batchPending = false
			if err != nil {
				berr := &Error{Kind: KindBatchDeleteFailed, Op: "delete selected", Err: err}
				e.notify(Notice{Kind: KindBatchDeleteFailed, Level: LevelError, Message: "could not delete selected messages", Err: berr})
				reply <- berr
				return
			}
			e.applyBatch(ids)
			reply <- nil
		})
	}()
}

func waitAll(ctx context.Context, chans []chan struct{}) error {
	for _, ch := range chans {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) applyBatch(ids []string) {
	e.store.RemoveMany(ids...)
	e.selection.Confirm()
}
