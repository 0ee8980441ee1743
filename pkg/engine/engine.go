// slidingsync - A Matrix sliding sync client state engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/slidingsync/pkg/timeline"
)

// Config configures an Engine.
type Config struct {
	UserID   id.UserID
	DeviceID id.DeviceID

	// RoundTimeout bounds one outbound round, long-poll hold included.
	// Zero means no client-side timeout.
	RoundTimeout time.Duration

	// Abort is an optional caller-owned abort handle. Closing it aborts the
	// in-flight round (and, because the engine cannot make progress
	// without a transport, every subsequent one).
	Abort <-chan struct{}

	// KeepTimelineHistory enables linked resets on the per-room timeline
	// sets instead of full resets.
	KeepTimelineHistory bool

	// ReconnectDelay is slept between a failed round and the retry.
	// Defaults to one second.
	ReconnectDelay time.Duration
}

// Engine drives the synchronization loop: it builds each round's request,
// classifies transport outcomes into sync states, dispatches extensions,
// merges room deltas into the per-room timeline sets, and flushes
// globally ordered notifications.
//
// One cooperative task per engine: a round is fully processed before the
// next request goes out. The timeline sets are exclusively owned and
// mutated by that task; external callers may only read.
type Engine struct {
	cfg Config
	log zerolog.Logger

	transport Transport
	decoder   EventDecoder
	crypto    CryptoProcessor
	store     Store
	profiles  ProfileResolver
	push      PushEvaluator

	extensions []Extension

	rooms map[id.RoomID]*Room

	// notifs is the cross-room notification timeline: highlighting events
	// from every room of a round, replayed in global timestamp order.
	notifs        *timeline.TimelineSet
	pendingNotifs []*timeline.Event

	pos       string
	failCount int
	prepared  bool
	requested bool

	mu      sync.Mutex
	state   State
	running bool
	stop    chan struct{}
	done    chan struct{}

	// OnStateChange is invoked on every sync state transition, with the
	// underlying error for Reconnecting/Error. OnRoom fires when a room's
	// first delta has been merged. OnTimelineUpdate fans out every timeline
	// mutation from every room. All may be nil and are called from the
	// engine's task.
	OnStateChange    func(state State, err error)
	OnRoom           func(room *Room)
	OnTimelineUpdate func(roomID id.RoomID, evt *timeline.Event, info timeline.UpdateInfo)
}

// New creates an engine. transport is required; decoder defaults to
// JSONEventDecoder; crypto, store and profiles may be nil; push defaults to
// a RulesetEvaluator with no ruleset.
func New(cfg Config, transport Transport, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:       cfg,
		log:       log.With().Str("component", "sync_engine").Logger(),
		transport: transport,
		decoder:   JSONEventDecoder{},
		rooms:     make(map[id.RoomID]*Room),
		state:     StateStopped,
	}
	if e.cfg.ReconnectDelay <= 0 {
		e.cfg.ReconnectDelay = time.Second
	}
	e.push = NewRulesetEvaluator(cfg.UserID.Localpart(), log)
	e.notifs = timeline.NewTimelineSet(timeline.Options{}, log)
	return e
}

// SetDecoder replaces the default event decoder.
func (e *Engine) SetDecoder(decoder EventDecoder) { e.decoder = decoder }

// SetCrypto attaches the encryption processor.
func (e *Engine) SetCrypto(crypto CryptoProcessor) { e.crypto = crypto }

// SetStore attaches the persistence collaborator.
func (e *Engine) SetStore(store Store) { e.store = store }

// SetProfileResolver attaches the member profile resolver.
func (e *Engine) SetProfileResolver(resolver ProfileResolver) { e.profiles = resolver }

// SetPushEvaluator replaces the default push evaluator.
func (e *Engine) SetPushEvaluator(push PushEvaluator) { e.push = push }

// PushEvaluator returns the active push evaluator.
func (e *Engine) PushEvaluator() PushEvaluator { return e.push }

// RegisterExtension appends ext to the statically dispatched extension
// list. Must be called before Start.
func (e *Engine) RegisterExtension(ext Extension) {
	e.extensions = append(e.extensions, ext)
}

// Room returns the aggregate for a synced room, or nil.
func (e *Engine) Room(roomID id.RoomID) *Room {
	return e.rooms[roomID]
}

// NotificationTimeline returns the cross-room notification timeline set.
func (e *Engine) NotificationTimeline() *timeline.TimelineSet {
	return e.notifs
}

// State returns the current sync state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) transition(state State, err error) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	logEvt := e.log.Debug().Stringer("state", state)
	if err != nil {
		logEvt = e.log.Warn().Stringer("state", state).Err(err)
	}
	logEvt.Msg("Sync state transition")
	if e.OnStateChange != nil {
		e.OnStateChange(state, err)
	}
}

// Start launches the sync loop. Resumes from the persisted round position
// when a store is attached.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	e.running = true
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	e.mu.Unlock()

	if e.store != nil && e.pos == "" {
		pos, err := e.store.SyncPosition(ctx)
		if err != nil {
			e.log.Warn().Err(err).Msg("Failed to load persisted sync position")
		} else if pos != "" {
			e.pos = pos
			e.log.Info().Str("pos", pos).Msg("Resuming from persisted sync position")
		}
	}

	go e.loop(ctx)
	return nil
}

// Stop cooperatively stops the engine: no new round starts, but an
// in-flight round's processing is not forcibly unwound. Blocks until the
// loop exits.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	stop, done := e.stop, e.done
	e.mu.Unlock()

	close(stop)
	<-done

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.transition(StateStopped, nil)
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		resp, err := e.roundTrip(ctx)
		if err != nil {
			terminal := e.onRoundFinished(err)
			if terminal {
				return
			}
			select {
			case <-time.After(e.cfg.ReconnectDelay):
			case <-e.stop:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		e.onRoundFinished(nil)

		if err := e.processRound(ctx, resp); err != nil {
			e.log.Error().Err(err).Msg("Failed to process sync round")
		}
		e.onRoundComplete(ctx, resp)
	}
}

// roundTrip sends one round with the composed cancellation signal: engine
// stop, the configured round timeout, and the caller's abort handle. Any
// one firing aborts just this request.
func (e *Engine) roundTrip(ctx context.Context) (*Response, error) {
	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if e.cfg.RoundTimeout > 0 {
		roundCtx, cancel = context.WithTimeout(roundCtx, e.cfg.RoundTimeout)
		defer cancel()
	}
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-e.stop:
			cancel()
		case <-e.cfg.Abort:
			cancel()
		case <-stopWatch:
		case <-roundCtx.Done():
		}
	}()

	firstRound := !e.requested
	req := &Request{
		Pos:        e.pos,
		TxnID:      fmt.Sprintf("%s-%d", e.cfg.DeviceID, time.Now().UnixNano()),
		Extensions: e.buildExtensionRequests(roundCtx, firstRound),
	}
	resp, err := e.transport.Send(roundCtx, req)
	if err != nil {
		return nil, err
	}
	e.requested = true
	return resp, nil
}

// onRoundFinished classifies a round outcome. Returns true when the engine
// must stop (terminal protocol error or explicit cancellation).
func (e *Engine) onRoundFinished(err error) bool {
	if err == nil {
		e.failCount = 0
		return false
	}
	// Explicit cancellation propagates uninterpreted: the engine is being
	// stopped, not failing.
	if errors.Is(err, context.Canceled) {
		return true
	}
	// An invalid/expired session is terminal regardless of fail count.
	if errors.Is(err, mautrix.MUnknownToken) {
		e.transition(StateError, err)
		return true
	}
	e.failCount++
	if e.failCount > failLimit {
		e.transition(StateError, err)
	} else {
		e.transition(StateReconnecting, err)
	}
	return false
}

// onRoundComplete commits the round position and emits the state
// transition. The very first completion emits Prepared then Syncing in
// sequence for cold-start observers.
func (e *Engine) onRoundComplete(ctx context.Context, resp *Response) {
	e.pos = resp.Pos
	if e.store != nil {
		if err := e.store.SetSyncPosition(ctx, resp.Pos); err != nil {
			e.log.Warn().Err(err).Msg("Failed to persist sync position")
		}
	}
	if !e.prepared {
		e.prepared = true
		e.transition(StatePrepared, nil)
	}
	e.transition(StateSyncing, nil)
}

// processRound runs the phase-barriered pipeline for one response:
// PreProcess extensions settle, room deltas merge, PostProcess extensions
// settle, then the round's notifications flush in global timestamp order.
func (e *Engine) processRound(ctx context.Context, resp *Response) error {
	if err := e.runExtensions(ctx, PreProcess, resp.Extensions); err != nil {
		return fmt.Errorf("pre-process extensions: %w", err)
	}

	for roomID, delta := range resp.Rooms {
		if err := e.mergeRoomDelta(ctx, roomID, delta); err != nil {
			e.log.Error().Err(err).Stringer("room_id", roomID).Msg("Failed to merge room delta")
		}
	}

	if err := e.runExtensions(ctx, PostProcess, resp.Extensions); err != nil {
		return fmt.Errorf("post-process extensions: %w", err)
	}

	e.flushNotifications()
	return nil
}

// flushNotifications replays the round's accumulated highlighting events
// through the notification timeline, sorted ascending by origin timestamp.
// Rooms merge independently, so processing order carries no cross-room
// chronology; the global sort restores it.
func (e *Engine) flushNotifications() {
	if len(e.pendingNotifs) == 0 {
		return
	}
	sort.SliceStable(e.pendingNotifs, func(i, j int) bool {
		return e.pendingNotifs[i].Timestamp().Before(e.pendingNotifs[j].Timestamp())
	})
	for _, evt := range e.pendingNotifs {
		if err := e.notifs.AddLiveEvent(evt, timeline.LiveArgs{}); err != nil {
			e.log.Warn().Err(err).Stringer("event_id", evt.ID()).Msg("Failed to append notification event")
		}
	}
	e.pendingNotifs = e.pendingNotifs[:0]
}
