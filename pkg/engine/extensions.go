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
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ExtensionPhase decides when an extension's response handler runs relative
// to room delta merging.
type ExtensionPhase int

const (
	// PreProcess extensions settle before any room delta is merged
	// (device lists, to-device messages: crypto needs them first).
	PreProcess ExtensionPhase = iota
	// PostProcess extensions settle after all room deltas are merged and
	// before the round's notifications flush.
	PostProcess
)

func (p ExtensionPhase) String() string {
	if p == PreProcess {
		return "pre_process"
	}
	return "post_process"
}

// Extension is a pluggable per-round request/response handler. BuildRequest
// may return ok=false to omit the fragment for a round — typically after a
// sticky first-round payload has been sent. HandleResponse may perform
// further asynchronous work; the engine waits for the whole phase to settle
// before moving on.
type Extension interface {
	Name() string
	Phase() ExtensionPhase
	BuildRequest(ctx context.Context, firstRound bool) (fragment any, ok bool)
	HandleResponse(ctx context.Context, fragment json.RawMessage) error
}

// buildExtensionRequests collects the request fragments for one round.
func (e *Engine) buildExtensionRequests(ctx context.Context, firstRound bool) map[string]any {
	fragments := make(map[string]any)
	for _, ext := range e.extensions {
		if fragment, ok := ext.BuildRequest(ctx, firstRound); ok {
			fragments[ext.Name()] = fragment
		}
	}
	return fragments
}

// runExtensions dispatches the round's response fragments to every
// registered extension in the given phase. Handlers within a phase run
// concurrently; the call returns only when all of them have settled, so the
// phase acts as a barrier.
func (e *Engine) runExtensions(ctx context.Context, phase ExtensionPhase, fragments map[string]json.RawMessage) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, ext := range e.extensions {
		if ext.Phase() != phase {
			continue
		}
		fragment, ok := fragments[ext.Name()]
		if !ok {
			continue
		}
		group.Go(func() error {
			return ext.HandleResponse(groupCtx, fragment)
		})
	}
	return group.Wait()
}

// ToDeviceExtension requests to-device messages. The since token is sticky
// across restarts through the Store; critical events (room key payloads)
// are forwarded to the crypto processor.
type ToDeviceExtension struct {
	log    zerolog.Logger
	store  Store
	crypto CryptoProcessor

	mu    sync.Mutex
	since string
}

const toDeviceExtensionName = "to_device"

// NewToDeviceExtension loads the persisted since token, if any. store and
// crypto may be nil.
func NewToDeviceExtension(ctx context.Context, store Store, crypto CryptoProcessor, log zerolog.Logger) *ToDeviceExtension {
	ext := &ToDeviceExtension{
		log:    log.With().Str("extension", toDeviceExtensionName).Logger(),
		store:  store,
		crypto: crypto,
	}
	if store != nil {
		since, err := store.ExtensionToken(ctx, toDeviceExtensionName)
		if err != nil {
			ext.log.Warn().Err(err).Msg("Failed to load to-device since token")
		} else {
			ext.since = since
		}
	}
	return ext
}

func (t *ToDeviceExtension) Name() string          { return toDeviceExtensionName }
func (t *ToDeviceExtension) Phase() ExtensionPhase { return PreProcess }

func (t *ToDeviceExtension) BuildRequest(_ context.Context, firstRound bool) (any, bool) {
	t.mu.Lock()
	since := t.since
	t.mu.Unlock()
	if firstRound {
		fragment := map[string]any{"enabled": true}
		if since != "" {
			fragment["since"] = since
		}
		return fragment, true
	}
	if since == "" {
		return nil, false
	}
	// enabled is sticky after the first round; only the moving token is
	// re-sent.
	return map[string]any{"since": since}, true
}

func (t *ToDeviceExtension) HandleResponse(ctx context.Context, fragment json.RawMessage) error {
	var response struct {
		NextBatch string            `json:"next_batch"`
		Events    []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(fragment, &response); err != nil {
		return err
	}
	for _, raw := range response.Events {
		var evt event.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			t.log.Warn().Err(err).Msg("Skipping malformed to-device event")
			continue
		}
		_ = evt.Content.ParseRaw(evt.Type)
		if t.crypto != nil && evt.Type == event.ToDeviceEncrypted {
			t.crypto.OnCriticalEventNeedsDecryption(ctx, &evt)
		}
	}
	if response.NextBatch != "" {
		t.mu.Lock()
		t.since = response.NextBatch
		t.mu.Unlock()
		if t.store != nil {
			if err := t.store.SetExtensionToken(ctx, toDeviceExtensionName, response.NextBatch); err != nil {
				t.log.Warn().Err(err).Msg("Failed to persist to-device since token")
			}
		}
	}
	return nil
}

// E2EEExtension forwards device-list changes, one-time-key counts and
// fallback key state to the crypto processor.
type E2EEExtension struct {
	log    zerolog.Logger
	crypto CryptoProcessor
}

const e2eeExtensionName = "e2ee"

func NewE2EEExtension(crypto CryptoProcessor, log zerolog.Logger) *E2EEExtension {
	return &E2EEExtension{
		log:    log.With().Str("extension", e2eeExtensionName).Logger(),
		crypto: crypto,
	}
}

func (e *E2EEExtension) Name() string          { return e2eeExtensionName }
func (e *E2EEExtension) Phase() ExtensionPhase { return PreProcess }

func (e *E2EEExtension) BuildRequest(_ context.Context, firstRound bool) (any, bool) {
	if !firstRound {
		// enabled is sticky; nothing else to send.
		return nil, false
	}
	return map[string]any{"enabled": true}, true
}

func (e *E2EEExtension) HandleResponse(ctx context.Context, fragment json.RawMessage) error {
	var response struct {
		DeviceLists *struct {
			Changed []id.UserID `json:"changed"`
			Left    []id.UserID `json:"left"`
		} `json:"device_lists"`
		OneTimeKeyCounts map[string]int `json:"device_one_time_keys_count"`
		FallbackKeyTypes []string       `json:"device_unused_fallback_key_types"`
	}
	if err := json.Unmarshal(fragment, &response); err != nil {
		return err
	}
	if e.crypto == nil {
		return nil
	}
	if response.DeviceLists != nil && (len(response.DeviceLists.Changed) > 0 || len(response.DeviceLists.Left) > 0) {
		e.crypto.OnDeviceListChange(ctx, response.DeviceLists.Changed, response.DeviceLists.Left)
	}
	if response.OneTimeKeyCounts != nil {
		e.crypto.OnOneTimeKeyCounts(ctx, response.OneTimeKeyCounts)
	}
	if response.FallbackKeyTypes != nil {
		e.crypto.OnFallbackKeyState(ctx, response.FallbackKeyTypes)
	}
	return nil
}

// AccountDataExtension stores global and per-room account data and feeds
// push rule updates to the engine's evaluator.
type AccountDataExtension struct {
	log   zerolog.Logger
	store Store
	push  *RulesetEvaluator
}

const accountDataExtensionName = "account_data"

// NewAccountDataExtension creates the extension and seeds the push
// evaluator with the persisted m.push_rules content, so push evaluation
// works from the first round after a restart instead of waiting for the
// server to re-deliver the ruleset. store may be nil; push may be nil when
// push evaluation is handled elsewhere.
func NewAccountDataExtension(ctx context.Context, store Store, push *RulesetEvaluator, log zerolog.Logger) *AccountDataExtension {
	a := &AccountDataExtension{
		log:   log.With().Str("extension", accountDataExtensionName).Logger(),
		store: store,
		push:  push,
	}
	if store != nil && push != nil {
		raw, err := store.GetAccountData(ctx, event.AccountDataPushRules.Type)
		if err != nil {
			a.log.Warn().Err(err).Msg("Failed to load persisted push rules")
		} else if len(raw) > 0 {
			evt := &event.Event{Type: event.AccountDataPushRules}
			if err = json.Unmarshal(raw, &evt.Content); err != nil {
				a.log.Warn().Err(err).Msg("Failed to parse persisted push rules")
			} else {
				_ = evt.Content.ParseRaw(evt.Type)
				push.ApplyPushRulesEvent(evt)
			}
		}
	}
	return a
}

func (a *AccountDataExtension) Name() string          { return accountDataExtensionName }
func (a *AccountDataExtension) Phase() ExtensionPhase { return PostProcess }

func (a *AccountDataExtension) BuildRequest(_ context.Context, firstRound bool) (any, bool) {
	if !firstRound {
		return nil, false
	}
	return map[string]any{"enabled": true}, true
}

func (a *AccountDataExtension) HandleResponse(ctx context.Context, fragment json.RawMessage) error {
	var response struct {
		Global []json.RawMessage               `json:"global"`
		Rooms  map[id.RoomID][]json.RawMessage `json:"rooms"`
	}
	if err := json.Unmarshal(fragment, &response); err != nil {
		return err
	}
	if err := a.apply(ctx, "", response.Global); err != nil {
		return err
	}
	for roomID, raws := range response.Rooms {
		if err := a.apply(ctx, roomID, raws); err != nil {
			return err
		}
	}
	return nil
}

func (a *AccountDataExtension) apply(ctx context.Context, roomID id.RoomID, raws []json.RawMessage) error {
	events := make([]*event.Event, 0, len(raws))
	for _, raw := range raws {
		var evt event.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			a.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Skipping malformed account data event")
			continue
		}
		_ = evt.Content.ParseRaw(evt.Type)
		events = append(events, &evt)
		if roomID == "" && a.push != nil && evt.Type == event.AccountDataPushRules {
			a.push.ApplyPushRulesEvent(&evt)
		}
	}
	if a.store == nil || len(events) == 0 {
		return nil
	}
	return a.store.StoreAccountDataEvents(ctx, roomID, events)
}
