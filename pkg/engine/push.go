package engine

import (
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/pushrules"

	"github.com/lrhodin/slidingsync/pkg/timeline"
)

// PushEvaluator computes the local push-rule outcome for an event. The
// engine uses it to decorate timeline events and to decide which events
// reach the notification accumulator. Encrypted-room highlight handling
// depends on this running locally: the server cannot see cleartext.
type PushEvaluator interface {
	Actions(room *Room, evt *event.Event) timeline.PushActions
}

// RulesetEvaluator is the default PushEvaluator, backed by the user's
// m.push_rules account data. Until a ruleset arrives, every event evaluates
// to no actions.
type RulesetEvaluator struct {
	log zerolog.Logger

	mu             sync.RWMutex
	ruleset        *pushrules.PushRuleset
	ownDisplayname string
}

var _ PushEvaluator = (*RulesetEvaluator)(nil)

// NewRulesetEvaluator creates an evaluator with no ruleset loaded.
// ownDisplayname feeds the contains_display_name condition.
func NewRulesetEvaluator(ownDisplayname string, log zerolog.Logger) *RulesetEvaluator {
	return &RulesetEvaluator{
		log:            log.With().Str("component", "push_evaluator").Logger(),
		ownDisplayname: ownDisplayname,
	}
}

// SetRuleset replaces the active ruleset.
func (r *RulesetEvaluator) SetRuleset(ruleset *pushrules.PushRuleset) {
	r.mu.Lock()
	r.ruleset = ruleset
	r.mu.Unlock()
}

// ApplyPushRulesEvent parses an m.push_rules account data event and swaps
// in the contained ruleset. Malformed events are logged and ignored.
func (r *RulesetEvaluator) ApplyPushRulesEvent(evt *event.Event) {
	ruleset, err := pushrules.EventToPushRules(evt)
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to parse m.push_rules account data")
		return
	}
	r.SetRuleset(ruleset)
	r.log.Debug().Msg("Updated push ruleset from account data")
}

func (r *RulesetEvaluator) Actions(room *Room, evt *event.Event) timeline.PushActions {
	r.mu.RLock()
	ruleset := r.ruleset
	name := r.ownDisplayname
	r.mu.RUnlock()
	if ruleset == nil {
		return timeline.PushActions{}
	}
	should := ruleset.GetActions(pushRoom{room: room, ownDisplayname: name}, evt).Should()
	actions := timeline.PushActions{
		Notify:    should.Notify,
		Highlight: should.Highlight,
	}
	if should.PlaySound {
		actions.Sound = should.SoundName
	}
	return actions
}

// pushRoom adapts a Room to the pushrules condition interface.
type pushRoom struct {
	room           *Room
	ownDisplayname string
}

var _ pushrules.Room = pushRoom{}

func (p pushRoom) GetOwnDisplayname() string {
	return p.ownDisplayname
}

func (p pushRoom) GetMemberCount() int {
	return p.room.JoinedCount
}
