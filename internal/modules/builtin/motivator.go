// Package builtin holds the module kinds shipped with bennet. Importing it
// registers them with the default kind table.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/bennet/internal/modules"
	"github.com/stellarlinkco/bennet/internal/provider"
)

const (
	KindMotivator = "motivator"

	defaultMotivatorMinutes = 60
	minGeneratedLen         = 10
)

const motivatorSystem = "You are a snarky, no-nonsense motivational coach with a colorful vocabulary. " +
	"You are encouraging but with attitude, and you never sugarcoat things. " +
	"Your goal is to get people to stop procrastinating and take action. " +
	"Vary your tone and themes between messages and keep them memorable."

type daypart int

const (
	morning daypart = iota
	afternoon
	evening
	weekend
)

var daypartTitles = map[daypart]string{
	morning:   "Morning Kick in the Ass!",
	afternoon: "Afternoon Wake-up Call!",
	evening:   "Evening Push!",
	weekend:   "Weekend Motivation!",
}

var cannedByDaypart = map[daypart][]string{
	morning: {
		"It's morning, so why are you still procrastinating? Your future self is already annoyed. Start working!",
		"Oh look, you got out of bed. What an achievement. Now do something that actually matters today.",
		"While you're deciding whether to work, your competition is already at it. Move it!",
	},
	afternoon: {
		"Mid-day slump? Tough luck. The clock doesn't care about your excuses. Neither does your deadline.",
		"Afternoon check: are you getting things done or just sitting on them? Half the day is gone already.",
		"Still haven't started that important thing? Your afternoon is evaporating while you scroll.",
	},
	evening: {
		"Evening's here. What have you accomplished? It's not too late to salvage something. Move it!",
		"The day's almost over and your to-do list is still full. Pick one thing and finish it.",
		"Don't go to bed thinking you wasted another day. Do something NOW.",
	},
	weekend: {
		"It's the weekend! Successful people don't spend it doing nothing. Get up and move!",
		"Your goals don't care what day it is. You shouldn't either.",
		"Weekend relaxation is earned, not given. Earn it first.",
	},
}

var cannedGeneral = []string{
	"That motivation you're waiting for? It's not coming. Do it anyway.",
	"Your comfort zone is where your plans go to die. Get out of there and do something scary today.",
	"Stop waiting for inspiration. Inspiration shows up AFTER you start working.",
	"That thing you're avoiding is still there. Tomorrow it'll be bigger and uglier.",
	"Don't be the person who almost did something great. Actually do it.",
}

func daypartOf(t time.Time) daypart {
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return weekend
	}
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return morning
	case h >= 12 && h < 18:
		return afternoon
	default:
		return evening
	}
}

func (d daypart) String() string {
	switch d {
	case morning:
		return "morning"
	case afternoon:
		return "afternoon"
	case evening:
		return "evening"
	default:
		return "weekend"
	}
}

// MotivatorState is what a motivator instance persists across reloads.
type MotivatorState struct {
	MessagesSent    int        `json:"messages_sent"`
	LastMessageTime *time.Time `json:"last_message_time"`
	LastMessage     string     `json:"last_message"`
}

// Motivator periodically sends a motivational line to the admin chat. The
// line is generated through the instance's own conversation (chat id
// "module:<name>") when one is wired, else through a plain completion; a
// canned line is used when generation fails.
type Motivator struct {
	env     modules.Env
	log     zerolog.Logger
	minutes int
	// roll returns a value in [0, n).
	roll func(n int) int

	mu    sync.Mutex
	state MotivatorState
}

func NewMotivator(env modules.Env) (modules.Module, error) {
	return &Motivator{
		env:     env,
		log:     env.Logger,
		minutes: env.Int("interval_minutes", defaultMotivatorMinutes),
		roll:    rand.IntN,
	}, nil
}

func (m *Motivator) Info() modules.Info {
	return modules.Info{
		Name:        KindMotivator,
		Description: "Sends snarky motivational messages on a schedule",
		Author:      "bennet",
	}
}

func (m *Motivator) Trigger() modules.Trigger {
	return modules.Trigger{Type: modules.TriggerTime, Interval: time.Duration(m.minutes) * time.Minute}
}

func (m *Motivator) ValidateConfig() error {
	if m.minutes <= 0 {
		return fmt.Errorf("interval_minutes must be positive, got %d", m.minutes)
	}
	if m.env.Sender == nil {
		return errors.New("no sender configured")
	}
	return nil
}

func (m *Motivator) Initialize(context.Context) error {
	m.log.Info().Int("interval_minutes", m.minutes).Msg("motivator ready")
	return nil
}

// Run sends one message. A delivery failure is returned so the run is retried.
func (m *Motivator) Run(ctx context.Context) error {
	msg := m.compose(ctx)
	if err := m.env.Sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send motivation: %w", err)
	}
	now := m.env.Now()
	m.mu.Lock()
	m.state.MessagesSent++
	m.state.LastMessageTime = &now
	m.state.LastMessage = msg
	sent := m.state.MessagesSent
	m.mu.Unlock()
	m.log.Info().Int("messages_sent", sent).Msg("sent motivational message")
	return nil
}

func (m *Motivator) Cleanup(context.Context) error { return nil }

func (m *Motivator) SaveState() (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *Motivator) LoadState(data json.RawMessage) error {
	var st MotivatorState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
	return nil
}

// State returns a copy of the current state.
func (m *Motivator) State() MotivatorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Motivator) compose(ctx context.Context) string {
	now := m.env.Now()
	text, err := m.generate(ctx, now)
	if err == nil {
		return format("Motivational Kick in the Ass", text)
	}
	m.log.Warn().Err(err).Msg("generation failed, using canned message")
	part := daypartOf(now)
	return format(daypartTitles[part], m.canned(part))
}

func (m *Motivator) generate(ctx context.Context, now time.Time) (string, error) {
	m.mu.Lock()
	n := m.state.MessagesSent + 1
	m.mu.Unlock()

	prompt := fmt.Sprintf("Write a short, punchy, funny motivational message to get someone productive. "+
		"It is %s on a %s. This is message #%d. Keep it under 100 words, include a concrete call to action "+
		"and reply with the message only.", daypartOf(now), now.Weekday(), n)

	var (
		text string
		err  error
	)
	switch {
	case m.env.Chat != nil:
		text, err = m.env.Chat.Converse(ctx, m.historyChat(), motivatorSystem, prompt)
	case m.env.Completer != nil:
		var res *provider.Result
		res, err = m.env.Completer.Complete(ctx, provider.Request{
			Messages: []provider.Message{
				{Role: "system", Content: motivatorSystem},
				{Role: "user", Content: prompt},
			},
		})
		if res != nil {
			text = res.Content
		}
	default:
		return "", errors.New("no completion capability wired")
	}
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if len(text) < minGeneratedLen {
		return "", fmt.Errorf("generated message too short (%d chars)", len(text))
	}
	return text, nil
}

// historyChat keeps generated exchanges out of any user's history.
func (m *Motivator) historyChat() string { return "module:" + m.env.Name }

// canned picks a daypart line 60% of the time and a general line otherwise.
func (m *Motivator) canned(part daypart) string {
	if m.roll(10) < 6 {
		lines := cannedByDaypart[part]
		return lines[m.roll(len(lines))]
	}
	return cannedGeneral[m.roll(len(cannedGeneral))]
}

func format(title, body string) string {
	return title + "\n\n" + body
}

func init() {
	modules.MustRegister(KindMotivator, NewMotivator)
}
