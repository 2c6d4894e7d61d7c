package host

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vaani/internal/auth"
	"github.com/MrWong99/vaani/internal/conversation"
	"github.com/MrWong99/vaani/internal/speech"
	"github.com/MrWong99/vaani/pkg/provider/stt"
)

// subscriberBuffer is how many events a slow subscriber may lag behind
// before events are dropped for it.
const subscriberBuffer = 64

// Event is what subscribers of a [Live] session receive.
type Event struct {
	Type  string                 `json:"type"`
	State *conversation.Snapshot `json:"state,omitempty"`
	Text  string                 `json:"text,omitempty"`
	Error string                 `json:"error,omitempty"`
	Code  string                 `json:"code,omitempty"`

	// Audio carries synthesized PCM16 for "audio" events. It is sent as a
	// binary frame, not as JSON.
	Audio []byte `json:"-"`
}

// Live is one signed-in conversation.
type Live struct {
	id      string
	auth    auth.Session
	orch    *conversation.Orchestrator
	speech  *speech.Controller
	cancel  context.CancelFunc
	started time.Time

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	endOnce sync.Once
	ended   chan struct{}
	reason  string
}

// ID returns the session identifier.
func (l *Live) ID() string { return l.id }

// Auth returns the login the session was opened with.
func (l *Live) Auth() auth.Session { return l.auth }

// Orchestrator returns the session's payment state machine.
func (l *Live) Orchestrator() *conversation.Orchestrator { return l.orch }

// Ended is closed once the session has been signed out.
func (l *Live) Ended() <-chan struct{} { return l.ended }

// Reason returns why the session ended. It is empty while the session is
// live.
func (l *Live) Reason() string {
	select {
	case <-l.ended:
		return l.reason
	default:
		return ""
	}
}

// Subscribe registers a receiver for session events. The channel is closed
// when the session ends or cancel is called.
func (l *Live) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	l.subMu.Lock()
	select {
	case <-l.ended:
		l.subMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			defer l.subMu.Unlock()
			if c, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(c)
			}
		})
	}
}

func (l *Live) publish(e Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for id, ch := range l.subs {
		select {
		case ch <- e:
		default:
			slog.Warn("host: dropping event for slow subscriber", "session", l.id, "subscriber", id, "type", e.Type)
		}
	}
}

// Deliver hands a transcript message to the orchestrator. Assistant text is
// spoken when voice mode is on.
func (l *Live) Deliver(ctx context.Context, msg conversation.Message) error {
	if err := l.orch.Deliver(ctx, msg); err != nil {
		return err
	}
	if msg.Role != conversation.RoleAssistant || msg.Text == "" {
		return nil
	}
	snap, err := l.orch.Snapshot(ctx)
	if err != nil || !snap.VoiceMode {
		return nil
	}
	if err := l.speech.Speak(context.Background(), msg.Text, snap.Language); err != nil {
		slog.Warn("host: speak assistant reply", "session", l.id, "err", err)
	}
	return nil
}

// Listen starts capturing a spoken utterance in the session language.
// Keywords bias recognition towards the user's beneficiary names.
func (l *Live) Listen(ctx context.Context, keywords []stt.KeywordBoost) error {
	snap, err := l.orch.Snapshot(ctx)
	if err != nil {
		return err
	}
	l.speech.StopSpeaking()
	return l.speech.StartListening(ctx, snap.Language, keywords)
}

// Feed forwards a PCM16 chunk of the utterance being captured.
func (l *Live) Feed(chunk []byte) error { return l.speech.Feed(chunk) }

// StopListening ends capture. Unless discard is set the utterance is
// delivered as a user message.
func (l *Live) StopListening(discard bool) { l.speech.StopListening(discard) }

func (l *Live) onUpdate(u conversation.Update) {
	st := u.State
	l.publish(Event{Type: u.Event, State: &st, Error: u.Error, Code: u.Code})
}

func (l *Live) onUtterance(u speech.Utterance) {
	if u.Text == "" {
		return
	}
	l.publish(Event{Type: "utterance", Text: u.Text})
	msg := conversation.Message{
		ID:   uuid.NewString(),
		Role: conversation.RoleUser,
		Text: u.Text,
		At:   time.Now(),
	}
	// The handler may run on the orchestrator's own stop path.
	go func() {
		if err := l.orch.Deliver(context.Background(), msg); err != nil {
			slog.Debug("host: deliver utterance", "session", l.id, "err", err)
		}
	}()
}

func (l *Live) onPartial(text string) {
	l.publish(Event{Type: "partial", Text: text})
}

func (l *Live) onSpoken() {
	l.publish(Event{Type: "spoken"})
}

func (l *Live) play(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.publish(Event{Type: "audio", Audio: pcm})
	return nil
}

// end tears the session down and closes every subscription.
func (l *Live) end(reason string) {
	l.endOnce.Do(func() {
		l.speech.Close()
		l.cancel()

		l.subMu.Lock()
		l.reason = reason
		close(l.ended)
		final := Event{Type: "signed-out", Text: reason}
		for id, ch := range l.subs {
			select {
			case ch <- final:
			default:
			}
			close(ch)
			delete(l.subs, id)
		}
		l.subMu.Unlock()
	})
}
