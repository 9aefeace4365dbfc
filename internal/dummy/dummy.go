// Package dummy provides scripted stand-ins for the chat transport and the
// inference backend. A script is a comma separated list of actions consumed
// one per call; the last action repeats once the script is exhausted.
//
//	ok            no-op (transport) or "dummy-ok" reply (provider)
//	err:<class>   fail with the given error class
//	sleep:<ms>    wait, honoring context cancellation
//	msg:<text>    deliver text (transport) or reply with text (provider)
//	msgb64:<b64>  like msg, base64 encoded so text may contain commas
//	empty         provider only: well-formed reply without text
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/ollagram/internal/commander"
	modelpkg "github.com/stupiduntilnot/ollagram/internal/model"
	"github.com/stupiduntilnot/ollagram/internal/session"
)

// DefaultChatID is the chat every scripted update arrives from.
const DefaultChatID int64 = 1

// BotName is the username the dummy commander reports from GetMe.
const BotName = "OllagramBot"

type action struct {
	kind string
	arg  string
}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		switch {
		case token == "ok", token == "empty":
			actions = append(actions, action{kind: token})
		case strings.HasPrefix(token, "err:"):
			actions = append(actions, action{kind: "err", arg: strings.TrimPrefix(token, "err:")})
		case strings.HasPrefix(token, "sleep:"):
			actions = append(actions, action{kind: "sleep", arg: strings.TrimPrefix(token, "sleep:")})
		case strings.HasPrefix(token, "msg:"):
			actions = append(actions, action{kind: "msg", arg: strings.TrimPrefix(token, "msg:")})
		case strings.HasPrefix(token, "msgb64:"):
			raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(token, "msgb64:"))
			if err != nil {
				return nil, fmt.Errorf("invalid dummy action %s: %w", token, err)
			}
			actions = append(actions, action{kind: "msg", arg: string(raw)})
		default:
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleep(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sent is a message delivered through the dummy commander.
type Sent struct {
	ChatID int64
	Text   string
}

// Commander is a scripted commander.Commander. It remembers everything it was
// asked to deliver.
type Commander struct {
	mu       sync.Mutex
	poll     *scriptRunner
	send     *scriptRunner
	chatID   int64
	updateID int64
	sent     []Sent
	typing   map[int64]int
}

func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{
		poll:     poll,
		send:     send,
		chatID:   DefaultChatID,
		updateID: 1,
		typing:   map[int64]int{},
	}, nil
}

func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	a := c.poll.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy commander error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		return nil, sleep(ctx, a.arg)
	case "msg":
		c.mu.Lock()
		defer c.mu.Unlock()
		c.updateID++
		if c.updateID < offset {
			c.updateID = offset
		}
		text := a.arg
		return []cmdpkg.Update{
			{
				UpdateID: c.updateID,
				Message: &cmdpkg.Message{
					MessageID: c.updateID,
					Chat:      cmdpkg.Chat{ID: c.chatID, Type: "private"},
					Text:      &text,
					Date:      time.Now().Unix(),
				},
			},
		}, nil
	default:
		return nil, nil
	}
}

func (c *Commander) GetMe(ctx context.Context) (cmdpkg.User, error) {
	return cmdpkg.User{ID: 1, IsBot: true, Username: BotName}, nil
}

// SendMessage fails with ctx's error once ctx is done, like a real HTTP send.
func (c *Commander) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	a := c.send.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return fmt.Errorf("dummy commander send error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, Sent{ChatID: chatID, Text: text})
	c.mu.Unlock()
	return nil
}

func (c *Commander) SendTyping(ctx context.Context, chatID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing[chatID]++
	return nil
}

// Sent returns a copy of the delivered messages in delivery order.
func (c *Commander) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}

// TypingCount returns how many typing indicators were sent to chatID.
func (c *Commander) TypingCount(chatID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing[chatID]
}

// Request is a completion request observed by the dummy provider.
type Request struct {
	Model    string
	Messages []session.Turn
}

// Provider is a scripted model.Provider serving a fixed catalog.
type Provider struct {
	mu         sync.Mutex
	models     []string
	catalogErr error
	script     *scriptRunner
	requests   []Request
}

func NewProvider(models []string, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{models: append([]string(nil), models...), script: runner}, nil
}

// FailCatalog makes every following ListModels call return err. A nil err
// restores the catalog.
func (p *Provider) FailCatalog(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.catalogErr = err
}

func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.catalogErr != nil {
		return nil, p.catalogErr
	}
	return append([]string(nil), p.models...), nil
}

func (p *Provider) ChatCompletion(ctx context.Context, model string, messages []session.Turn) (modelpkg.CompletionResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, Request{Model: model, Messages: append([]session.Turn(nil), messages...)})
	a := p.script.next()
	p.mu.Unlock()

	switch a.kind {
	case "err":
		return modelpkg.CompletionResponse{}, fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api"))
	case "empty":
		return modelpkg.CompletionResponse{InputTokens: 1}, modelpkg.ErrEmptyCompletion
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return modelpkg.CompletionResponse{}, fmt.Errorf("dummy provider: %w", err)
		}
		return modelpkg.CompletionResponse{
			Content:      "dummy-after-sleep",
			InputTokens:  1,
			OutputTokens: 1,
		}, nil
	case "msg":
		return modelpkg.CompletionResponse{
			Content:      a.arg,
			InputTokens:  1,
			OutputTokens: 1,
		}, nil
	default:
		return modelpkg.CompletionResponse{
			Content:      "dummy-ok",
			InputTokens:  1,
			OutputTokens: 1,
		}, nil
	}
}

// Requests returns a copy of the completion requests seen so far.
func (p *Provider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
