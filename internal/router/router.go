// Package router decides what an inbound chat message means: a session
// control command or text for the model.
package router

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	cmdpkg "github.com/stupiduntilnot/ollagram/internal/commander"
	"github.com/stupiduntilnot/ollagram/internal/db"
	"github.com/stupiduntilnot/ollagram/internal/engine"
	modelpkg "github.com/stupiduntilnot/ollagram/internal/model"
	"github.com/stupiduntilnot/ollagram/internal/resolve"
	"github.com/stupiduntilnot/ollagram/internal/session"
)

const HelpText = "👋 Hi! I relay your messages to a local Ollama model.\n\n" +
	"/model <name> switches the model (a name prefix is enough).\n" +
	"/models lists the installed models.\n" +
	"/current shows the model in use.\n" +
	"/reset clears the conversation context."

// User-facing replies.
const (
	msgModelsHeader   = "📦 Installed Ollama models:\n"
	msgNoModels       = "📦 No Ollama models installed."
	msgModelsFailed   = "❌ Failed to fetch the model list"
	msgNoMatch        = "❌ No model starts with \"%s\""
	msgModelSwitched  = "✅ Model switched\nInput: %s\nSelected model: %s"
	msgSwitchFailed   = "❌ Error while switching model"
	msgModelUsage     = "🤖 Current model: %s\n\nSwitch model: /model <model-name>"
	msgCurrentModel   = "🤖 Current model: %s"
	msgContextCleared = "🧹 Conversation context cleared"
	msgUnknownCommand = "❓ Unknown command %s. Send /start for help."
)

// MessageHandler answers free text.
type MessageHandler interface {
	HandleUserMessage(ctx context.Context, chatID int64, text string) error
}

// Router dispatches chat messages.
type Router struct {
	store   *session.Store
	catalog modelpkg.Catalog
	handler MessageHandler
	sender  cmdpkg.Sender
	journal *db.Journal
	log     *zap.Logger
	pick    resolve.PickFunc
	botName string
}

type Option func(*Router)

// WithPick replaces the random choice among matching models.
func WithPick(pick resolve.PickFunc) Option {
	return func(r *Router) { r.pick = pick }
}

func WithJournal(j *db.Journal) Option {
	return func(r *Router) { r.journal = j }
}

// WithBotName makes the router ignore "/cmd@Name" commands addressed to a
// bot other than name. Without it every "@Name" suffix is accepted.
func WithBotName(name string) Option {
	return func(r *Router) { r.botName = strings.TrimPrefix(strings.TrimSpace(name), "@") }
}

func New(store *session.Store, catalog modelpkg.Catalog, handler MessageHandler, sender cmdpkg.Sender, log *zap.Logger, opts ...Option) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{
		store:   store,
		catalog: catalog,
		handler: handler,
		sender:  sender,
		log:     log,
		pick:    resolve.RandomPick,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleUpdate routes the text message carried by u. Updates without text
// are ignored.
func (r *Router) HandleUpdate(ctx context.Context, u cmdpkg.Update) error {
	if u.Message == nil || u.Message.Text == nil {
		return nil
	}
	return r.Route(ctx, u.Message.Chat.ID, *u.Message.Text)
}

// Route handles one message of chatID. Text whose first character is "/" is
// always treated as a command and never reaches the model; commands for
// another bot are dropped without a reply. Blank text is ignored.
func (r *Router) Route(ctx context.Context, chatID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	cmd, arg := splitCommand(text)
	name := normalizeSlashCommand(cmd)
	if name == "" {
		return r.handler.HandleUserMessage(ctx, chatID, text)
	}

	log := r.log.With(zap.Int64("chat_id", chatID), zap.String("command", name))
	if target := commandTarget(cmd); r.botName != "" && target != "" && !strings.EqualFold(target, r.botName) {
		log.Debug("command for another bot ignored", zap.String("target", target))
		return nil
	}
	log.Debug("command received", zap.String("arg", arg))
	r.journal.Record(ctx, db.EventCommandHandled, map[string]any{
		"chat_id": chatID,
		"command": name,
		"arg":     arg,
	})

	var reply string
	switch name {
	case "/start", "/help":
		reply = HelpText
	case "/models":
		reply = r.listModels(ctx, log)
	case "/model":
		if arg == "" {
			reply = fmt.Sprintf(msgModelUsage, r.store.Model(chatID))
		} else {
			reply = r.switchModel(ctx, log, chatID, arg)
		}
	case "/current":
		reply = fmt.Sprintf(msgCurrentModel, r.store.Model(chatID))
	case "/reset":
		r.store.Reset(chatID)
		log.Info("session reset")
		r.journal.Record(ctx, db.EventSessionReset, map[string]any{"chat_id": chatID})
		reply = msgContextCleared
	default:
		reply = fmt.Sprintf(msgUnknownCommand, name)
	}
	return engine.Deliver(ctx, r.sender, r.journal, r.log, chatID, reply)
}

func (r *Router) listModels(ctx context.Context, log *zap.Logger) string {
	models, err := r.catalog.ListModels(ctx)
	if err != nil {
		log.Error("list models failed", zap.Error(err))
		return msgModelsFailed
	}
	if len(models) == 0 {
		return msgNoModels
	}
	var b strings.Builder
	b.WriteString(msgModelsHeader)
	for i, name := range models {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("• ")
		b.WriteString(name)
	}
	return b.String()
}

// switchModel resolves input against a fresh catalog. The session is only
// touched once a model was resolved.
func (r *Router) switchModel(ctx context.Context, log *zap.Logger, chatID int64, input string) string {
	models, err := r.catalog.ListModels(ctx)
	if err != nil {
		log.Error("list models failed", zap.String("input", input), zap.Error(err))
		return msgSwitchFailed
	}
	current := r.store.Model(chatID)
	resolved, ok := resolve.Model(input, current, models, r.pick)
	if !ok {
		log.Info("no model matches prefix", zap.String("input", input))
		return fmt.Sprintf(msgNoMatch, input)
	}
	r.store.SetModel(chatID, resolved)
	log.Info("model switched", zap.String("input", input), zap.String("from", current), zap.String("to", resolved))
	r.journal.Record(ctx, db.EventModelSwitched, map[string]any{
		"chat_id": chatID,
		"input":   input,
		"from":    current,
		"to":      resolved,
	})
	return fmt.Sprintf(msgModelSwitched, input, resolved)
}

// splitCommand cuts text at the first whitespace. Leading whitespace is kept,
// so "  /reset" yields an empty cmd.
func splitCommand(text string) (cmd string, rest string) {
	i := strings.IndexAny(text, " \n\t")
	if i == -1 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

// normalizeSlashCommand lowercases cmd and strips a "@BotName" suffix. It
// returns "" for text that is not a command.
func normalizeSlashCommand(cmd string) string {
	if !strings.HasPrefix(cmd, "/") {
		return ""
	}
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}

// commandTarget returns the bot name of "/cmd@BotName", or "".
func commandTarget(cmd string) string {
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		return cmd[at+1:]
	}
	return ""
}
