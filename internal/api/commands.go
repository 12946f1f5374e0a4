package api

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/ashureev/ccbridge/internal/adapter"
)

const helpText = `<b>Commands</b>
/start - show configured instances
/status [name] - instance and session state
/clear [name] - reset the agent conversation
/stop [name] - interrupt the running request
/resume [name] - start a stopped instance
/help - this message

Any other message is sent to the selected agent instance.`

// runCommand executes one slash command and replies with the result.
func (h *Handler) runCommand(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	command := strings.ToLower(fields[0])
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch command {
	case "/start":
		h.reply(ctx, chatID, h.startText())
	case "/help":
		h.reply(ctx, chatID, helpText)
	case "/status":
		h.reply(ctx, chatID, h.statusText(arg))
	case "/clear":
		h.instanceCommand(ctx, chatID, arg, "Conversation cleared on %s.", func(a adapter.Adapter) error {
			return a.ClearConversation(ctx)
		})
	case "/stop":
		h.instanceCommand(ctx, chatID, arg, "Interrupt sent to %s.", func(a adapter.Adapter) error {
			return a.Interrupt(ctx)
		})
	case "/resume":
		h.instanceCommand(ctx, chatID, arg, "Instance %s is running.", func(a adapter.Adapter) error {
			return a.Start(ctx)
		})
	default:
		h.reply(ctx, chatID, fmt.Sprintf("Unknown command %s. Send /help for the command list.", html.EscapeString(command)))
	}
}

// instanceCommand resolves the target and applies fn, confirming on success.
func (h *Handler) instanceCommand(ctx context.Context, chatID int64, name, confirmFormat string, fn func(adapter.Adapter) error) {
	target, err := h.resolveTarget(ctx, name)
	if err != nil {
		h.reply(ctx, chatID, targetErrorText(name, err))
		return
	}
	if err := fn(target); err != nil {
		h.replyError(ctx, chatID, "instance command", err)
		return
	}
	h.reply(ctx, chatID, fmt.Sprintf(confirmFormat, html.EscapeString(target.Name())))
}

// resolveTarget returns the named instance's adapter, or the default
// selection when name is empty.
func (h *Handler) resolveTarget(ctx context.Context, name string) (adapter.Adapter, error) {
	if name == "" {
		return h.pool.SelectFrom(ctx, h.registry.List(), h.cfg.PreferTmux)
	}
	inst, err := h.registry.Get(name)
	if err != nil {
		return nil, err
	}
	return h.pool.Get(inst)
}

func targetErrorText(name string, err error) string {
	if name != "" {
		return fmt.Sprintf("Instance %s is not registered. Send /status for the list.", html.EscapeString(name))
	}
	_ = err
	return "No agent instances are configured. Register one and try again."
}

func (h *Handler) startText() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("<b>%s</b> bridge is up.\n", html.EscapeString(h.cfg.ProjectName)))

	instances := h.registry.List()
	if len(instances) == 0 {
		sb.WriteString("No instances registered yet.")
		return sb.String()
	}
	sb.WriteString("Instances:\n")
	for _, inst := range instances {
		sb.WriteString(fmt.Sprintf("• %s (%s)\n", html.EscapeString(inst.Name), inst.InstanceType))
	}
	sb.WriteString("\nSend /help for commands.")
	return sb.String()
}

// statusText renders instance status, optionally narrowed to one name.
func (h *Handler) statusText(name string) string {
	instances := h.registry.List()
	if len(instances) == 0 {
		return "No instances registered."
	}

	var sb strings.Builder
	for _, inst := range instances {
		if name != "" && inst.Name != name {
			continue
		}
		status, err := h.registry.GetStatus(inst.Name)
		if err != nil {
			status = inst.Status
		}
		sb.WriteString(fmt.Sprintf("<b>%s</b> (%s): %s\n",
			html.EscapeString(inst.Name), inst.InstanceType, status))

		if snap, err := h.tracker.GetSession(inst.Name); err == nil {
			sb.WriteString(fmt.Sprintf("  session %s, %d/%d completed, %.0f%% ok\n",
				snap.Status, snap.CompletedRequests, snap.TotalRequests, snap.SuccessRate()*100))
			if turn, ok := h.tracker.ActiveRequest(inst.Name); ok {
				sb.WriteString(fmt.Sprintf("  active request since %s\n", turn.SentAt.Format("15:04:05")))
			}
		}
	}
	if sb.Len() == 0 {
		return fmt.Sprintf("Instance %s is not registered.", html.EscapeString(name))
	}
	return sb.String()
}
