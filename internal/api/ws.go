package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// handleAttach is the operator console: a websocket where each inbound text
// frame is sent to the instance named in the query and response chunks come
// back as text frames. Intended for debugging from a terminal, not for bots.
func (h *Handler) handleAttach(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("instance")

	target, err := h.resolveTarget(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("instance %q not found", name)})
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		slog.Error("Websocket accept failed", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "detached"); closeErr != nil {
			slog.Debug("Websocket close", "error", closeErr)
		}
	}()

	ctx := r.Context()
	slog.Info("Operator attached", "instance", target.Name(), "remote", r.RemoteAddr)

	for {
		msgType, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Info("Operator detached", "instance", target.Name())
			}
			return
		}
		if msgType != websocket.MessageText || len(data) == 0 {
			continue
		}

		for chunk, err := range target.SendCommand(ctx, string(data)) {
			if err != nil {
				payload := fmt.Sprintf("error: %v", err)
				if werr := ws.Write(ctx, websocket.MessageText, []byte(payload)); werr != nil {
					return
				}
				break
			}
			if werr := ws.Write(ctx, websocket.MessageText, []byte(chunk)); werr != nil {
				return
			}
		}
	}
}
