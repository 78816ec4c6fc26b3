package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hikarilabs/warden/internal/directives"
)

// handleDirectiveStream serves the chat's enforcement directives as
// server-sent events. Transport collaborators subscribe here to execute
// bans and mutes the engine decides on.
func (h *httpHandler) handleDirectiveStream(c *gin.Context) {
	chatID, ok := h.pathChatID(c)
	if !ok {
		return
	}
	if h.directives == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "directive_stream_unavailable"})
		return
	}

	stream, cleanup := h.directives.Subscribe(c.Request.Context(), chatID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(_ io.Writer) bool {
		select {
		case directive, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent("directive", directivePayload(directive))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func directivePayload(directive directives.Directive) gin.H {
	payload := gin.H{
		"kind":        string(directive.Kind),
		"user_id":     directive.UserID,
		"chat_id":     directive.ChatID,
		"issued_at_s": directive.IssuedAt.Unix(),
	}
	if directive.Reason != "" {
		payload["reason"] = directive.Reason
	}
	if directive.Kind == directives.KindMute {
		payload["duration_s"] = int64(directive.Duration.Seconds())
		payload["unmute_time_s"] = directive.UnmuteAt.Unix()
	}
	return payload
}
