package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shineum/mailcatcher-lite/internal/broker"
	"github.com/shineum/mailcatcher-lite/internal/email"
	"github.com/shineum/mailcatcher-lite/internal/store"
)

// mailDetail is the full JSON view of a message.
type mailDetail struct {
	email.Summary
	Headers    []email.Header `json:"headers"`
	RawHeaders []string       `json:"raw"`
	Data       string         `json:"data"`
	HTML       string         `json:"html"`
	Anomalies  []string       `json:"anomalies,omitempty"`
	Content    email.Part     `json:"content"`
}

func (h *Handler) listMails(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.List())
}

// lookup loads the message named by the :id parameter or writes a 404.
func (h *Handler) lookup(c *gin.Context) (*email.Message, bool) {
	msg, err := h.store.Get(c.Param("id"))
	if err != nil {
		h.writeStoreError(c, err)
		return nil, false
	}
	return msg, true
}

func (h *Handler) writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "mail not found"})
		return
	}
	h.log.Error("store error", zap.String("id", c.Param("id")), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func (h *Handler) getMail(c *gin.Context) {
	msg, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, mailDetail{
		Summary:    msg.Summary(),
		Headers:    msg.Headers,
		RawHeaders: msg.RawHeaders,
		Data:       msg.Body,
		HTML:       msg.HTML,
		Anomalies:  msg.Anomalies,
		Content:    msg.Content,
	})
}

func (h *Handler) getText(c *gin.Context) {
	msg, ok := h.lookup(c)
	if !ok {
		return
	}
	text := msg.Text
	if text == "" && msg.HTML != "" {
		text = htmlToText(msg.HTML)
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
}

func (h *Handler) getHTML(c *gin.Context) {
	msg, ok := h.lookup(c)
	if !ok {
		return
	}
	body := msg.HTML
	if c.Query("sanitize") == "true" {
		body = sanitizeHTML(body)
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(body))
}

func (h *Handler) getSource(c *gin.Context) {
	msg, ok := h.lookup(c)
	if !ok {
		return
	}
	headers, body := msg.RawSource()
	c.JSON(http.StatusOK, gin.H{"headers": headers, "content": body})
}

func (h *Handler) getRaw(c *gin.Context) {
	msg, ok := h.lookup(c)
	if !ok {
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.eml"`, msg.ID))
	c.Data(http.StatusOK, "message/rfc822", msg.Raw)
}

func (h *Handler) deleteMail(c *gin.Context) {
	if _, err := h.remove(c.Param("id")); err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": 1})
}

func (h *Handler) clearMails(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"removed": h.clear()})
}

// removeLegacy serves GET /remove/:id and GET /remove/all with plain text
// replies.
func (h *Handler) removeLegacy(c *gin.Context) {
	id := c.Param("id")
	if id == "all" {
		c.String(http.StatusOK, "OK: %d", h.clear())
		return
	}
	if _, err := h.remove(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		h.writeStoreError(c, err)
		return
	}
	c.String(http.StatusOK, "OK: 1")
}

// remove deletes one message and announces it.
func (h *Handler) remove(id string) (*email.Message, error) {
	msg, err := h.store.Remove(id)
	if err != nil {
		return nil, err
	}
	h.metrics.MessagesRemoved(1)
	h.publish(broker.DeletedMail{ID: id})
	h.log.Info("message removed", zap.String("id", id))
	return msg, nil
}

// clear deletes every message and announces each removal.
func (h *Handler) clear() int {
	ids := h.store.Clear()
	h.metrics.MessagesRemoved(len(ids))
	for _, id := range ids {
		h.publish(broker.DeletedMail{ID: id})
	}
	h.log.Info("messages cleared", zap.Int("count", len(ids)))
	return len(ids)
}

func (h *Handler) publish(ev broker.Event) {
	if err := h.events.Publish(ev); err != nil {
		h.log.Debug("event not published", zap.String("event", ev.Name()), zap.Error(err))
	}
}
