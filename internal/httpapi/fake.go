package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shineum/mailcatcher-lite/internal/parser"
)

// maxFake caps the messages generated by one request.
const maxFake = 500

// generateFake serves GET /fake and GET /fake/:nb. A missing or
// non-numeric count means one message.
func (h *Handler) generateFake(c *gin.Context) {
	n, err := strconv.Atoi(c.Param("nb"))
	if err != nil || n < 0 {
		n = 1
	}
	n = min(n, maxFake)

	for i := 0; i < n; i++ {
		env, raw := h.faker.Message()
		msg := parser.Parse(env, raw, time.Now())
		if err := h.sink.Send(c.Request.Context(), msg); err != nil {
			h.log.Error("fake message not stored", zap.Int("generated", i), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
	}

	h.log.Debug("fake messages generated", zap.Int("count", n))
	c.String(http.StatusOK, "OK: %d", n)
}
