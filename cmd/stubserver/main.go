// Command stubserver is a local stand-in for the conversation backend.
// It serves the two feeds the chat client consumes: the per-turn NDJSON
// response body and the long-lived SSE push channel, with canned agent
// output, so the terminal client can run end to end without a backend.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type responseMessage struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
}

type envelope struct {
	ResponseMessage responseMessage `json:"response_message"`
}

// cannedTurn is the record sequence streamed for every conversation
// request: a few run-log events, the answer in deltas, then done.
func cannedTurn(query string) []responseMessage {
	return []responseMessage{
		{Type: "MagenticOrchestratorMessageEvent", Delta: "Planning approach...\n"},
		{Type: "MagenticAgentDeltaEvent", Delta: "Looking into: " + query + "\n"},
		{Type: "MagenticAgentMessageEvent", Delta: "Gathered the relevant facts.\n"},
		{Type: "MagenticFinalResultEvent", Delta: "Here is what I found about \""},
		{Type: "MagenticFinalResultEvent", Delta: query},
		{Type: "MagenticFinalResultEvent", Delta: "\": this is a canned answer from the stub server."},
		{Type: "done"},
	}
}

func handleConversation(c *gin.Context) {
	var req struct {
		UserQuery string  `json:"user_query"`
		ClientID  *string `json:"client_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)

	c.Stream(func(w io.Writer) bool {
		for _, msg := range cannedTurn(req.UserQuery) {
			data, err := json.Marshal(envelope{ResponseMessage: msg})
			if err != nil {
				return false
			}
			if _, err := w.Write(append(data, '\n')); err != nil {
				return false
			}
			c.Writer.Flush()
			time.Sleep(150 * time.Millisecond)
		}
		return false
	})
}

func handleEvents(c *gin.Context) {
	sid := c.Query("sid")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	clientID := uuid.New().String()
	c.SSEvent("open", gin.H{"client_id": clientID})
	c.Writer.Flush()

	c.SSEvent("assistant", gin.H{
		"params": gin.H{
			"level": "info",
			"data":  []gin.H{{"type": "text", "text": "Connected to stub backend (sid " + sid + ")."}},
		},
	})
	c.Writer.Flush()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	fraction := 0.0
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			fraction += 0.1
			if fraction > 1 {
				fraction = 0
			}
			c.SSEvent("progress", gin.H{"params": gin.H{"progress": fraction}})
			c.Writer.Flush()
		}
	}
}

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/conversation/:user_id", handleConversation)
	router.GET("/events", handleEvents)

	fmt.Printf("stub backend listening on %s\n", *addr)
	if err := router.Run(*addr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
