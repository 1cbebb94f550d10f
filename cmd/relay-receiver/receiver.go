package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/clock"
	"github.com/djlord-it/tokenward/internal/notify"
	"github.com/djlord-it/tokenward/internal/proxy"
	"github.com/djlord-it/tokenward/internal/token"
)

const maxBodyBytes = 1 << 20

type delivery struct {
	ReceivedAt string              `json:"received_at"`
	Caller     string              `json:"caller,omitempty"`
	Message    notify.RelayPayload `json:"message"`
}

type stats struct {
	Count      int64      `json:"count"`
	Duplicates int64      `json:"duplicates"`
	Last       []delivery `json:"last"`
	Since      string     `json:"since"`
}

// receiver accepts messages from RelayTransport and keeps the most recent
// ones in memory. Repeated idempotency keys are acknowledged but not stored.
type receiver struct {
	secret    string
	maxStored int
	clock     clock.Clock
	logger    *zap.Logger

	mu         sync.Mutex
	count      int64
	duplicates int64
	last       []delivery
	seen       map[string]struct{}
	since      time.Time
}

func newReceiver(secret string, maxStored int, c clock.Clock, logger *zap.Logger) *receiver {
	return &receiver{
		secret:    secret,
		maxStored: maxStored,
		clock:     c,
		logger:    logger.Named("RelayReceiver"),
		seen:      make(map[string]struct{}),
		since:     c.Now().UTC(),
	}
}

// router wires the receiver. A nil verifier leaves /send open apart from the
// signature check.
func (rc *receiver) router(v proxy.Verifier) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	send := []gin.HandlerFunc{}
	if v != nil {
		send = append(send, proxy.GinMiddleware(v, rc.logger))
	}
	send = append(send, rc.handleSend)

	r.POST("/send", send...)
	r.GET("/stats", rc.handleStats)
	r.POST("/reset", rc.handleReset)
	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok\n")
	})
	return r
}

func (rc *receiver) handleSend(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
		return
	}
	if len(body) > maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}
	if rc.secret != "" && !notify.VerifySignature(rc.secret, body, c.GetHeader(notify.HeaderSignature)) {
		rc.logger.Warn("bad signature", zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
		return
	}

	var msg notify.RelayPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if msg.To == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "to is required"})
		return
	}
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = c.GetHeader(notify.HeaderIdempotencyKey)
	}

	d := delivery{
		ReceivedAt: rc.clock.Now().UTC().Format(time.RFC3339Nano),
		Message:    msg,
	}
	if caller, ok := proxy.CallerFrom(c.Request.Context()); ok {
		d.Caller = token.ServiceName(caller)
	}

	current, duplicate := rc.store(d)
	if duplicate {
		rc.logger.Info("duplicate delivery", zap.String("idempotency_key", msg.IdempotencyKey))
		c.JSON(http.StatusOK, gin.H{"received": current, "duplicate": true})
		return
	}
	rc.logger.Info("message received",
		zap.Int64("n", current),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("caller", d.Caller),
	)
	c.JSON(http.StatusOK, gin.H{"received": current})
}

func (rc *receiver) store(d delivery) (int64, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if key := d.Message.IdempotencyKey; key != "" {
		if _, ok := rc.seen[key]; ok {
			rc.duplicates++
			return rc.count, true
		}
		rc.seen[key] = struct{}{}
	}
	rc.count++
	rc.last = append(rc.last, d)
	if len(rc.last) > rc.maxStored {
		rc.last = rc.last[len(rc.last)-rc.maxStored:]
	}
	return rc.count, false
}

func (rc *receiver) handleStats(c *gin.Context) {
	rc.mu.Lock()
	s := stats{
		Count:      rc.count,
		Duplicates: rc.duplicates,
		Last:       append([]delivery(nil), rc.last...),
		Since:      rc.since.Format(time.RFC3339),
	}
	rc.mu.Unlock()
	if s.Last == nil {
		s.Last = []delivery{}
	}
	c.JSON(http.StatusOK, s)
}

func (rc *receiver) handleReset(c *gin.Context) {
	rc.mu.Lock()
	rc.count = 0
	rc.duplicates = 0
	rc.last = nil
	rc.seen = make(map[string]struct{})
	rc.since = rc.clock.Now().UTC()
	rc.mu.Unlock()
	c.String(http.StatusOK, "reset\n")
}
