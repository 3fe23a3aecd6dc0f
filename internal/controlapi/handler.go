// Package controlapi wires up the Gin HTTP router every node exposes
// for health checks, ring/finger introspection, and KV access — the
// same role ppriyankuu-godkv/internal/api plays for that teacher's
// cluster, generalized here to report on the overlay's ring/finger
// state instead of a flat membership list, and to front the KV engine's
// owner-routing/quorum logic instead of a single-hop replicator.
package controlapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/abelab/overlay/internal/finger"
	"github.com/abelab/overlay/internal/keyspace"
	"github.com/abelab/overlay/internal/kv"
	"github.com/abelab/overlay/internal/node"
)

// Handler holds the node dependencies every route needs.
type Handler struct {
	node *node.Node
	log  *logrus.Entry
}

// NewHandler creates a Handler bound to n.
func NewHandler(n *node.Node, log *logrus.Entry) *Handler {
	return &Handler{node: n, log: log}
}

// Register mounts every route on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/status", h.Status)

	kvGroup := r.Group("/kv")
	kvGroup.GET("/:key", h.GetKey)
	kvGroup.PUT("/:key", h.PutKey)
	kvGroup.DELETE("/:key", h.DeleteKey)

	multicast := r.Group("/")
	multicast.POST("unicast", h.Unicast)
	multicast.POST("multicast", h.Multicast)

	cluster := r.Group("/cluster")
	cluster.POST("/join", h.Join)
	cluster.POST("/leave", h.Leave)
}

// Logger is a Gin middleware logging every request through the node's
// structured logger — the same request-logging role
// ppriyankuu-godkv/internal/api.Logger plays, rewritten onto logrus
// instead of the standard library's log package to match the rest of
// this codebase's logging stack.
func Logger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if log == nil {
			return
		}
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"latency":  time.Since(start),
			"clientIP": c.ClientIP(),
		}).Info("controlapi: request")
	}
}

// Recovery recovers from a handler panic and answers 500 instead of
// taking the process down, logging the panic value.
func Recovery(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				if log != nil {
					log.WithField("panic", r).Error("controlapi: recovered from panic")
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

// Health answers GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node":   string(h.node.Key),
		"status": "ok",
	})
}

// Status answers GET /status with a snapshot of ring, finger, and
// suspicious-node state.
func (h *Handler) Status(c *gin.Context) {
	resp := gin.H{
		"node": string(h.node.Key),
	}
	if h.node.RingN != nil {
		left, right := h.node.RingN.Left(), h.node.RingN.Right()
		resp["ring_status"] = h.node.RingN.Status().String()
		resp["left"] = left.Key
		resp["right"] = right.Key
		resp["successors"] = h.node.RingN.PSuccessors()
	}
	if h.node.Finger != nil {
		resp["finger_periodic"] = h.node.Finger.IsPeriodic()
		resp["finger_forward"] = fingerKeys(h.node.Finger.Entries(finger.Forward))
		resp["finger_backward"] = fingerKeys(h.node.Finger.Entries(finger.Backward))
	}
	resp["suspicious"] = h.node.Manager.SuspiciousNodes()
	c.JSON(http.StatusOK, resp)
}

// GetKey answers GET /kv/:key.
func (h *Handler) GetKey(c *gin.Context) {
	key := c.Param("key")
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.node.Cfg.ReplyTimeout)
	defer cancel()

	v, found, err := h.node.KV.Get(ctx, key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"key":        key,
		"value":      v.Data,
		"clock":      v.Clock,
		"updated_at": v.UpdatedAt,
	})
}

// PutKey answers PUT /kv/:key.
// Body: {"value": "<string>", "signer_id": "<optional>", "signature": "<optional base64>"}
func (h *Handler) PutKey(c *gin.Context) {
	key := c.Param("key")
	var body struct {
		Value     string `json:"value" binding:"required"`
		SignerID  string `json:"signer_id"`
		Signature string `json:"signature"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.node.Cfg.ReplyTimeout)
	defer cancel()

	if body.Signature == "" {
		if err := h.node.KV.Put(ctx, key, []byte(body.Value)); err != nil {
			writeKVError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key})
		return
	}

	sig, err := base64.StdEncoding.DecodeString(body.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature: " + err.Error()})
		return
	}
	if err := h.node.KV.PutSigned(ctx, key, []byte(body.Value), body.SignerID, sig); err != nil {
		writeKVError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

// DeleteKey answers DELETE /kv/:key.
func (h *Handler) DeleteKey(c *gin.Context) {
	key := c.Param("key")
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.node.Cfg.ReplyTimeout)
	defer cancel()

	if err := h.node.KV.Delete(ctx, key); err != nil {
		writeKVError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": key})
}

func writeKVError(c *gin.Context, err error) {
	if re, ok := err.(*kv.RejectedError); ok {
		c.JSON(http.StatusConflict, gin.H{"error": re.Error(), "reject_reason": re.Reason})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// Unicast answers POST /unicast: routes a caller-supplied payload
// toward a single target key over the ring's closest-preceding-
// connection rule, the same routing primitive a KV Put/Get uses,
// delivering it to the owning node's UnicastHandler.
// Body: {"target_key": "<key>", "payload": "<string>"}
func (h *Handler) Unicast(c *gin.Context) {
	var body struct {
		TargetKey string `json:"target_key" binding:"required"`
		Payload   string `json:"payload"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.node.Cfg.ReplyTimeout)
	defer cancel()

	payload, err := json.Marshal(body.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.node.Unicast(ctx, body.TargetKey, payload); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"target_key": body.TargetKey})
}

// Multicast answers POST /multicast: issues a range query over
// [from, to) through the node's multicast engine and waits for it to
// finish fanning out and collecting replies.
// Body: {"from": "<key>", "to": "<key>"}
func (h *Handler) Multicast(c *gin.Context) {
	var body struct {
		From string `json:"from" binding:"required"`
		To   string `json:"to" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.node.Mcast == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "multicast engine not wired yet"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.node.Cfg.ReplyTimeout)
	defer cancel()

	var replies []gin.H
	done, _ := h.node.Mcast.Send(ctx, keyspace.Key(body.From), keyspace.Key(body.To), nil,
		func(from, to keyspace.Key, value json.RawMessage) {
			replies = append(replies, gin.H{"from": from, "to": to, "value": string(value)})
		})
	if err := <-done; err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replies": replies})
}

// Join answers POST /cluster/join: dials the operator-supplied peer URL
// directly and runs the DDLL join protocol through it — used to heal a
// node that bootstrapped as a singleton before any peers were reachable,
// or to point an already-running node at a new introducer. Dials the URL
// itself rather than going through ring.Table.Repair, which always
// builds a self-loop introducer and never consults a supplied peer URL.
// Body: {"peer_url": "<ws url>"}
func (h *Handler) Join(c *gin.Context) {
	var body struct {
		PeerURL string `json:"peer_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.node.Cfg.ReplyTimeout)
	defer cancel()

	introducer, err := h.node.DialIntroducer(ctx, body.PeerURL)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	h.node.Cfg.Peers = []string{body.PeerURL}
	rn, err := h.node.Ring.Join(ctx, h.node.Key, introducer, true)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.node.RingN = rn
	c.JSON(http.StatusOK, gin.H{"joined": body.PeerURL})
}

// Leave answers POST /cluster/leave: runs the DDLL leave protocol for
// this node's own ring identity.
func (h *Handler) Leave(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.node.Cfg.ReplyTimeout)
	defer cancel()
	if err := h.node.Ring.Leave(ctx, h.node.RingN); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": string(h.node.Key)})
}

func fingerKeys(entries []*finger.Entry) []keyspace.Key {
	out := make([]keyspace.Key, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}
