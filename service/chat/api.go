package chat

import (
	"net/http"
	"strconv"
	"strings"

	"PPIM/module/chat/message"
	"PPIM/service/storage"
	"PPIM/tools/security"

	"github.com/gin-gonic/gin"
)

// API is the HTTP face of the message core: staged submit, history,
// scoped sync and revocation. The websocket path stays the delivery
// channel; these endpoints exist for web clients and reconnect catch-up.
type API struct {
	svc          *message.Service
	sink         message.Sink
	acks         storage.AckStore
	unread       storage.UnreadCounter
	jwtOpts      security.Options
	tenant       string
	syncLimit    int
	syncLimitMax int
}

func NewAPI(svc *message.Service, sink message.Sink, acks storage.AckStore, unread storage.UnreadCounter, jwtOpts security.Options, defaultTenant string, syncLimit, syncLimitMax int) *API {
	if syncLimit <= 0 {
		syncLimit = 200
	}
	if syncLimitMax <= 0 {
		syncLimitMax = 500
	}
	return &API{
		svc:          svc,
		sink:         sink,
		acks:         acks,
		unread:       unread,
		jwtOpts:      jwtOpts,
		tenant:       defaultTenant,
		syncLimit:    syncLimit,
		syncLimitMax: syncLimitMax,
	}
}

// Register mounts the routes on the router group.
func (a *API) Register(r *gin.RouterGroup) {
	r.Use(a.auth)
	r.POST("/conversations/:id/messages", a.submit)
	r.GET("/conversations/:id/messages", a.history)
	r.GET("/conversations/:id/sync", a.sync)
	r.GET("/conversations/:id/unread", a.unreadCount)
	r.POST("/conversations/:id/messages/:seq/revoke", a.revoke)
}

func (a *API) auth(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		h := c.GetHeader("Authorization")
		token = strings.TrimPrefix(h, "Bearer ")
	}
	id, err := security.Verify(a.jwtOpts, token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if id.TenantID == "" {
		id.TenantID = a.tenant
	}
	c.Set("identity", id)
	c.Next()
}

func identityOf(c *gin.Context) *security.Identity {
	return c.MustGet("identity").(*security.Identity)
}

type submitBody struct {
	ClientMsgID string `json:"clientMsgId"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	FileURL     string `json:"fileUrl"`
	FileName    string `json:"fileName"`
	FileSize    string `json:"fileSize"`
	ReplyToID   string `json:"replyToId"`
}

// submit stages the message and answers before durability: 202 with the
// provisional payload, or 200 when the clientMsgId was seen before.
func (a *API) submit(c *gin.Context) {
	id := identityOf(c)
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
		return
	}
	payload, existed, err := a.svc.Submit(c.Request.Context(), message.SubmitRequest{
		TenantID:       id.TenantID,
		ConversationID: c.Param("id"),
		SenderID:       id.UserID,
		SenderName:     id.Name,
		ClientMsgID:    body.ClientMsgID,
		Type:           body.Type,
		Content:        body.Content,
		FileURL:        body.FileURL,
		FileName:       body.FileName,
		FileSize:       body.FileSize,
		ReplyToID:      body.ReplyToID,
	})
	switch {
	case err == message.ErrEmptyContent || err == message.ErrBadType:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "submit failed"})
	case existed:
		c.JSON(http.StatusOK, gin.H{"status": "delivered", "message": payload})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "staged", "message": payload})
	}
}

func (a *API) history(c *gin.Context) {
	id := identityOf(c)
	payloads, err := a.svc.History(c.Request.Context(), id.TenantID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history read failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": payloads})
}

func (a *API) sync(c *gin.Context) {
	id := identityOf(c)
	convID := c.Param("id")
	afterSeq, _ := strconv.ParseInt(c.Query("afterSeq"), 10, 64)
	limit := a.syncLimit
	if q := c.Query("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > a.syncLimitMax {
		limit = a.syncLimitMax
	}

	payloads, hasMore, err := a.svc.Sync(c.Request.Context(), id.TenantID, convID, afterSeq, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync read failed"})
		return
	}
	latest, err := a.svc.MaxSeq(c.Request.Context(), id.TenantID, convID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync read failed"})
		return
	}
	if n := len(payloads); n > 0 {
		_, _ = a.acks.AdvanceCursor(c.Request.Context(), id.TenantID, id.UserID, convID, payloads[n-1].SeqID)
	}
	c.JSON(http.StatusOK, gin.H{
		"messages":  payloads,
		"hasMore":   hasMore,
		"latestSeq": latest,
	})
}

func (a *API) unreadCount(c *gin.Context) {
	id := identityOf(c)
	n, err := a.unread.Get(c.Request.Context(), id.TenantID, id.UserID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unread read failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": n})
}

func (a *API) revoke(c *gin.Context) {
	id := identityOf(c)
	seqID, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seqID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad seq"})
		return
	}
	payload, err := a.svc.Revoke(c.Request.Context(), id.TenantID, c.Param("id"), seqID, id.UserID, a.sink)
	switch {
	case err == message.ErrNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	case err == message.ErrNotSender:
		c.JSON(http.StatusForbidden, gin.H{"error": "only the sender may revoke"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"message": payload})
	}
}
