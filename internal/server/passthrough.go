package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	assistantdomain "github.com/smallbiznis/tokenvault/internal/assistant/domain"
	obscontext "github.com/smallbiznis/tokenvault/internal/observability/context"
)

const (
	defaultMessageLimit = "40"
	maxUploadBody       = 15 << 20
)

// ListConversations lists the user's conversations with the app named by X-App-ID.
func (s *Server) ListConversations(c *gin.Context) {
	s.forward(c, assistantdomain.ForwardRequest{
		Method: http.MethodGet,
		Path:   "/conversations",
		Query:  pickQuery(c, "last_id", "limit", "sort_by"),
	})
}

func (s *Server) ListMessages(c *gin.Context) {
	query := pickQuery(c, "conversation_id", "first_id", "limit")
	if query.Get("conversation_id") == "" {
		AbortWithError(c, newValidationError("conversation_id", "required", "conversation_id is required"))
		return
	}
	if query.Get("limit") == "" {
		query.Set("limit", defaultMessageLimit)
	}
	s.forward(c, assistantdomain.ForwardRequest{
		Method: http.MethodGet,
		Path:   "/messages",
		Query:  query,
	})
}

type renameConversationRequest struct {
	Name         string `json:"name"`
	AutoGenerate bool   `json:"auto_generate"`
}

func (s *Server) RenameConversation(c *gin.Context) {
	var req renameConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" && !req.AutoGenerate {
		AbortWithError(c, newValidationError("name", "required", "name is required"))
		return
	}
	body := map[string]any{"auto_generate": req.AutoGenerate}
	if req.Name != "" {
		body["name"] = req.Name
	}
	s.forward(c, assistantdomain.ForwardRequest{
		Method: http.MethodPost,
		Path:   "/conversations/" + url.PathEscape(c.Param("conversation_id")) + "/name",
		Body:   body,
	})
}

func (s *Server) DeleteConversation(c *gin.Context) {
	s.forward(c, assistantdomain.ForwardRequest{
		Method: http.MethodDelete,
		Path:   "/conversations/" + url.PathEscape(c.Param("conversation_id")),
		Body:   map[string]any{},
	})
}

type messageFeedbackRequest struct {
	MessageID string  `json:"message_id"`
	Rating    *string `json:"rating"`
	Content   string  `json:"content"`
}

// SendMessageFeedback rates a message like, dislike or null to clear a rating.
func (s *Server) SendMessageFeedback(c *gin.Context) {
	var req messageFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	messageID := strings.TrimSpace(req.MessageID)
	if messageID == "" {
		AbortWithError(c, newValidationError("message_id", "required", "message_id is required"))
		return
	}
	var rating any
	if req.Rating != nil {
		switch *req.Rating {
		case "like", "dislike":
			rating = *req.Rating
		default:
			AbortWithError(c, newValidationError("rating", "invalid_rating", "rating must be like, dislike or null"))
			return
		}
	}
	s.forward(c, assistantdomain.ForwardRequest{
		Method: http.MethodPost,
		Path:   "/messages/" + url.PathEscape(messageID) + "/feedbacks",
		Body:   map[string]any{"rating": rating, "content": req.Content},
	})
}

func (s *Server) UploadFile(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBody)
	header, err := c.FormFile("file")
	if err != nil {
		AbortWithError(c, newValidationError("file", "required", "file is required"))
		return
	}
	file, err := header.Open()
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	defer file.Close()

	s.forward(c, assistantdomain.ForwardRequest{
		Method: http.MethodPost,
		Path:   "/files/upload",
		Upload: &assistantdomain.Upload{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Content:     file,
		},
	})
}

func (s *Server) GetAppInfo(c *gin.Context) {
	s.forward(c, assistantdomain.ForwardRequest{Method: http.MethodGet, Path: "/info"})
}

// forward sends req for the authenticated user and writes the upstream reply through unchanged.
func (s *Server) forward(c *gin.Context, req assistantdomain.ForwardRequest) {
	appKey := strings.TrimSpace(c.GetHeader(HeaderAppID))
	if appKey == "" {
		AbortWithError(c, newValidationError("app_id", "required", HeaderAppID+" header is required"))
		return
	}
	req.AppKey = appKey
	req.UserID = userIDFrom(c)

	ctx := obscontext.WithApp(c.Request.Context(), appKey)
	reply, err := s.assistantSvc.Forward(ctx, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	contentType := reply.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(reply.Status, contentType, reply.Body)
}

func pickQuery(c *gin.Context, keys ...string) url.Values {
	query := url.Values{}
	for _, key := range keys {
		if value := strings.TrimSpace(c.Query(key)); value != "" {
			query.Set(key, value)
		}
	}
	return query
}
