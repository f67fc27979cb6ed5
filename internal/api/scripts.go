package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/thereceipt/fax-engine/internal/escpos"
	"github.com/thereceipt/fax-engine/internal/store"
	"github.com/thereceipt/fax-engine/pkg/faxformat"
)

// deviceAuthorized checks the shared secret, if one is configured
func (s *Server) deviceAuthorized(c *gin.Context) bool {
	if s.secret == "" {
		return true
	}
	key := c.Query("key")
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.secret)) == 1
}

// loadCommands returns the project's latest script as commands. A missing
// or unparsable script is an empty sequence; only store failures are errors.
func (s *Server) loadCommands(ctx context.Context, project string) ([]faxformat.Command, error) {
	rec, err := s.scripts.Latest(ctx, project)
	if errors.Is(err, store.ErrNotFound) {
		return []faxformat.Command{}, nil
	}
	if err != nil {
		return nil, err
	}

	doc, err := faxformat.ParseString(rec.Script)
	if err != nil {
		s.logger.Warn().Err(err).Str("project", project).Str("script_id", rec.ID).
			Msg("stored script is not a valid command document, using empty commands")
		return []faxformat.Command{}, nil
	}

	return doc.Commands, nil
}

// compile loads and expands a project's script for a device
func (s *Server) compile(c *gin.Context) ([]faxformat.Command, error) {
	project := c.Param("project")

	if device := c.Query("device"); device != "" && s.registry != nil {
		s.registry.Touch(device, project)
	}

	commands, err := s.loadCommands(c.Request.Context(), project)
	if err != nil {
		return nil, err
	}

	return s.expander.Expand(c.Request.Context(), commands), nil
}

// handleDeviceScript serves the compiled script as {"commands": [...]}
func (s *Server) handleDeviceScript(c *gin.Context) {
	defer s.recoverPrintError(c)

	if !s.deviceAuthorized(c) {
		c.String(http.StatusForbidden, "forbidden")
		return
	}

	expanded, err := s.compile(c)
	if err != nil {
		s.logger.Error().Err(err).Str("project", c.Param("project")).Msg("device script render failed")
		c.String(http.StatusInternalServerError, "PRINT error")
		return
	}

	body, err := faxformat.Encode(expanded)
	if err != nil {
		s.logger.Error().Err(err).Str("project", c.Param("project")).Msg("device script encode failed")
		c.String(http.StatusInternalServerError, "PRINT error")
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// handleDeviceScriptRaw serves the compiled script as ESC/POS bytes
func (s *Server) handleDeviceScriptRaw(c *gin.Context) {
	defer s.recoverPrintError(c)

	if !s.deviceAuthorized(c) {
		c.String(http.StatusForbidden, "forbidden")
		return
	}

	expanded, err := s.compile(c)
	if err != nil {
		s.logger.Error().Err(err).Str("project", c.Param("project")).Msg("device script render failed")
		c.String(http.StatusInternalServerError, "PRINT error")
		return
	}

	columns, _ := strconv.Atoi(c.Query("columns"))
	data := escpos.Render(expanded, escpos.Options{
		Columns: columns,
		Cut:     c.Query("cut") == "1" || c.Query("cut") == "true",
	})

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) recoverPrintError(c *gin.Context) {
	if r := recover(); r != nil {
		s.logger.Error().Interface("panic", r).Str("project", c.Param("project")).Msg("device script render panicked")
		c.String(http.StatusInternalServerError, "PRINT error")
	}
}

// handleSaveScript stores a new script version verbatim
func (s *Server) handleSaveScript(c *gin.Context) {
	project := c.Param("project")

	var req struct {
		Script *string `json:"script" form:"script"`
	}

	if err := c.ShouldBind(&req); err != nil || req.Script == nil || *req.Script == "" {
		c.String(http.StatusBadRequest, `missing "script" in body`)
		return
	}

	rec, err := s.scripts.Save(c.Request.Context(), project, *req.Script)
	if err != nil {
		s.logger.Error().Err(err).Str("project", project).Msg("save script failed")
		c.String(http.StatusInternalServerError, "error saving script")
		return
	}

	s.logger.Info().Str("project", project).Str("script_id", rec.ID).Msg("script saved")

	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"id":         rec.ID,
		"project":    rec.Project,
		"created_at": rec.CreatedAt,
		"warnings":   scriptWarnings(rec.Script),
	})
}

// handleGetScript returns the latest raw script of a project
func (s *Server) handleGetScript(c *gin.Context) {
	project := c.Param("project")

	rec, err := s.scripts.Latest(c.Request.Context(), project)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "script not found"})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("project", project).Msg("load script failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load script"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         rec.ID,
		"project":    rec.Project,
		"script":     rec.Script,
		"created_at": rec.CreatedAt,
		"warnings":   scriptWarnings(rec.Script),
	})
}

// handleGetHistory lists saved versions, newest first
func (s *Server) handleGetHistory(c *gin.Context) {
	project := c.Param("project")
	limit, _ := strconv.Atoi(c.Query("limit"))

	scripts, err := s.scripts.History(c.Request.Context(), project, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("project", project).Msg("load history failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	if scripts == nil {
		scripts = []*store.Script{}
	}

	c.JSON(http.StatusOK, gin.H{"scripts": scripts})
}

// handleBroadcast expands an ad hoc document and publishes it to every
// subscribed device
func (s *Server) handleBroadcast(c *gin.Context) {
	var req struct {
		Message *string `json:"message" form:"message"`
	}

	if err := c.ShouldBind(&req); err != nil || req.Message == nil || *req.Message == "" {
		c.String(http.StatusBadRequest, `Missing "message"`)
		return
	}

	doc, err := faxformat.ParseString(*req.Message)
	if err != nil {
		s.logger.Warn().Err(err).Msg("broadcast message is not a valid command document")
		c.String(http.StatusBadRequest, "Invalid JSON")
		return
	}

	expanded := s.expander.Expand(c.Request.Context(), doc.Commands)

	list, err := faxformat.EncodeCommands(expanded)
	if err != nil {
		s.logger.Error().Err(err).Msg("broadcast encode failed")
		c.String(http.StatusInternalServerError, "Broadcast error")
		return
	}
	payload := wrapList(`{"commands":`, list)

	if err := s.publisher.Publish(c.Request.Context(), s.topic, payload); err != nil {
		s.logger.Error().Err(err).Str("topic", s.topic).Msg("publish failed")
		c.String(http.StatusInternalServerError, "Failed to publish")
		return
	}

	delivered := s.hub.Broadcast(s.topic, payload)
	s.logger.Info().Str("topic", s.topic).Int("bytes", len(payload)).Int("ws_clients", delivered).Msg("broadcast published")

	c.Data(http.StatusOK, "application/json; charset=utf-8", wrapList(`{"ok":true,"commands":`, list))
}

// wrapList closes a JSON object opened by prefix around an encoded list
func wrapList(prefix string, list []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(list)+1)
	out = append(out, prefix...)
	out = append(out, list...)
	return append(out, '}')
}

func scriptWarnings(script string) []string {
	doc, err := faxformat.ParseString(script)
	if err != nil {
		return []string{err.Error()}
	}

	warnings := []string{}
	for _, issue := range faxformat.Validate(doc) {
		warnings = append(warnings, issue.String())
	}
	return warnings
}
