package handlers

import (
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"farmreach/internal/apperr"
	"farmreach/internal/models"
	"farmreach/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxMessageRunes = 2000

func SendMessage(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := identity(r)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		var req struct {
			RecipientID string `json:"recipient_id"`
			Body        string `json:"body"`
		}
		if err := decode(w, r, &req); err != nil {
			respondError(w, r, lg, err)
			return
		}
		req.Body = strings.TrimSpace(req.Body)
		switch {
		case req.Body == "":
			respondError(w, r, lg, apperr.Validation("body required"))
			return
		case utf8.RuneCountInString(req.Body) > maxMessageRunes:
			respondError(w, r, lg, apperr.Validation("body exceeds %d characters", maxMessageRunes))
			return
		case req.RecipientID == id.UserID:
			respondError(w, r, lg, apperr.Validation("cannot message yourself"))
			return
		}
		if _, err := uuid.Parse(req.RecipientID); err != nil {
			respondError(w, r, lg, apperr.NotFound("recipient"))
			return
		}
		recipient, err := store.New(db).UserByID(ctx, req.RecipientID)
		if apperr.Is(err, apperr.KindNotFound) || (err == nil && !recipient.IsActive) {
			respondError(w, r, lg, apperr.NotFound("recipient"))
			return
		}
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		m := models.Message{SenderID: id.UserID, RecipientID: recipient.ID, Body: req.Body}
		if err := db.WithContext(ctx).Create(&m).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("send message", err))
			return
		}
		respondStatus(w, http.StatusCreated, m)
	}
}

// ListMessages returns messages the caller sent or received. with narrows to
// one conversation; unread=1 keeps unread incoming messages.
func ListMessages(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := identity(r)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		me := id.UserID
		q := db.WithContext(r.Context())
		if with := r.URL.Query().Get("with"); with != "" {
			if _, err := uuid.Parse(with); err != nil {
				respondError(w, r, lg, apperr.Validation("with must be a user id"))
				return
			}
			q = q.Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)", me, with, with, me)
		} else {
			q = q.Where("sender_id = ? OR recipient_id = ?", me, me)
		}
		if r.URL.Query().Get("unread") == "1" {
			q = q.Where("recipient_id = ? AND read_at IS NULL", me)
		}
		limit, offset := pageParams(r)
		msgs := []models.Message{}
		if err := q.Order("created_at desc").Limit(limit).Offset(offset).Find(&msgs).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("list messages", err))
			return
		}
		respondJSON(w, msgs)
	}
}

// MarkMessageRead stamps read_at on a message addressed to the caller.
// Messages addressed to anyone else are reported as not found.
func MarkMessageRead(db *gorm.DB, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := identity(r)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		msgID, err := idParam(r, "id", "message")
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		var m models.Message
		if err := db.WithContext(ctx).First(&m, "id = ? AND recipient_id = ?", msgID, id.UserID).Error; err != nil {
			respondError(w, r, lg, store.Classify(err, "message"))
			return
		}
		if m.ReadAt == nil {
			now := time.Now().UTC()
			if err := db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", m.ID).
				Update("read_at", now).Error; err != nil {
				respondError(w, r, lg, apperr.Dependency("mark message read", err))
				return
			}
			m.ReadAt = &now
		}
		respondJSON(w, m)
	}
}
