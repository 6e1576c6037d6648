package handlers

import (
	"net/http"
	"strings"
	"unicode"

	"farmreach/internal/apperr"
	"farmreach/internal/auth"
	"farmreach/internal/models"
	"farmreach/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type farmerReq struct {
	ProjectID     *string  `json:"project_id"`
	FullName      *string  `json:"full_name"`
	Phone         *string  `json:"phone"`
	Village       *string  `json:"village"`
	Gender        *string  `json:"gender"`
	Crops         *string  `json:"crops"`
	LandSizeAcres *float64 `json:"land_size_acres"`
}

var genders = map[string]bool{"": true, "female": true, "male": true, "other": true}

// normalizePhone keeps digits and a leading plus.
func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, c := range s {
		if unicode.IsDigit(c) || (i == 0 && c == '+') {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func validPhone(p string) bool {
	digits := strings.TrimPrefix(p, "+")
	return len(digits) >= 7 && len(digits) <= 15
}

func loadFarmer(r *http.Request, db *gorm.DB) (*models.Farmer, error) {
	id, err := idParam(r, "id", "farmer")
	if err != nil {
		return nil, err
	}
	var f models.Farmer
	if err := db.WithContext(r.Context()).First(&f, "id = ?", id).Error; err != nil {
		return nil, store.Classify(err, "farmer")
	}
	return &f, nil
}

func projectExists(r *http.Request, db *gorm.DB, projectID string) error {
	ok, err := store.Exists(r.Context(), db, &models.Project{}, "id = ?", projectID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("project")
	}
	return nil
}

func phoneTaken(r *http.Request, db *gorm.DB, projectID, phone, exceptID string) error {
	q, args := "project_id = ? AND phone = ?", []any{projectID, phone}
	if exceptID != "" {
		q += " AND id <> ?"
		args = append(args, exceptID)
	}
	taken, err := store.Exists(r.Context(), db, &models.Farmer{}, q, args...)
	if err != nil {
		return err
	}
	if taken {
		return apperr.Conflict("phone %s is already registered in this project", phone)
	}
	return nil
}

// ListFarmers returns farmer records inside the caller's scope, optionally
// narrowed by project_id and village.
func ListFarmers(db *gorm.DB, lg *zap.SugaredLogger, scoper *auth.Scoper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, scope, err := requestScope(r, scoper)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		q := db.WithContext(r.Context()).Scopes(scope.Apply("project_id"))
		if pid := r.URL.Query().Get("project_id"); pid != "" {
			if _, err := uuid.Parse(pid); err != nil {
				respondError(w, r, lg, apperr.Validation("project_id must be a uuid"))
				return
			}
			q = q.Where("project_id = ?", pid)
		}
		if v := strings.TrimSpace(r.URL.Query().Get("village")); v != "" {
			q = q.Where("village = ?", v)
		}
		limit, offset := pageParams(r)
		farmers := []models.Farmer{}
		if err := q.Order("created_at desc").Limit(limit).Offset(offset).Find(&farmers).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("list farmers", err))
			return
		}
		respondJSON(w, farmers)
	}
}

func GetFarmer(db *gorm.DB, lg *zap.SugaredLogger, scoper *auth.Scoper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, scope, err := requestScope(r, scoper)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		f, err := loadFarmer(r, db)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if !scope.Allows(f.ProjectID) {
			respondError(w, r, lg, apperr.Forbidden("project out of scope"))
			return
		}
		respondJSON(w, f)
	}
}

func CreateFarmer(db *gorm.DB, lg *zap.SugaredLogger, scoper *auth.Scoper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, scope, err := requestScope(r, scoper)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		var req farmerReq
		if err := decode(w, r, &req); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if req.ProjectID == nil || req.FullName == nil || req.Phone == nil {
			respondError(w, r, lg, apperr.Validation("project_id, full_name and phone required"))
			return
		}
		f := models.Farmer{ProjectID: *req.ProjectID, CreatedBy: id.UserID}
		if err := applyFarmer(&f, req); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := scope.CheckWrite(f.ProjectID); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := projectExists(r, db, f.ProjectID); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := phoneTaken(r, db, f.ProjectID, f.Phone, ""); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := db.WithContext(ctx).Create(&f).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("create farmer", err))
			return
		}
		audit(ctx, db, lg, id.UserID, "FARMER_CREATED", map[string]any{"farmer_id": f.ID, "project_id": f.ProjectID})
		respondStatus(w, http.StatusCreated, f)
	}
}

// UpdateFarmer edits a record. Moving it to another project needs write
// scope over both projects.
func UpdateFarmer(db *gorm.DB, lg *zap.SugaredLogger, scoper *auth.Scoper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, scope, err := requestScope(r, scoper)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		var req farmerReq
		if err := decode(w, r, &req); err != nil {
			respondError(w, r, lg, err)
			return
		}
		f, err := loadFarmer(r, db)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := scope.CheckWrite(f.ProjectID); err != nil {
			respondError(w, r, lg, err)
			return
		}
		from, oldPhone := f.ProjectID, f.Phone
		if req.ProjectID != nil {
			f.ProjectID = *req.ProjectID
		}
		if err := applyFarmer(f, req); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if f.ProjectID != from {
			if err := scope.CheckWrite(f.ProjectID); err != nil {
				respondError(w, r, lg, err)
				return
			}
			if err := projectExists(r, db, f.ProjectID); err != nil {
				respondError(w, r, lg, err)
				return
			}
		}
		if f.ProjectID != from || f.Phone != oldPhone {
			if err := phoneTaken(r, db, f.ProjectID, f.Phone, f.ID); err != nil {
				respondError(w, r, lg, err)
				return
			}
		}
		if err := db.WithContext(ctx).Model(&models.Farmer{}).Where("id = ?", f.ID).
			Updates(map[string]interface{}{
				"project_id":     f.ProjectID,
				"full_name":      f.FullName,
				"phone":          f.Phone,
				"village":        f.Village,
				"gender":         f.Gender,
				"crops":          f.Crops,
				"land_size_acre": f.LandSizeAcre,
			}).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("update farmer", err))
			return
		}
		audit(ctx, db, lg, id.UserID, "FARMER_UPDATED", map[string]any{"farmer_id": f.ID, "from_project": from, "project_id": f.ProjectID})
		respondJSON(w, f)
	}
}

func DeleteFarmer(db *gorm.DB, lg *zap.SugaredLogger, scoper *auth.Scoper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, scope, err := requestScope(r, scoper)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		f, err := loadFarmer(r, db)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := scope.CheckWrite(f.ProjectID); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := db.WithContext(ctx).Delete(&models.Farmer{}, "id = ?", f.ID).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("delete farmer", err))
			return
		}
		audit(ctx, db, lg, id.UserID, "FARMER_DELETED", map[string]any{"farmer_id": f.ID, "project_id": f.ProjectID})
		respondJSON(w, map[string]any{"deleted": true})
	}
}

// applyFarmer copies the set fields of req onto f and validates the result.
func applyFarmer(f *models.Farmer, req farmerReq) error {
	if req.FullName != nil {
		f.FullName = strings.TrimSpace(*req.FullName)
	}
	if req.Phone != nil {
		f.Phone = normalizePhone(*req.Phone)
	}
	if req.Village != nil {
		f.Village = strings.TrimSpace(*req.Village)
	}
	if req.Gender != nil {
		f.Gender = strings.ToLower(strings.TrimSpace(*req.Gender))
	}
	if req.Crops != nil {
		f.Crops = strings.TrimSpace(*req.Crops)
	}
	if req.LandSizeAcres != nil {
		f.LandSizeAcre = *req.LandSizeAcres
	}
	if _, err := uuid.Parse(f.ProjectID); err != nil {
		return apperr.Validation("project_id must be a uuid")
	}
	switch {
	case f.FullName == "":
		return apperr.Validation("full_name required")
	case !validPhone(f.Phone):
		return apperr.Validation("phone must have 7 to 15 digits")
	case !genders[f.Gender]:
		return apperr.Validation("gender must be female, male or other")
	case f.LandSizeAcre < 0:
		return apperr.Validation("land_size_acres must not be negative")
	}
	return nil
}
