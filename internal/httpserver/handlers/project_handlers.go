package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"farmreach/internal/apperr"
	"farmreach/internal/auth"
	"farmreach/internal/models"
	"farmreach/internal/store"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

func loadProject(r *http.Request, db *gorm.DB) (*models.Project, error) {
	id, err := idParam(r, "id", "project")
	if err != nil {
		return nil, err
	}
	var p models.Project
	if err := db.WithContext(r.Context()).First(&p, "id = ?", id).Error; err != nil {
		return nil, store.Classify(err, "project")
	}
	return &p, nil
}

// ListProjects returns the projects inside the caller's scope.
func ListProjects(db *gorm.DB, lg *zap.SugaredLogger, scoper *auth.Scoper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, scope, err := requestScope(r, scoper)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		q := db.WithContext(r.Context()).Scopes(scope.Apply("id"))
		if v := r.URL.Query().Get("active"); v != "" {
			active, err := strconv.ParseBool(v)
			if err != nil {
				respondError(w, r, lg, apperr.Validation("active must be true or false"))
				return
			}
			q = q.Where("active = ?", active)
		}
		projects := []models.Project{}
		if err := q.Order("name").Find(&projects).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("list projects", err))
			return
		}
		respondJSON(w, projects)
	}
}

func GetProject(db *gorm.DB, lg *zap.SugaredLogger, scoper *auth.Scoper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, scope, err := requestScope(r, scoper)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		p, err := loadProject(r, db)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if !scope.Allows(p.ID) {
			respondError(w, r, lg, apperr.Forbidden("project out of scope"))
			return
		}
		respondJSON(w, p)
	}
}

type projectReq struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Active      *bool   `json:"active"`
	StartDate   *string `json:"start_date"`
	EndDate     *string `json:"end_date"`
}

// CreateProject adds a project. A scoped creator is assigned to it so the
// new project stays visible to them.
func CreateProject(db *gorm.DB, lg *zap.SugaredLogger, scoper *auth.Scoper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, scope, err := requestScope(r, scoper)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		var req projectReq
		if err := decode(w, r, &req); err != nil {
			respondError(w, r, lg, err)
			return
		}
		p := models.Project{Active: req.Active == nil || *req.Active}
		if req.Name != nil {
			p.Name = strings.TrimSpace(*req.Name)
		}
		if p.Name == "" {
			respondError(w, r, lg, apperr.Validation("name required"))
			return
		}
		if req.Description != nil {
			p.Description = strings.TrimSpace(*req.Description)
		}
		if p.StartDate, err = optionalDate("start_date", req.StartDate); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if p.EndDate, err = optionalDate("end_date", req.EndDate); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := checkRange(p.StartDate, p.EndDate); err != nil {
			respondError(w, r, lg, err)
			return
		}
		taken, err := store.Exists(ctx, db, &models.Project{}, "name = ?", p.Name)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if taken {
			respondError(w, r, lg, apperr.Conflict("project %q already exists", p.Name))
			return
		}
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Omit("Users").Create(&p).Error; err != nil {
				return err
			}
			if scope.All() {
				return nil
			}
			return assignUser(tx, p.ID, id.UserID)
		})
		if err != nil {
			respondError(w, r, lg, apperr.Dependency("create project", err))
			return
		}
		audit(ctx, db, lg, id.UserID, "PROJECT_CREATED", map[string]any{"project_id": p.ID, "name": p.Name})
		respondStatus(w, http.StatusCreated, p)
	}
}

func UpdateProject(db *gorm.DB, lg *zap.SugaredLogger, scoper *auth.Scoper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, scope, err := requestScope(r, scoper)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		var req projectReq
		if err := decode(w, r, &req); err != nil {
			respondError(w, r, lg, err)
			return
		}
		p, err := loadProject(r, db)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := scope.CheckWrite(p.ID); err != nil {
			respondError(w, r, lg, err)
			return
		}
		changes := map[string]interface{}{}
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				respondError(w, r, lg, apperr.Validation("name required"))
				return
			}
			if name != p.Name {
				taken, err := store.Exists(ctx, db, &models.Project{}, "name = ? AND id <> ?", name, p.ID)
				if err != nil {
					respondError(w, r, lg, err)
					return
				}
				if taken {
					respondError(w, r, lg, apperr.Conflict("project %q already exists", name))
					return
				}
				changes["name"] = name
			}
		}
		if req.Description != nil {
			changes["description"] = strings.TrimSpace(*req.Description)
		}
		if req.Active != nil {
			changes["active"] = *req.Active
		}
		start, end := p.StartDate, p.EndDate
		if req.StartDate != nil {
			if start, err = optionalDate("start_date", req.StartDate); err != nil {
				respondError(w, r, lg, err)
				return
			}
			changes["start_date"] = start
		}
		if req.EndDate != nil {
			if end, err = optionalDate("end_date", req.EndDate); err != nil {
				respondError(w, r, lg, err)
				return
			}
			changes["end_date"] = end
		}
		if err := checkRange(start, end); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if len(changes) > 0 {
			if err := db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", p.ID).
				Updates(changes).Error; err != nil {
				respondError(w, r, lg, apperr.Dependency("update project", err))
				return
			}
			audit(ctx, db, lg, id.UserID, "PROJECT_UPDATED", map[string]any{"project_id": p.ID})
		}
		respondJSON(w, map[string]any{"updated": true})
	}
}

// DeleteProject removes an empty project with its seasons and assignments.
func DeleteProject(db *gorm.DB, lg *zap.SugaredLogger, scoper *auth.Scoper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, scope, err := requestScope(r, scoper)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		p, err := loadProject(r, db)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := scope.CheckWrite(p.ID); err != nil {
			respondError(w, r, lg, err)
			return
		}
		hasFarmers, err := store.Exists(ctx, db, &models.Farmer{}, "project_id = ?", p.ID)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if hasFarmers {
			respondError(w, r, lg, apperr.Conflict("project %q still has farmer records", p.Name))
			return
		}
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Delete(&models.Season{}, "project_id = ?", p.ID).Error; err != nil {
				return err
			}
			if err := tx.Exec("DELETE FROM project_users WHERE project_id = ?", p.ID).Error; err != nil {
				return err
			}
			return tx.Delete(&models.Project{}, "id = ?", p.ID).Error
		})
		if err != nil {
			respondError(w, r, lg, apperr.Dependency("delete project", err))
			return
		}
		audit(ctx, db, lg, id.UserID, "PROJECT_DELETED", map[string]any{"project_id": p.ID, "name": p.Name})
		respondJSON(w, map[string]any{"deleted": true})
	}
}

func AssignProjectUser(db *gorm.DB, lg *zap.SugaredLogger, scoper *auth.Scoper) http.HandlerFunc {
	return projectMembership(db, lg, scoper, true)
}

func UnassignProjectUser(db *gorm.DB, lg *zap.SugaredLogger, scoper *auth.Scoper) http.HandlerFunc {
	return projectMembership(db, lg, scoper, false)
}

func projectMembership(db *gorm.DB, lg *zap.SugaredLogger, scoper *auth.Scoper, assign bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, scope, err := requestScope(r, scoper)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		p, err := loadProject(r, db)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := scope.CheckWrite(p.ID); err != nil {
			respondError(w, r, lg, err)
			return
		}
		userID, err := idParam(r, "userID", "user")
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if _, err := store.New(db).UserByID(ctx, userID); err != nil {
			respondError(w, r, lg, err)
			return
		}
		md := map[string]any{"project_id": p.ID, "user_id": userID}
		if assign {
			if err := assignUser(db.WithContext(ctx), p.ID, userID); err != nil {
				respondError(w, r, lg, apperr.Dependency("assign user", err))
				return
			}
			audit(ctx, db, lg, id.UserID, "PROJECT_USER_ASSIGNED", md)
			respondJSON(w, map[string]any{"assigned": true})
			return
		}
		if err := db.WithContext(ctx).Exec("DELETE FROM project_users WHERE project_id = ? AND user_id = ?",
			p.ID, userID).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("unassign user", err))
			return
		}
		audit(ctx, db, lg, id.UserID, "PROJECT_USER_UNASSIGNED", md)
		respondJSON(w, map[string]any{"unassigned": true})
	}
}

func ListSeasons(db *gorm.DB, lg *zap.SugaredLogger, scoper *auth.Scoper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, scope, err := requestScope(r, scoper)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		p, err := loadProject(r, db)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if !scope.Allows(p.ID) {
			respondError(w, r, lg, apperr.Forbidden("project out of scope"))
			return
		}
		seasons := []models.Season{}
		if err := db.WithContext(r.Context()).Where("project_id = ?", p.ID).
			Order("start_date").Find(&seasons).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("list seasons", err))
			return
		}
		respondJSON(w, seasons)
	}
}

// CreateSeason adds a dated cycle to a project. Seasons may not overlap and
// must fall inside the project's own dates when those are set.
func CreateSeason(db *gorm.DB, lg *zap.SugaredLogger, scoper *auth.Scoper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, scope, err := requestScope(r, scoper)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		var req struct {
			Name      string `json:"name"`
			StartDate string `json:"start_date"`
			EndDate   string `json:"end_date"`
		}
		if err := decode(w, r, &req); err != nil {
			respondError(w, r, lg, err)
			return
		}
		p, err := loadProject(r, db)
		if err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := scope.CheckWrite(p.ID); err != nil {
			respondError(w, r, lg, err)
			return
		}
		s := models.Season{ProjectID: p.ID, Name: strings.TrimSpace(req.Name)}
		if s.Name == "" {
			respondError(w, r, lg, apperr.Validation("name required"))
			return
		}
		if s.StartDate, err = parseDate("start_date", req.StartDate); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if s.EndDate, err = parseDate("end_date", req.EndDate); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := checkRange(&s.StartDate, &s.EndDate); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if (p.StartDate != nil && s.StartDate.Before(*p.StartDate)) || (p.EndDate != nil && s.EndDate.After(*p.EndDate)) {
			respondError(w, r, lg, apperr.Validation("season must fall within the project dates"))
			return
		}
		if err := checkSeasonOverlap(ctx, db, p.ID, s.StartDate, s.EndDate); err != nil {
			respondError(w, r, lg, err)
			return
		}
		if err := db.WithContext(ctx).Create(&s).Error; err != nil {
			respondError(w, r, lg, apperr.Dependency("create season", err))
			return
		}
		audit(ctx, db, lg, id.UserID, "SEASON_CREATED", map[string]any{"project_id": p.ID, "season_id": s.ID})
		respondStatus(w, http.StatusCreated, s)
	}
}

// checkSeasonOverlap rejects [start, end) when it intersects another season
// of the project. A failed lookup rejects the write.
func checkSeasonOverlap(ctx context.Context, db *gorm.DB, projectID string, start, end time.Time) error {
	overlaps, err := store.Exists(ctx, db, &models.Season{},
		"project_id = ? AND start_date < ? AND end_date > ?", projectID, end, start)
	if err != nil {
		return err
	}
	if overlaps {
		return apperr.Validation("season overlaps an existing season")
	}
	return nil
}
