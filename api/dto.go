package api

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"taskboard-api/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type createTaskRequest struct {
	Title        string    `json:"title" validate:"required,min=1,max=100"`
	Description  string    `json:"description" validate:"max=2000"`
	DueDate      time.Time `json:"dueDate" validate:"required"`
	Priority     string    `json:"priority" validate:"omitempty,oneof=Low Medium High Urgent"`
	AssignedToID string    `json:"assignedToId"`
	Position     *float64  `json:"position"`
}

// normalize trims surrounding whitespace before validation so a blank title
// cannot sneak past the min length rule.
func (r *createTaskRequest) normalize() {
	r.Title = strings.TrimSpace(r.Title)
}

func (r createTaskRequest) toDomain() domain.TaskCreate {
	return domain.TaskCreate{
		Title:        r.Title,
		Description:  r.Description,
		DueDate:      r.DueDate,
		Priority:     domain.Priority(r.Priority),
		AssignedToID: r.AssignedToID,
		Position:     r.Position,
	}
}

type updateTaskRequest struct {
	Title        *string    `json:"title" validate:"omitempty,min=1,max=100"`
	Description  *string    `json:"description" validate:"omitempty,max=2000"`
	DueDate      *time.Time `json:"dueDate"`
	Priority     *string    `json:"priority" validate:"omitempty,oneof=Low Medium High Urgent"`
	Status       *string    `json:"status" validate:"omitempty,oneof='To Do' 'In Progress' 'Review' 'Completed'"`
	AssignedToID *string    `json:"assignedToId"`
	Position     *float64   `json:"position"`
}

// normalize trims a provided title in place. Validation of the trimmed value
// happens afterwards; a title that trims to nothing is rejected.
func (r *updateTaskRequest) normalize() {
	if r.Title != nil {
		title := strings.TrimSpace(*r.Title)
		r.Title = &title
	}
}

func (r updateTaskRequest) toDomain() domain.TaskUpdate {
	upd := domain.TaskUpdate{
		Title:        r.Title,
		Description:  r.Description,
		AssignedToID: r.AssignedToID,
		Position:     r.Position,
	}
	upd.DueDate = r.DueDate
	if r.Priority != nil {
		p := domain.Priority(*r.Priority)
		upd.Priority = &p
	}
	if r.Status != nil {
		s := domain.Status(*r.Status)
		upd.Status = &s
	}
	return upd
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=20,alphanum"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	User  domain.User `json:"user"`
	Token string      `json:"token"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// validationFields flattens validator errors into field -> failed rule.
func validationFields(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		if name != "" {
			name = strings.ToLower(name[:1]) + name[1:]
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		fields[name] = rule
	}
	return fields
}
