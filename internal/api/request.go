package api

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/papertrade/internal/models"
)

type registerRequest struct {
	Username string      `json:"username"`
	Password string      `json:"password"`
	Tier     models.Tier `json:"tier"`
}

func (r registerRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required, validation.Length(1, 50)),
		validation.Field(&r.Password, validation.Required, validation.Length(1, 72)),
		validation.Field(&r.Tier, validation.In(models.TierBasic, models.TierPro)),
	)
}

type classroomRequest struct {
	Name string `json:"name"`
}

func (r classroomRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 100)),
	)
}

type enrollRequest struct {
	StudentID int             `json:"student_id"`
	Name      string          `json:"name"`
	Cash      decimal.Decimal `json:"cash"`
}

func (r enrollRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.StudentID, validation.Required, validation.Min(1)),
		validation.Field(&r.Name, validation.Required),
	)
}

type portfolioRequest struct {
	Name string          `json:"name"`
	Cash decimal.Decimal `json:"cash"`
}

// portfolioPatchRequest leaves a field nil when it is absent from the body
type portfolioPatchRequest struct {
	Name *string          `json:"name"`
	Cash *decimal.Decimal `json:"cash"`
}

func (r portfolioPatchRequest) Validate() error {
	if r.Name == nil && r.Cash == nil {
		return errors.New("name or cash required")
	}
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.NilOrNotEmpty, validation.Length(1, 100)),
	)
}
