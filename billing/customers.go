package billing

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"coreflow-backend/apperr"
	"coreflow-backend/database"
	"coreflow-backend/models"
	"coreflow-backend/utils"
)

// CustomerInput creates a customer.
type CustomerInput struct {
	CompanyName  string `json:"company_name" validate:"required,max=255"`
	Address      string `json:"address"`
	City         string `json:"city"`
	Country      string `json:"country"`
	Zip          string `json:"zip"`
	Homepage     string `json:"homepage"`
	UID          string `json:"uid"`
	Email        string `json:"email" validate:"required,email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	PhoneNumber  string `json:"phone_number"`
	MobileNumber string `json:"mobile_number"`
	Salutation   string `json:"salutation"`
	Title        string `json:"title"`
}

// CustomerPatch updates the non-nil fields of a customer. Version must match the stored one.
type CustomerPatch struct {
	CompanyName  *string `json:"company_name" validate:"omitempty,max=255"`
	Address      *string `json:"address"`
	City         *string `json:"city"`
	Country      *string `json:"country"`
	Zip          *string `json:"zip"`
	Homepage     *string `json:"homepage"`
	UID          *string `json:"uid"`
	Email        *string `json:"email" validate:"omitempty,email"`
	FirstName    *string `json:"first_name"`
	LastName     *string `json:"last_name"`
	PhoneNumber  *string `json:"phone_number"`
	MobileNumber *string `json:"mobile_number"`
	Salutation   *string `json:"salutation"`
	Title        *string `json:"title"`
	Active       *bool   `json:"active"`
	Version      int     `json:"version" validate:"required,min=1"`
}

var errEmailTaken = apperr.New(apperr.CodeInvalid, apperr.WithHTTP(409), apperr.WithMessage("a customer with this email already exists"))

func CreateCustomer(ctx context.Context, db *gorm.DB, tenantID string, in CustomerInput) (*models.Customer, error) {
	utils.Normalize(&in)
	customer := models.Customer{
		TenantID:     tenantID,
		CompanyName:  in.CompanyName,
		Address:      in.Address,
		City:         in.City,
		Country:      in.Country,
		Zip:          in.Zip,
		Homepage:     in.Homepage,
		UID:          in.UID,
		Email:        in.Email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		PhoneNumber:  in.PhoneNumber,
		MobileNumber: in.MobileNumber,
		Salutation:   in.Salutation,
		Title:        in.Title,
		Active:       true,
		Version:      1,
	}
	if err := db.WithContext(ctx).Create(&customer).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return nil, errEmailTaken
		}
		return nil, err
	}
	return &customer, nil
}

func ListCustomers(ctx context.Context, db *gorm.DB, tenantID string) ([]models.Customer, error) {
	var customers []models.Customer
	err := db.WithContext(ctx).Scopes(database.TenantScope(tenantID)).Order("id").Find(&customers).Error
	return customers, err
}

func GetCustomer(ctx context.Context, db *gorm.DB, tenantID string, id uint) (*models.Customer, error) {
	var customer models.Customer
	err := db.WithContext(ctx).Scopes(database.TenantScope(tenantID)).Where("id = ?", id).First(&customer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.CodeNotFound, apperr.WithMessage("customer not found"))
	}
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// UpdateCustomer applies patch when patch.Version is current and bumps the version.
func UpdateCustomer(ctx context.Context, db *gorm.DB, tenantID string, id uint, patch CustomerPatch) (*models.Customer, error) {
	utils.Normalize(&patch)
	updates := utils.PatchColumns(&patch)
	updates["version"] = gorm.Expr("version + 1")

	res := db.WithContext(ctx).Model(&models.Customer{}).
		Scopes(database.TenantScope(tenantID)).
		Where("id = ? AND version = ?", id, patch.Version).
		Updates(updates)
	if res.Error != nil {
		if database.IsUniqueViolation(res.Error) {
			return nil, errEmailTaken
		}
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		current, err := GetCustomer(ctx, db, tenantID, id)
		if err != nil {
			return nil, err
		}
		return nil, apperr.New(apperr.CodeVersionConflict,
			apperr.WithMessage("customer was modified concurrently"),
			apperr.WithDetail("current_version", current.Version))
	}
	return GetCustomer(ctx, db, tenantID, id)
}
