package models

import "time"

// Customer is tenant-owned; Version guards concurrent updates.
type Customer struct {
	Id           uint      `json:"id" gorm:"primaryKey"`
	TenantID     string    `json:"-" gorm:"size:64;not null;uniqueIndex:idx_customers_tenant_email,priority:1"`
	CompanyName  string    `json:"company_name" gorm:"not null"`
	Address      string    `json:"address"`
	City         string    `json:"city"`
	Country      string    `json:"country"`
	Zip          string    `json:"zip"`
	Homepage     string    `json:"homepage"`
	UID          string    `json:"uid"`
	Email        string    `json:"email" gorm:"not null;uniqueIndex:idx_customers_tenant_email,priority:2"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	PhoneNumber  string    `json:"phone_number"`
	MobileNumber string    `json:"mobile_number"`
	Salutation   string    `json:"salutation"`
	Title        string    `json:"title"`
	Active       bool      `json:"active" gorm:"default:true"`
	Version      int       `json:"version" gorm:"not null;default:1"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
