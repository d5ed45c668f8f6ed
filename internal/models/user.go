package models

import (
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type UserRole string

const (
	UserRolePassenger UserRole = "passenger"
	UserRoleDriver    UserRole = "driver"
)

type User struct {
	gorm.Model
	Username     string `gorm:"column:username;unique;not null" json:"username"`
	Email        string `gorm:"column:email;unique;not null" json:"email"`
	Password     string `gorm:"-:migration" json:"-"` // Temporary field for password handling
	PasswordHash string `gorm:"column:password_hash;not null" json:"-"`
	PhoneNumber  string `gorm:"column:phone_number" json:"phoneNumber"`
	PhotoURL     string `gorm:"column:photo_url" json:"photoUrl,omitempty"`
	FCMToken     string `gorm:"column:fcm_token" json:"-"`
	Role         string `gorm:"column:role;not null" json:"role"`
}

// TableName specifies the table name
func (User) TableName() string {
	return "users"
}

func (u *User) HashPassword() error {
	if u.Password == "" {
		return nil
	}
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hashedPassword)
	return nil
}

func (u *User) CheckPassword(password string) error {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
}
