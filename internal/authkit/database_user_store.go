package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DatabaseUserStore persists accounts using GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

type userRecord struct {
	UserID        string    `gorm:"column:user_id;primaryKey"`
	Email         string    `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash  string    `gorm:"column:password_hash;not null;default:''"`
	GoogleSub     *string   `gorm:"column:google_sub;uniqueIndex"`
	Plan          string    `gorm:"column:plan;not null"`
	EmailVerified bool      `gorm:"column:email_verified;not null;default:false"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

func (record userRecord) profile() UserProfile {
	return UserProfile{
		ID:            record.UserID,
		Email:         record.Email,
		Plan:          record.Plan,
		EmailVerified: record.EmailVerified,
		CreatedAt:     record.CreatedAt,
	}
}

// CreateUser registers a password account on the free plan.
func (store *DatabaseUserStore) CreateUser(ctx context.Context, userEmail string, password string) (UserProfile, error) {
	normalized, emailErr := normalizeEmail(userEmail)
	if emailErr != nil {
		return UserProfile{}, emailErr
	}
	passwordHash, hashErr := hashPassword(password)
	if hashErr != nil {
		return UserProfile{}, hashErr
	}
	record := userRecord{
		UserID:       uuid.NewString(),
		Email:        normalized,
		PasswordHash: passwordHash,
		Plan:         DefaultPlan,
		CreatedAt:    store.now().UTC(),
	}
	createErr := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing int64
		if err := transaction.Model(&userRecord{}).Where("email = ?", normalized).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrUserExists
		}
		return transaction.Create(&record).Error
	})
	if createErr != nil {
		return UserProfile{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, createErr)
	}
	return record.profile(), nil
}

// Authenticate verifies the password for the account with the given email.
func (store *DatabaseUserStore) Authenticate(ctx context.Context, userEmail string, password string) (UserProfile, error) {
	normalized, emailErr := normalizeEmail(userEmail)
	if emailErr != nil {
		return UserProfile{}, fmt.Errorf("user_store.authenticate.%s: %w", store.driverLabel, ErrInvalidCredentials)
	}
	var record userRecord
	findErr := store.db.WithContext(ctx).Where("email = ?", normalized).Take(&record).Error
	if errors.Is(findErr, gorm.ErrRecordNotFound) {
		return UserProfile{}, fmt.Errorf("user_store.authenticate.%s: %w", store.driverLabel, ErrInvalidCredentials)
	}
	if findErr != nil {
		return UserProfile{}, fmt.Errorf("user_store.authenticate.%s: %w", store.driverLabel, findErr)
	}
	if checkErr := checkPassword(record.PasswordHash, password); checkErr != nil {
		return UserProfile{}, fmt.Errorf("user_store.authenticate.%s: %w", store.driverLabel, checkErr)
	}
	return record.profile(), nil
}

// UpsertGoogleUser links a Google subject to an account, creating one when needed.
func (store *DatabaseUserStore) UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string) (UserProfile, error) {
	normalized, emailErr := normalizeEmail(userEmail)
	if emailErr != nil {
		return UserProfile{}, emailErr
	}
	var result userRecord
	upsertErr := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		findErr := transaction.Where("google_sub = ?", googleSub).Take(&result).Error
		if findErr == nil {
			return nil
		}
		if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}
		findErr = transaction.Where("email = ?", normalized).Take(&result).Error
		if findErr == nil {
			result.GoogleSub = &googleSub
			result.EmailVerified = true
			return transaction.Model(&userRecord{}).Where("user_id = ?", result.UserID).
				Updates(map[string]interface{}{"google_sub": googleSub, "email_verified": true}).Error
		}
		if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}
		result = userRecord{
			UserID:        uuid.NewString(),
			Email:         normalized,
			GoogleSub:     &googleSub,
			Plan:          DefaultPlan,
			EmailVerified: true,
			CreatedAt:     store.now().UTC(),
		}
		return transaction.Create(&result).Error
	})
	if upsertErr != nil {
		return UserProfile{}, fmt.Errorf("user_store.upsert_google.%s: %w", store.driverLabel, upsertErr)
	}
	return result.profile(), nil
}

// GetUserProfile returns the profile for an account id.
func (store *DatabaseUserStore) GetUserProfile(ctx context.Context, applicationUserID string) (UserProfile, error) {
	var record userRecord
	findErr := store.db.WithContext(ctx).Where("user_id = ?", applicationUserID).Take(&record).Error
	if errors.Is(findErr, gorm.ErrRecordNotFound) {
		return UserProfile{}, fmt.Errorf("user_store.get.%s: %w", store.driverLabel, ErrUserNotFound)
	}
	if findErr != nil {
		return UserProfile{}, fmt.Errorf("user_store.get.%s: %w", store.driverLabel, findErr)
	}
	return record.profile(), nil
}
