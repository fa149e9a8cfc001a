// Package auth stores the gateway's local IRC accounts.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// bcryptCost is the default cost for bcrypt hashing.
	bcryptCost = 10

	// MinPasswordLength is the shortest password accepted for an account.
	MinPasswordLength = 8

	dbName = "users.db"
)

var (
	ErrUnknownUser  = errors.New("unknown user")
	ErrBadPassword  = errors.New("password incorrect")
	ErrWeakPassword = errors.New("password must be at least 8 characters without spaces")
	ErrNoPassword   = errors.New("please set a password for this new account")
)

// User is one local account.
type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// Store is the account database.
type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the account database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create users directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, dbName)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open account database: %w", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, fmt.Errorf("failed to migrate account database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Authenticate checks password for username and records the login. A
// username that does not exist yet is created when password is set.
// It reports whether the account was created.
func (s *Store) Authenticate(username, password string) (created bool, err error) {
	username = normalize(username)

	var user User
	err = s.db.Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if password == "" {
			return false, ErrNoPassword
		}
		if err := s.Create(username, password); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", username, err)
	}

	if err := ComparePassword(user.PasswordHash, password); err != nil {
		return false, ErrBadPassword
	}

	now := time.Now()
	if err := s.db.Model(&user).Update("last_login", &now).Error; err != nil {
		return false, fmt.Errorf("failed to record login: %w", err)
	}
	return false, nil
}

// Create adds a new account.
func (s *Store) Create(username, password string) error {
	if err := CheckPassword(password); err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	now := time.Now()
	user := User{Username: normalize(username), PasswordHash: hash, LastLogin: &now}
	if err := s.db.Create(&user).Error; err != nil {
		return fmt.Errorf("failed to create %s: %w", username, err)
	}
	return nil
}

// SetPassword changes the password of an existing account.
func (s *Store) SetPassword(username, password string) error {
	if err := CheckPassword(password); err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	res := s.db.Model(&User{}).Where("username = ?", normalize(username)).Update("password_hash", hash)
	if res.Error != nil {
		return fmt.Errorf("failed to update %s: %w", username, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUnknownUser
	}
	return nil
}

// Exists reports whether username has an account.
func (s *Store) Exists(username string) (bool, error) {
	var count int64
	if err := s.db.Model(&User{}).Where("username = ?", normalize(username)).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", username, err)
	}
	return count > 0, nil
}

// CheckPassword applies the password policy.
func CheckPassword(password string) error {
	if len(password) < MinPasswordLength || strings.IndexFunc(password, unicode.IsSpace) >= 0 {
		return ErrWeakPassword
	}
	return nil
}

// HashPassword generates a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// ComparePassword compares a bcrypt hashed password with its plaintext version.
func ComparePassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

func normalize(username string) string {
	return strings.ToLower(username)
}
