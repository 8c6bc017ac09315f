package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// isUniqueViolationError reports whether err came from a unique index
// violation. The message sniffing covers drivers that do not translate
// the postgres error code into gorm.ErrDuplicatedKey.
func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
