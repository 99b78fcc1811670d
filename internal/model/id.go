package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeCommand      IDType = "cmd"
	IDTypeConfirmation IDType = "cfm"
)

var validIDTypes = map[IDType]bool{
	IDTypeCommand:      true,
	IDTypeConfirmation: true,
}

var idRegex = regexp.MustCompile(`^(cmd|cfm)_([0-9a-f]{8}-[0-9a-f]{4}-7[0-9a-f]{3}-[0-9a-f]{4}-[0-9a-f]{12})$`)

// GenerateID returns "<type>_<uuidv7>"; v7 keeps IDs ordered by creation time.
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return fmt.Sprintf("%s_%s", idType, id.String()), nil
}

// MustGenerateID is GenerateID for callers that cannot surface an error.
// It falls back to a timestamp suffix, which still satisfies uniqueness per process.
func MustGenerateID(idType IDType) string {
	id, err := GenerateID(idType)
	if err != nil {
		return fmt.Sprintf("%s_%d", idType, time.Now().UnixNano())
	}
	return id
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return IDType(match[1]), nil
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	u, err := uuid.Parse(match[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("parse uuid from ID %s: %w", id, err)
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec), nil
}
