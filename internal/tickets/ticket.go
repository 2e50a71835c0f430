// Package tickets owns incident ticket state: creation, lookup, lifecycle
// transitions and persistence through pluggable adapters.
package tickets

import (
	"fmt"
	"strings"
	"time"
)

// Status is a ticket lifecycle state.
type Status string

const (
	StatusOpen       Status = "Open"
	StatusInProgress Status = "In Progress"
	StatusResolved   Status = "Resolved"
)

// ParseStatus accepts the canonical names plus common spellings of
// "In Progress" (InProgress, in_progress, in-progress).
func ParseStatus(s string) (Status, error) {
	key := strings.ToLower(strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '\t'
	}), ""))
	switch key {
	case "open":
		return StatusOpen, nil
	case "inprogress":
		return StatusInProgress, nil
	case "resolved":
		return StatusResolved, nil
	}
	return "", fmt.Errorf("%w: %q (valid: Open, In Progress, Resolved)", ErrInvalidStatus, s)
}

// Severity classifies incident impact.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// ParseSeverity is case-insensitive.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return "", fmt.Errorf("%w: %q (valid: Low, Medium, High, Critical)", ErrInvalidSeverity, s)
}

// Ticket is an incident record.
type Ticket struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Text renders the ticket the way the status command and tool print it.
func (t Ticket) Text() string {
	return fmt.Sprintf("Ticket ID: %s\nTitle: %s\nDescription: %s\nSeverity: %s\nStatus: %s",
		t.ID, t.Title, t.Description, t.Severity, t.Status)
}

// FormatID builds the public identifier for sequence number n.
func FormatID(n int64) string {
	return fmt.Sprintf("INC-%d", n)
}

// NormalizeID upper-cases the prefix so "inc-3" and "INC-3" are the same ticket.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > 4 && strings.EqualFold(id[:4], "INC-") {
		return "INC-" + id[4:]
	}
	return id
}
