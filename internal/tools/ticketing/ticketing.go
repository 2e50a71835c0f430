// Package ticketing exposes the ticket lifecycle manager as tools.
package ticketing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"opsagent/internal/tickets"
	"opsagent/internal/tools"
	"opsagent/internal/types"
)

var confirmProperty = tools.Property{
	Type:        "boolean",
	Description: "Must be true, and only after the user explicitly confirmed this change.",
	Default:     false,
}

// CreateTicketTool returns the create_ticket tool.
func CreateTicketTool(m *tickets.Manager) *tools.Tool {
	return &tools.Tool{
		Name:        types.ToolCreateTicket,
		Description: "Create a new incident ticket. Requires explicit user confirmation.",
		Mutating:    true,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			title := stringArg(args, "title")
			description := stringArg(args, "description")
			severity := stringArg(args, "severity")
			if severity == "" {
				severity = string(tickets.SeverityMedium)
			}

			t, err := m.Create(ctx, title, description, tickets.Severity(severity))
			if err != nil {
				return "", failure(err, "", severity)
			}
			return fmt.Sprintf("Ticket '%s' created successfully with title: '%s' and severity: '%s'.",
				t.ID, t.Title, t.Severity), nil
		},
		Schema: tools.ToolSchema{
			Required: []string{"title", "description"},
			Properties: map[string]tools.Property{
				"title":       {Type: "string", Description: "Short summary of the incident"},
				"description": {Type: "string", Description: "What happened and what is affected"},
				"severity": {
					Type:        "string",
					Description: "Incident severity",
					Default:     string(tickets.SeverityMedium),
					Enum:        []any{"Low", "Medium", "High", "Critical"},
				},
				"confirm": confirmProperty,
			},
		},
	}
}

// GetTicketStatusTool returns the read-only get_ticket_status tool.
func GetTicketStatusTool(m *tickets.Manager) *tools.Tool {
	return &tools.Tool{
		Name:        types.ToolGetTicketStatus,
		Description: "Look up the current status and details of a ticket by id, for example INC-1.",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			id := tickets.NormalizeID(stringArg(args, "ticket_id"))
			t, err := m.Get(ctx, id)
			if err != nil {
				return "", failure(err, id, "")
			}
			return t.Text(), nil
		},
		Schema: tools.ToolSchema{
			Required: []string{"ticket_id"},
			Properties: map[string]tools.Property{
				"ticket_id": {Type: "string", Description: "Ticket identifier, for example INC-1"},
			},
		},
	}
}

// UpdateTicketStatusTool returns the update_ticket_status tool.
func UpdateTicketStatusTool(m *tickets.Manager) *tools.Tool {
	return &tools.Tool{
		Name:        types.ToolUpdateTicketStatus,
		Description: "Move a ticket one step forward: Open to In Progress, In Progress to Resolved. Requires explicit user confirmation.",
		Mutating:    true,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			id := tickets.NormalizeID(stringArg(args, "ticket_id"))
			raw := stringArg(args, "status")

			status, err := tickets.ParseStatus(raw)
			if err != nil {
				return "", tools.Failure(err, fmt.Sprintf(
					"Error: Invalid status '%s'. Valid statuses are: %s.", raw, validStatuses(m)))
			}
			t, err := m.UpdateStatus(ctx, id, status)
			if err != nil {
				return "", transitionFailure(m, err, id)
			}
			return fmt.Sprintf("Ticket '%s' status updated to '%s'.", t.ID, t.Status), nil
		},
		Schema: tools.ToolSchema{
			Required: []string{"ticket_id", "status"},
			Properties: map[string]tools.Property{
				"ticket_id": {Type: "string", Description: "Ticket identifier, for example INC-1"},
				"status": {
					Type:        "string",
					Description: "Target status",
					Enum:        []any{"Open", "In Progress", "Resolved"},
				},
				"confirm": confirmProperty,
			},
		},
	}
}

// RegisterAll registers the three ticket tools backed by m.
func RegisterAll(registry *tools.Registry, m *tickets.Manager) error {
	for _, t := range []*tools.Tool{
		CreateTicketTool(m),
		GetTicketStatusTool(m),
		UpdateTicketStatusTool(m),
	} {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func transitionFailure(m *tickets.Manager, err error, id string) error {
	var te *tickets.TransitionError
	if !errors.As(err, &te) {
		return failure(err, id, "")
	}
	tr := m.Transitions()
	if tr.Terminal(te.From) {
		return tools.Failure(err, fmt.Sprintf(
			"Error: Ticket '%s' is %s and can no longer change status.", te.ID, te.From))
	}
	var next []string
	for _, s := range tr.Next(te.From) {
		next = append(next, string(s))
	}
	return tools.Failure(err, fmt.Sprintf(
		"Error: Ticket '%s' cannot move from '%s' to '%s'. Allowed next status: %s.",
		te.ID, te.From, te.To, strings.Join(next, ", ")))
}

// failure maps manager errors to the legible messages users see.
func failure(err error, id, severity string) error {
	switch {
	case errors.Is(err, tickets.ErrNotFound):
		return tools.Failure(err, fmt.Sprintf("Error: Ticket '%s' not found.", id))
	case errors.Is(err, tickets.ErrInvalidSeverity):
		return tools.Failure(err, fmt.Sprintf(
			"Error: Invalid severity '%s'. Valid severities are: Low, Medium, High, Critical.", severity))
	case errors.Is(err, tickets.ErrInvalidTicket):
		return tools.Failure(err, "Error: "+err.Error()+".")
	case errors.Is(err, tickets.ErrStoreUnavailable):
		return tools.Failure(err, "Error: The ticket store is unavailable. Please try again shortly.")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	}
	return tools.Failure(err, "Error: "+err.Error())
}

func validStatuses(m *tickets.Manager) string {
	var names []string
	for _, s := range m.Transitions().States() {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}

func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
