package router

import (
	"regexp"
	"strings"

	"opsagent/internal/types"
)

// Pattern ids, reported in route_selected events.
const (
	PatternCalculate    = "calculate"
	PatternTicketStatus = "ticket_status"
	PatternCreateTicket = "create_ticket"
	PatternUpdateTicket = "update_ticket_status"
)

var (
	// Calculation verb, then an expression made only of arithmetic characters.
	calcRe       = regexp.MustCompile(`(?i)^\s*(?:calculate|compute|calc|beräkna|berakna)\s*:?\s+(.+?)\s*[?.!]?\s*$`)
	arithmeticRe = regexp.MustCompile(`^[0-9+\-*/%().\s]+$`)
	digitRe      = regexp.MustCompile(`[0-9]`)

	ticketIDRe = regexp.MustCompile(`(?i)\bINC-(\d+)\b`)
	statusWord = regexp.MustCompile(`(?i)\bstatus\b`)
	ticketWord = regexp.MustCompile(`(?i)\btickets?\b`)

	// Any of these in a status question means the user may want a change, so
	// the read-only lookup pattern stands aside.
	mutationVerbRe = regexp.MustCompile(`(?i)\b(update|change|set|move|mark|resolve|close|create|open\s+a|new)\b`)

	createIntentRe = regexp.MustCompile(`(?i)\b(create|open|file|raise|new)\b[^.\n]{0,20}\b(ticket|incident)\b`)
	titleRe        = regexp.MustCompile(`(?i)\btitle\s*[:=]\s*"([^"]*)"`)
	descriptionRe  = regexp.MustCompile(`(?i)\bdescription\s*[:=]\s*"([^"]*)"`)
	severityRe     = regexp.MustCompile(`(?i)\bseverity\s*[:=]\s*"([^"]*)"`)
	titleKeyRe     = regexp.MustCompile(`(?i)\btitle\s*[:=]`)
	descKeyRe      = regexp.MustCompile(`(?i)\bdescription\s*[:=]`)
	sevKeyRe       = regexp.MustCompile(`(?i)\bseverity\s*[:=]`)

	updateIntentRe = regexp.MustCompile(`(?i)\b(update|change|set|move|mark)\b[^.\n]{0,40}\b(ticket|status|INC-\d+)\b`)
	targetStatusRe = regexp.MustCompile(`(?i)\b(?:to|as|status\s*[:=])\s*"?(open|in[\s_-]?progress|resolved)\b"?`)

	confirmRe = regexp.MustCompile(`(?i)(\bconfirm(?:ed)?\s*[=:]\s*"?(?:true|yes)\b|"confirm(?:ed)?"\s*:\s*true\b|'confirm(?:ed)?'\s*:\s*true\b|(?:^|\s)--confirm(?:=(?:true|yes))?(?:[\s.,;!?]|$))`)
	// A declined marker anywhere overrides every positive one.
	declineRe = regexp.MustCompile(`(?i)(\bconfirm(?:ed)?["']?\s*[=:]\s*["']?(?:false|no)\b|--confirm(?:=|\s+)["']?(?:false|no)\b)`)
)

var severities = map[string]string{
	"low":      "Low",
	"medium":   "Medium",
	"high":     "High",
	"critical": "Critical",
}

// matchCalculate extracts the expression after a calculation verb.
func matchCalculate(text string) (map[string]any, bool) {
	m := calcRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	expr := strings.TrimSpace(m[1])
	if expr == "" || !arithmeticRe.MatchString(expr) || !digitRe.MatchString(expr) {
		return nil, false
	}
	return map[string]any{"expression": expr}, true
}

// matchTicketStatus needs exactly one ticket id and both "status" and "ticket".
func matchTicketStatus(text string) (map[string]any, bool) {
	id, ok := singleTicketID(text)
	if !ok || !statusWord.MatchString(text) || !ticketWord.MatchString(text) {
		return nil, false
	}
	if mutationVerbRe.MatchString(text) {
		return nil, false
	}
	return map[string]any{"ticket_id": id}, true
}

// matchCreateTicket requires an intent phrase and each field exactly once.
func matchCreateTicket(text string) (map[string]any, bool) {
	if !createIntentRe.MatchString(text) {
		return nil, false
	}
	title, ok := singleQuotedField(text, titleKeyRe, titleRe)
	if !ok {
		return nil, false
	}
	desc, ok := singleQuotedField(text, descKeyRe, descriptionRe)
	if !ok {
		return nil, false
	}
	sevRaw, ok := singleQuotedField(text, sevKeyRe, severityRe)
	if !ok {
		return nil, false
	}
	sev, ok := severities[strings.ToLower(sevRaw)]
	if !ok {
		return nil, false
	}
	return map[string]any{
		"title":       title,
		"description": desc,
		"severity":    sev,
	}, true
}

// matchUpdateTicket requires an intent phrase, one ticket id and one target status.
func matchUpdateTicket(text string) (map[string]any, bool) {
	if !updateIntentRe.MatchString(text) {
		return nil, false
	}
	id, ok := singleTicketID(text)
	if !ok {
		return nil, false
	}

	matches := targetStatusRe.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool)
	for _, m := range matches {
		seen[canonicalStatus(m[1])] = true
	}
	if len(seen) != 1 {
		return nil, false
	}
	var status string
	for s := range seen {
		status = s
	}
	return map[string]any{"ticket_id": id, "status": status}, true
}

func singleTicketID(text string) (string, bool) {
	ids := make(map[string]bool)
	for _, m := range ticketIDRe.FindAllStringSubmatch(text, -1) {
		ids["INC-"+strings.TrimLeft(m[1], "0")] = true
	}
	if len(ids) != 1 {
		return "", false
	}
	for id := range ids {
		if id == "INC-" {
			return "", false
		}
		return id, true
	}
	return "", false
}

// singleQuotedField returns the field value when the key appears exactly once
// and carries a non-empty quoted value.
func singleQuotedField(text string, keyRe, valueRe *regexp.Regexp) (string, bool) {
	if len(keyRe.FindAllStringIndex(text, -1)) != 1 {
		return "", false
	}
	m := valueRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	v := strings.TrimSpace(m[1])
	return v, v != ""
}

func canonicalStatus(s string) string {
	switch strings.ToLower(strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '\t'
	}), "")) {
	case "open":
		return "Open"
	case "inprogress":
		return "In Progress"
	case "resolved":
		return "Resolved"
	}
	return s
}

// Confirmed reports whether the text carries an explicit confirmation marker
// such as confirm=true, "confirm": true or --confirm, and no declined one
// such as confirm=false or --confirm=no.
func Confirmed(text string) bool {
	return confirmRe.MatchString(text) && !declineRe.MatchString(text)
}

func toolFor(pattern string) types.ToolName {
	switch pattern {
	case PatternCalculate:
		return types.ToolCalculate
	case PatternTicketStatus:
		return types.ToolGetTicketStatus
	case PatternCreateTicket:
		return types.ToolCreateTicket
	case PatternUpdateTicket:
		return types.ToolUpdateTicketStatus
	}
	return ""
}
