package takeover

import "strings"

// Operator identifies the human taking or answering a session.
type Operator struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

// fallbackName is used when the operator profile gives us nothing.
const fallbackName = "Support"

// Name resolves the display name shown to visitors: the profile display
// name, else the local part of the email, else a fixed literal.
func (o Operator) Name() string {
	if name := strings.TrimSpace(o.DisplayName); name != "" {
		return name
	}
	if o.Email != "" {
		if at := strings.Index(o.Email, "@"); at > 0 {
			return o.Email[:at]
		}
	}
	return fallbackName
}
