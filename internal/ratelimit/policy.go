package ratelimit

import (
	"fmt"
	"time"
)

// Actions guarded by the HTTP layer.
const (
	ActionRegister     = "register"
	ActionVerifyCode   = "verify_code"
	ActionReportSubmit = "report_submit"
)

// Policy binds an action to its limit and window.
type Policy struct {
	Action string
	Limit  int
	Window time.Duration
}

// Validate checks that the policy can be passed to Check.
func (p Policy) Validate() error {
	return validate("-", p.Action, p.Limit, p.Window)
}

func (p Policy) String() string {
	return fmt.Sprintf("%s(%d/%s)", p.Action, p.Limit, p.Window)
}

// Default policies for the built-in actions.
var (
	RegisterPolicy     = Policy{Action: ActionRegister, Limit: 30, Window: time.Hour}
	VerifyCodePolicy   = Policy{Action: ActionVerifyCode, Limit: 5, Window: 15 * time.Minute}
	ReportSubmitPolicy = Policy{Action: ActionReportSubmit, Limit: 5, Window: 10 * time.Minute}
)
