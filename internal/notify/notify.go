// Package notify delivers verification and password-reset links. The API
// publishes notifications to the message queue and a worker renders and sends
// them.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/baseapp/apiserver/types"
)

// Email is a rendered notification.
type Email struct {
	To      string
	Subject string
	Body    string
}

// Sender is the outbound transport for rendered notifications.
type Sender interface {
	Send(ctx context.Context, email Email) error
}

var subjects = map[types.NotificationKind]string{
	types.NotificationVerifyEmail:   "Verify your email",
	types.NotificationResetPassword: "Reset your password",
}

var bodies = map[types.NotificationKind]*template.Template{
	types.NotificationVerifyEmail: template.Must(template.New("verify").Parse(
		`Hi {{.Username}},

Please verify your email address by opening the link below:

{{.Link}}

If you did not create an account, you can ignore this message.
`)),
	types.NotificationResetPassword: template.Must(template.New("reset").Parse(
		`Hi {{.Username}},

A password reset was requested for your account. The link below is valid for one hour:

{{.Link}}

If you did not request a reset, you can ignore this message.
`)),
}

// Render turns a notification into an email.
func Render(n types.Notification) (Email, error) {
	tmpl, ok := bodies[n.Kind]
	if !ok {
		return Email{}, fmt.Errorf("unknown notification kind %q", n.Kind)
	}
	if n.To == "" || n.Link == "" {
		return Email{}, fmt.Errorf("notification %q missing recipient or link", n.Kind)
	}
	var body bytes.Buffer
	if err := tmpl.Execute(&body, n); err != nil {
		return Email{}, err
	}
	return Email{To: n.To, Subject: subjects[n.Kind], Body: body.String()}, nil
}
