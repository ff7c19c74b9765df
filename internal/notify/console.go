package notify

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/baseapp/apiserver/types"
)

// ConsoleSender writes rendered emails to w. It stands in for a mail
// transport in development.
type ConsoleSender struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsoleSender(w io.Writer) *ConsoleSender {
	return &ConsoleSender{w: w}
}

func (c *ConsoleSender) Send(ctx context.Context, email Email) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "To: %s\nSubject: %s\n\n%s\n", email.To, email.Subject, email.Body)
	return err
}

// DirectNotifier renders and sends in the caller's goroutine, without a queue.
type DirectNotifier struct {
	sender Sender
}

func NewDirectNotifier(sender Sender) *DirectNotifier {
	return &DirectNotifier{sender: sender}
}

func (d *DirectNotifier) Notify(ctx context.Context, n types.Notification) error {
	email, err := Render(n)
	if err != nil {
		return err
	}
	return d.sender.Send(ctx, email)
}
