package bounce

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Sendmail submits bounces through the local MTA's sendmail command, which
// reads the recipients from the message headers.
type Sendmail struct {
	path string
}

// NewSendmail creates a transport running the sendmail binary at path.
func NewSendmail(path string) *Sendmail {
	return &Sendmail{path: path}
}

// Send pipes msg to "sendmail -t". The recipient comes from the To header.
func (s *Sendmail) Send(ctx context.Context, to string, msg []byte) error {
	cmd := exec.CommandContext(ctx, s.path, "-t")
	cmd.Stdin = bytes.NewReader(msg)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("sendmail: %w: %s", err, bytes.TrimSpace(output))
	}
	return nil
}
