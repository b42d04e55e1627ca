package gmail

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	gomail "github.com/wneessen/go-mail"

	"github.com/nextlevelbuilder/maestro/internal/bus"
	"github.com/nextlevelbuilder/maestro/internal/channels"
)

// Gmail rejects attachments over 25MB; staying well under that also keeps
// mobile clients from choking on inline previews.
const maxImageDim = 2048

// Send delivers an outbound frame over SMTP.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if c.Status() == channels.StatusDisabled {
		return fmt.Errorf("gmail: channel disabled")
	}
	if msg.Address == "" {
		return fmt.Errorf("gmail: outbound frame without address")
	}

	m := gomail.NewMsg()
	if err := m.From(c.account.Address); err != nil {
		return fmt.Errorf("gmail: from %s: %w", c.account.Address, err)
	}
	if err := m.To(msg.Address); err != nil {
		return fmt.Errorf("gmail: to %s: %w", msg.Address, err)
	}
	m.Subject(subjectFor(msg))
	if id := msg.Metadata["message_id"]; id != "" {
		m.SetGenHeader(gomail.HeaderInReplyTo, id)
	}
	m.SetBodyString(gomail.TypeTextPlain, msg.Content)

	var cleanup []string
	defer func() {
		for _, p := range cleanup {
			_ = os.Remove(p)
		}
	}()
	for _, att := range msg.Media {
		path, tmp, err := prepareAttachment(att.Path)
		if err != nil {
			slog.Warn("skipping attachment", "path", att.Path, "error", err)
			continue
		}
		if tmp {
			cleanup = append(cleanup, path)
		}
		m.AttachFile(path)
	}

	cl, err := c.smtpClient()
	if err != nil {
		return err
	}
	if err := cl.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("gmail: send to %s: %w", msg.Address, err)
	}
	slog.Info("gmail sent", "account", c.account.Address,
		"to", msg.Address, "subject", subjectFor(msg))
	return nil
}

func (c *Channel) smtpClient() (*gomail.Client, error) {
	host := c.transport.SMTPHost
	if host == "" {
		host = defaultSMTPHost
	}
	port := c.transport.SMTPPort
	if port == 0 {
		port = defaultSMTPPort
	}
	cl, err := gomail.NewClient(host,
		gomail.WithPort(port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(c.account.Address),
		gomail.WithPassword(c.account.AppPassword),
		gomail.WithTLSPolicy(gomail.TLSMandatory),
	)
	if err != nil {
		return nil, fmt.Errorf("gmail: smtp client: %w", err)
	}
	return cl, nil
}

// subjectFor picks the outgoing subject. Explicit subjects (terminal
// reports set "[작업 완료] <task_id>") win; otherwise reply threading from
// the original subject; otherwise a generic notification subject.
func subjectFor(msg bus.OutboundMessage) string {
	if msg.Subject != "" {
		return msg.Subject
	}
	if orig := msg.Metadata["orig_subject"]; orig != "" {
		if strings.HasPrefix(strings.ToLower(orig), "re:") {
			return orig
		}
		return "Re: " + orig
	}
	return "[maestro] 알림"
}

// prepareAttachment downscales oversized images to a temp file; other
// files pass through untouched. Returns the path to attach and whether it
// is a temp file the caller must remove after sending.
func prepareAttachment(path string) (string, bool, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".jpg", ".jpeg", ".png":
	default:
		if _, err := os.Stat(path); err != nil {
			return "", false, err
		}
		return path, false, nil
	}

	img, err := imaging.Open(path)
	if err != nil {
		return "", false, fmt.Errorf("open image: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxImageDim && bounds.Dy() <= maxImageDim {
		return path, false, nil
	}

	resized := imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	tmp, err := os.CreateTemp("", "maestro-att-*"+ext)
	if err != nil {
		return "", false, err
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	if err := imaging.Save(resized, tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", false, fmt.Errorf("save resized image: %w", err)
	}
	slog.Debug("downscaled attachment", "path", path,
		"from", fmt.Sprintf("%dx%d", bounds.Dx(), bounds.Dy()), "to", maxImageDim)
	return tmpPath, true, nil
}
