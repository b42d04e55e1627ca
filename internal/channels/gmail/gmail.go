// Package gmail runs one IMAP/SMTP worker per agent Gmail account. Ingress
// polls INBOX for unseen mail on a fixed interval; only mail from owner
// addresses opens tasks, everything else is marked seen and dropped.
package gmail

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/nextlevelbuilder/maestro/internal/bus"
	"github.com/nextlevelbuilder/maestro/internal/channels"
	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/internal/identity"
)

const (
	defaultIMAPHost     = "imap.gmail.com:993"
	defaultSMTPHost     = "smtp.gmail.com"
	defaultSMTPPort     = 587
	defaultPollInterval = 60 * time.Second

	// Consecutive login failures before the worker pins itself disabled.
	// A wrong app password never fixes itself; retrying forever just
	// trips Google's abuse throttling.
	maxAuthFailures = 3

	// Inbound bodies are clipped before they reach the model context.
	maxBodyChars = 20000
)

// Channel is one Gmail account worker.
type Channel struct {
	*channels.BaseChannel
	account   config.GmailAccount
	transport config.GmailTransport
	owners    *identity.Owners

	pollInterval time.Duration
	dialIMAP     func() (imapSession, error) // swapped in tests
	cancel       context.CancelFunc
}

// imapSession is the slice of go-imap's client used by the poll loop.
type imapSession interface {
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	Search(criteria *imap.SearchCriteria) ([]uint32, error)
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Store(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	Logout() error
}

// New builds a worker for one account. Returns nil when the account has no
// app password, so the loader can skip it without failing the project.
func New(project *config.ProjectConfig, agent config.AgentConfig,
	transport config.GmailTransport, owners *identity.Owners,
	msgBus *bus.MessageBus) (*Channel, error) {

	if agent.Gmail == nil || agent.Gmail.Address == "" {
		return nil, fmt.Errorf("agent %s: gmail channel without address", agent.ID)
	}
	if agent.Gmail.AppPassword == "" {
		return nil, nil
	}

	c := &Channel{
		BaseChannel: channels.NewBaseChannel("gmail", project.ID, agent.ID, msgBus),
		account:     *agent.Gmail,
		transport:   transport,
		owners:      owners,
	}
	c.pollInterval = defaultPollInterval
	if transport.PollIntervalSec > 0 {
		c.pollInterval = time.Duration(transport.PollIntervalSec) * time.Second
	}
	c.dialIMAP = c.dialTLS
	return c, nil
}

func (c *Channel) imapHost() string {
	if c.transport.IMAPHost != "" {
		return c.transport.IMAPHost
	}
	return defaultIMAPHost
}

func (c *Channel) dialTLS() (imapSession, error) {
	cl, err := client.DialTLS(c.imapHost(), nil)
	if err != nil {
		return nil, fmt.Errorf("gmail: dial %s: %w", c.imapHost(), err)
	}
	if err := cl.Login(c.account.Address, c.account.AppPassword); err != nil {
		_ = cl.Logout()
		return nil, fmt.Errorf("gmail: login %s: %w", c.account.Address, err)
	}
	return cl, nil
}

// Start verifies the login once, then begins polling.
func (c *Channel) Start(ctx context.Context) error {
	if c.owners.Empty() {
		c.SetStatus(channels.StatusDisabled)
		return fmt.Errorf("gmail: no owners configured, refusing to start")
	}

	c.SetStatus(channels.StatusAuthenticating)
	session, err := c.dialIMAP()
	if err != nil {
		c.SetStatus(channels.StatusDisabled)
		return err
	}
	_ = session.Logout()

	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.SetStatus(channels.StatusLive)
	go c.pollLoop(pollCtx)

	slog.Info("gmail channel started",
		"account", c.account.Address, "agent", c.AgentID(), "interval", c.pollInterval)
	return nil
}

// Stop shuts down the poll loop.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.SetStatus(channels.StatusDisabled)
	return nil
}

// pollLoop checks INBOX every interval. Each cycle is a fresh IMAP
// session; Gmail drops idle connections long before the next poll anyway.
func (c *Channel) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	authFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := c.pollOnce(ctx); err != nil {
			if isAuthError(err) {
				authFailures++
				slog.Error("gmail auth failure", "account", c.account.Address,
					"consecutive", authFailures, "error", err)
				if authFailures >= maxAuthFailures {
					slog.Error("gmail channel pinned disabled after repeated auth failures",
						"account", c.account.Address)
					c.SetStatus(channels.StatusDisabled)
					return
				}
				c.SetStatus(channels.StatusAuthenticating)
				continue
			}
			slog.Warn("gmail poll failed", "account", c.account.Address, "error", err)
			c.SetStatus(channels.StatusReconnecting)
			continue
		}
		authFailures = 0
		c.SetStatus(channels.StatusLive)
	}
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "login") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "credentials")
}

// pollOnce runs one UNSEEN sweep over INBOX.
func (c *Channel) pollOnce(ctx context.Context) error {
	session, err := c.dialIMAP()
	if err != nil {
		return err
	}
	defer session.Logout() //nolint:errcheck

	if _, err := session.Select("INBOX", false); err != nil {
		return fmt.Errorf("gmail: select inbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := session.Search(criteria)
	if err != nil {
		return fmt.Errorf("gmail: search unseen: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}
	messages := make(chan *imap.Message, len(ids))
	done := make(chan error, 1)
	go func() { done <- session.Fetch(seqset, items, messages) }()

	for msg := range messages {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.handleMail(msg, section)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("gmail: fetch: %w", err)
	}

	// Everything fetched is marked seen, authorized or not. Unauthorized
	// mail must not resurface on the next sweep.
	markItem := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := session.Store(seqset, markItem, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("gmail: mark seen: %w", err)
	}
	return nil
}

// handleMail gates a fetched message on the owner set and forwards it as
// an inbound frame.
func (c *Channel) handleMail(msg *imap.Message, section *imap.BodySectionName) {
	sender := envelopeSender(msg.Envelope)
	subject := ""
	messageID := ""
	if msg.Envelope != nil {
		subject = msg.Envelope.Subject
		messageID = msg.Envelope.MessageId
	}

	if !c.owners.AllowEmail(sender) {
		slog.Warn("dropping mail from non-owner",
			"account", c.account.Address, "from", sender,
			"subject", channels.Truncate(subject, 80))
		return
	}

	body := ""
	if r := msg.GetBody(section); r != nil {
		var err error
		body, err = extractPlainText(r)
		if err != nil {
			slog.Warn("gmail body decode failed", "from", sender, "error", err)
		}
	}
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars] + "\n\n[본문이 길어 일부만 전달됨]"
	}

	c.HandleMessage(sender, subject, body, nil, map[string]string{
		"orig_subject": subject,
		"message_id":   messageID,
	})
}

// envelopeSender normalizes the From address: strip the display name and
// angle brackets, lowercase.
func envelopeSender(env *imap.Envelope) string {
	if env == nil || len(env.From) == 0 {
		return ""
	}
	addr := env.From[0]
	return identity.NormalizeEmail(addr.MailboxName + "@" + addr.HostName)
}

// extractPlainText walks MIME parts and returns the first text/plain body,
// falling back to stripped text/html.
func extractPlainText(r io.Reader) (string, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", err
	}

	var htmlFallback string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		switch ct {
		case "text/plain":
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(string(b)), nil
		case "text/html":
			if htmlFallback == "" {
				b, _ := io.ReadAll(p.Body)
				htmlFallback = stripHTML(string(b))
			}
		}
	}
	return htmlFallback, nil
}

// stripHTML is a crude tag remover for html-only mail. Good enough for
// task text; rendering fidelity does not matter here.
func stripHTML(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
