package email

import (
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"MailPacer/internal/models"
)

// Envelope is one message to one recipient. The sender comes from the
// account bound to the transport.
type Envelope struct {
	To          string
	Subject     string
	HTMLBody    string
	Attachments []models.Attachment
}

func EnvelopeFor(p models.EmailPayload) Envelope {
	return Envelope{
		To:          p.To,
		Subject:     p.Subject,
		HTMLBody:    p.Body,
		Attachments: p.Attachments,
	}
}

// newMessageID returns a Message-Id in angle brackets under the sender's
// domain.
func newMessageID(from string) string {
	domain := domainOf(from)
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// buildMessage renders env as a gomail message from account.
func buildMessage(account models.Account, env Envelope, messageID string, now time.Time) (*gomail.Message, error) {
	if _, err := mail.ParseAddress(env.To); err != nil {
		return nil, Permanent(models.CodeInvalidAddress, fmt.Errorf("invalid recipient %q: %w", env.To, err))
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", account.Address, account.DisplayName)
	m.SetHeader("To", env.To)
	m.SetHeader("Subject", env.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetDateHeader("Date", now)
	m.SetBody("text/html", env.HTMLBody)

	for _, a := range env.Attachments {
		header := gomail.SetHeader(map[string][]string{
			"Content-Type": {fmt.Sprintf("%s; name=%q", contentType(a), a.Filename)},
		})
		switch a.Kind {
		case models.AttachmentInline:
			content := a.Content
			m.Attach(a.Filename, header, gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}))
		case models.AttachmentFile:
			m.Attach(a.Path, header, gomail.Rename(a.Filename))
		default:
			return nil, Permanent(models.CodePermanent, fmt.Errorf("unknown attachment kind %q", a.Kind))
		}
	}
	return m, nil
}

func contentType(a models.Attachment) string {
	if a.ContentType == "" {
		return "application/octet-stream"
	}
	return a.ContentType
}

// rawMessage lets pre-rendered (signed) bytes go through a gomail
// SendCloser.
type rawMessage []byte

func (r rawMessage) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r)
	return int64(n), err
}

// render returns what goes on the wire, DKIM-signed when a signer is set.
func render(m *gomail.Message, signer *Signer, from string) (io.WriterTo, error) {
	if signer == nil {
		return m, nil
	}
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	signed, err := signer.Sign(buf.Bytes(), from)
	if err != nil {
		return nil, err
	}
	return rawMessage(signed), nil
}
