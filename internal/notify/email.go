package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"gputracker/internal/domain"
)

// EmailConfig is the "config" block of an email channel.
type EmailConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Secure selects implicit TLS; otherwise STARTTLS is used when offered.
	Secure bool      `json:"secure,omitempty"`
	Auth   EmailAuth `json:"auth"`
	From   string    `json:"from"`
	// To is one address or a comma separated list.
	To string `json:"to"`
}

type EmailAuth struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

func (c EmailConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c EmailConfig) Recipients() []string {
	var out []string
	for _, r := range strings.Split(c.To, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Mailer delivers one raw RFC 5322 message.
type Mailer interface {
	SendMail(ctx context.Context, cfg EmailConfig, to []string, msg []byte) error
}

// Email sends a text and HTML alert over SMTP.
type Email struct {
	meta
	cfg    EmailConfig
	mailer Mailer
}

func NewEmail(ch domain.NotificationChannel, opts Options) (*Email, error) {
	e := &Email{meta: newMeta(ch, "email"), mailer: opts.Mailer}
	if err := decodeConfig(ch, &e.cfg); err != nil {
		return nil, err
	}
	if e.mailer == nil {
		e.mailer = SMTPMailer{Timeout: 20 * time.Second}
	}
	return e, nil
}

func (e *Email) ValidateConfig() error {
	switch {
	case strings.TrimSpace(e.cfg.Host) == "":
		return missing(e.name, "host")
	case e.cfg.Port <= 0:
		return missing(e.name, "port")
	case strings.TrimSpace(e.cfg.From) == "":
		return missing(e.name, "from")
	case len(e.cfg.Recipients()) == 0:
		return missing(e.name, "to")
	case e.cfg.Auth.User == "":
		return missing(e.name, "auth.user")
	case e.cfg.Auth.Pass == "":
		return missing(e.name, "auth.pass")
	}
	return nil
}

// Subject is "GPU Alert: {title} is {stockStatus} at {retailer}".
func Subject(p domain.Payload) string {
	return fmt.Sprintf("GPU Alert: %s is %s at %s", p.Title, p.StockStatus, p.Retailer)
}

func (e *Email) Send(ctx context.Context, message string, p domain.Payload) error {
	msg, err := e.compose(Subject(p), textBody(message, p), htmlBody(message, p))
	if err != nil {
		return err
	}
	return e.mailer.SendMail(ctx, e.cfg, e.cfg.Recipients(), msg)
}

func (e *Email) SendText(ctx context.Context, text string) error {
	subject := text
	if i := strings.IndexByte(subject, '\n'); i >= 0 {
		subject = subject[:i]
	}
	msg, err := e.compose("GPU Tracker: "+clipRunes(subject, 80), text, "")
	if err != nil {
		return err
	}
	return e.mailer.SendMail(ctx, e.cfg, e.cfg.Recipients(), msg)
}

// clipRunes cuts s to at most n runes.
func clipRunes(s string, n int) string {
	i := 0
	for off := range s {
		if i == n {
			return s[:off]
		}
		i++
	}
	return s
}

func textBody(message string, p domain.Payload) string {
	return fmt.Sprintf("%s\n\nGPU: %s\nPrice: %s\nStatus: %s\nRetailer: %s\n\nView Product: %s\n\nNotification sent at: %s",
		message, p.Title, p.Price, p.StockStatus, p.Retailer, p.URL, p.Timestamp.Format(time.RFC1123))
}

func htmlBody(message string, p domain.Payload) string {
	esc := html.EscapeString
	var b strings.Builder
	b.WriteString(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">`)
	b.WriteString(`<h1 style="color: #333; border-bottom: 1px solid #eee; padding-bottom: 10px;">GPU Tracker Alert</h1>`)
	fmt.Fprintf(&b, `<p style="font-size: 16px; font-weight: bold; color: #333;">%s</p>`, esc(message))
	b.WriteString(`<table style="width: 100%; background-color: #f8f9fa; padding: 15px;">`)
	for _, row := range [][2]string{{"GPU", p.Title}, {"Price", p.Price}, {"Status", p.StockStatus}, {"Retailer", p.Retailer}} {
		fmt.Fprintf(&b, `<tr><td style="padding: 8px; font-weight: bold; width: 100px;">%s:</td><td style="padding: 8px;">%s</td></tr>`, row[0], esc(row[1]))
	}
	b.WriteString(`</table>`)
	fmt.Fprintf(&b, `<p style="text-align: center; margin: 20px 0;"><a href="%s" style="background-color: #4CAF50; color: white; padding: 10px 20px; text-decoration: none; border-radius: 5px; font-weight: bold;">View Product</a></p>`, esc(p.URL))
	fmt.Fprintf(&b, `<p style="color: #666; font-size: 12px; text-align: center; margin-top: 30px;">Notification sent at: %s</p>`, esc(p.Timestamp.Format(time.RFC1123)))
	b.WriteString(`</div>`)
	return b.String()
}

// compose builds a multipart/alternative message; htmlPart may be empty.
func (e *Email) compose(subject, textPart, htmlPart string) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	var hdr strings.Builder
	hdr.WriteString("From: " + e.cfg.From + "\r\n")
	hdr.WriteString("To: " + strings.Join(e.cfg.Recipients(), ", ") + "\r\n")
	hdr.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	hdr.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	hdr.WriteString("MIME-Version: 1.0\r\n")
	hdr.WriteString("Content-Type: multipart/alternative; boundary=" + mw.Boundary() + "\r\n\r\n")

	parts := []struct{ ctype, body string }{{"text/plain", textPart}}
	if htmlPart != "" {
		parts = append(parts, struct{ ctype, body string }{"text/html", htmlPart})
	}
	for _, p := range parts {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", p.ctype+"; charset=utf-8")
		h.Set("Content-Transfer-Encoding", "8bit")
		w, err := mw.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(strings.ReplaceAll(p.body, "\n", "\r\n"))); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return append([]byte(hdr.String()), buf.Bytes()...), nil
}

// SMTPMailer speaks SMTP with implicit TLS or opportunistic STARTTLS.
type SMTPMailer struct {
	Timeout time.Duration
}

func (m SMTPMailer) SendMail(ctx context.Context, cfg EmailConfig, to []string, msg []byte) error {
	dialer := net.Dialer{Timeout: m.Timeout}
	addr := cfg.Addr()

	var (
		conn net.Conn
		err  error
	)
	if cfg.Secure {
		conn, err = (&tls.Dialer{NetDialer: &dialer, Config: &tls.Config{ServerName: cfg.Host}}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else if m.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(m.Timeout))
	}

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer func() { _ = c.Close() }()

	if !cfg.Secure {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}
	if cfg.Auth.User != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", cfg.Auth.User, cfg.Auth.Pass, cfg.Host)); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}
	if err := c.Mail(cfg.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close: %w", err)
	}
	return c.Quit()
}
