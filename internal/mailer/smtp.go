package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotConfigured is returned by Send when the SMTP host, port or sender
// address is missing.
var ErrNotConfigured = errors.New("mailer: not configured")

// ErrUnavailable wraps failures that never produced an SMTP reply: dial,
// TLS and broken connections. Its detail names the server.
var ErrUnavailable = errors.New("mailer: smtp server unavailable")

const (
	DefaultSubject = "Kindle Delivery"
	DefaultBody    = "Sent via txttokindle."

	implicitTLSPort = 465
	sessionTimeout  = 30 * time.Second
)

type Config struct {
	Host     string
	Port     int
	User     string
	Pass     string
	From     string
	FromName string
}

func (c *Config) configured() bool {
	return c.Host != "" && c.Port != 0 && c.From != ""
}

// Attachment is a single file attached to a Message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

type Message struct {
	To         string
	Subject    string
	Body       string
	Attachment *Attachment
}

// Mailer sends messages with one attachment over SMTP.
type Mailer struct {
	cfg *Config

	// sendFn delivers the formatted message. Tests replace it.
	sendFn func(ctx context.Context, to string, raw []byte) error
}

func New(cfg *Config) *Mailer {
	m := &Mailer{cfg: cfg}
	m.sendFn = m.deliver
	return m
}

// Send formats msg as MIME and delivers it to msg.To.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if !m.cfg.configured() {
		return ErrNotConfigured
	}
	if msg.Subject == "" {
		msg.Subject = DefaultSubject
	}
	if msg.Body == "" {
		msg.Body = DefaultBody
	}

	raw, err := m.formatMessage(msg)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	if err := m.sendFn(ctx, msg.To, raw); err != nil {
		return fmt.Errorf("send to %s: %w", msg.To, err)
	}
	return nil
}

func (m *Mailer) from() string {
	if m.cfg.FromName == "" {
		return m.cfg.From
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", m.cfg.FromName), m.cfg.From)
}

func (m *Mailer) formatMessage(msg Message) ([]byte, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	textPart, err := writer.CreatePart(textHeader)
	if err != nil {
		return nil, err
	}
	if _, err := textPart.Write([]byte(sanitizeText(msg.Body))); err != nil {
		return nil, err
	}

	if att := msg.Attachment; att != nil {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		attHeader := textproto.MIMEHeader{}
		attHeader.Set("Content-Type", contentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")
		attHeader.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename}))

		attPart, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, err
		}

		encoded := base64.StdEncoding.EncodeToString(att.Data)
		// RFC 2045 line length
		for i := 0; i < len(encoded); i += 76 {
			end := min(i+76, len(encoded))
			if _, err := attPart.Write([]byte(encoded[i:end] + "\r\n")); err != nil {
				return nil, err
			}
		}
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", m.from())
	fmt.Fprintf(&buf, "To: %s\r\n", headerValue(msg.To))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerValue(msg.Subject)))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@%s>\r\n", uuid.NewString(), domainOf(m.cfg.From))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n", writer.Boundary())
	buf.WriteString("\r\n")
	buf.Write(body.Bytes())

	return buf.Bytes(), nil
}

// deliver runs one SMTP session. Port 465 uses implicit TLS; any other port
// upgrades with STARTTLS when the server offers it.
func (m *Mailer) deliver(ctx context.Context, to string, raw []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	tlsConfig := &tls.Config{ServerName: m.cfg.Host}

	dialer := &net.Dialer{Timeout: sessionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return sessionError("dial "+addr, err)
	}

	deadline := time.Now().Add(sessionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if m.cfg.Port == implicitTLSPort {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return sessionError("tls handshake", err)
		}
		conn = tlsConn
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return sessionError("greeting", err)
	}
	defer c.Close()

	if m.cfg.Port != implicitTLSPort {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return sessionError("starttls", err)
			}
		}
	}

	if m.cfg.User != "" {
		auth := smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return sessionError("auth", err)
		}
	}

	if err := c.Mail(m.cfg.From); err != nil {
		return sessionError("mail from", err)
	}
	if err := c.Rcpt(to); err != nil {
		return sessionError("rcpt to", err)
	}
	w, err := c.Data()
	if err != nil {
		return sessionError("data", err)
	}
	if _, err := w.Write(raw); err != nil {
		return sessionError("data", err)
	}
	if err := w.Close(); err != nil {
		return sessionError("data", err)
	}
	if err := c.Quit(); err != nil {
		return sessionError("quit", err)
	}
	return nil
}

// sessionError keeps SMTP replies as they are and folds every other failure
// into ErrUnavailable.
func sessionError(step string, err error) error {
	var reply *textproto.Error
	if errors.As(err, &reply) {
		return fmt.Errorf("%s: %w", step, reply)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, step, err)
}

// headerValue drops CR and LF so values cannot inject extra headers.
func headerValue(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func sanitizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
