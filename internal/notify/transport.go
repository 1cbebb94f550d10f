package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/http"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/domain"
)

// Transport delivers a rendered message. Failures are reported as
// domain.ErrTransport.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig configures SMTPTransport. Username empty means no AUTH.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SMTPTransport struct {
	cfg SMTPConfig
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	return &SMTPTransport{cfg: cfg}
}

func (t *SMTPTransport) Name() string { return "smtp" }

// Send dials the server under ctx's deadline and submits a multipart
// text/html message.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	raw, err := buildMIME(t.cfg.From, msg)
	if err != nil {
		return domain.Permanent(fmt.Errorf("build message: %w", err))
	}

	addr := net.JoinHostPort(t.cfg.Host, fmt.Sprint(t.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", domain.ErrTransport, addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: smtp handshake: %v", domain.ErrTransport, err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: t.cfg.Host}); err != nil {
			return fmt.Errorf("%w: starttls: %v", domain.ErrTransport, err)
		}
	}
	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("%w: auth: %v", domain.ErrTransport, err)
		}
	}
	if err := c.Mail(t.cfg.From); err != nil {
		return fmt.Errorf("%w: mail from: %v", domain.ErrTransport, err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return fmt.Errorf("%w: rcpt to: %v", domain.ErrTransport, err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("%w: data: %v", domain.ErrTransport, err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("%w: write: %v", domain.ErrTransport, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: end data: %v", domain.ErrTransport, err)
	}
	if err := c.Quit(); err != nil {
		return fmt.Errorf("%w: quit: %v", domain.ErrTransport, err)
	}
	return nil
}

func buildMIME(from string, msg Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", msg.Subject))
	fmt.Fprintf(&buf, "Message-ID: <%s@tokenward>\r\n", messageID(msg))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())

	for _, part := range []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.HTML},
	} {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", part.contentType)
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		pw, err := mw.CreatePart(h)
		if err != nil {
			return nil, err
		}
		qp := quotedprintable.NewWriter(pw)
		if _, err := io.WriteString(qp, part.body); err != nil {
			return nil, err
		}
		if err := qp.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// messageID is the idempotency key when present, so a resent message keeps
// its Message-ID.
func messageID(msg Message) string {
	if msg.IdempotencyKey != "" {
		return msg.IdempotencyKey
	}
	return uuid.NewString()
}

// Relay request headers.
const (
	HeaderIdempotencyKey = "X-Tokenward-Idempotency-Key"
	HeaderSignature      = "X-Tokenward-Signature"
)

// RelayPayload is the JSON body RelayTransport posts.
type RelayPayload struct {
	To             string `json:"to"`
	Subject        string `json:"subject"`
	HTML           string `json:"html"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotency_key"`
}

// RelayTransport posts messages as signed JSON to an HTTP mail relay.
type RelayTransport struct {
	client *http.Client
	url    string
	secret string
}

func NewRelayTransport(url, secret string) *RelayTransport {
	return &RelayTransport{client: &http.Client{}, url: url, secret: secret}
}

// WithClient replaces the HTTP client, for example with one that attaches
// service tokens.
func (t *RelayTransport) WithClient(c *http.Client) *RelayTransport {
	t.client = c
	return t
}

func (t *RelayTransport) Name() string { return "relay" }

// Send posts the message with an HMAC-SHA256 signature of the body.
// Headers: X-Tokenward-Idempotency-Key, X-Tokenward-Signature.
// 4xx other than 408/429 is permanent.
func (t *RelayTransport) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(RelayPayload{
		To:             msg.To,
		Subject:        msg.Subject,
		HTML:           msg.HTML,
		Text:           msg.Text,
		IdempotencyKey: msg.IdempotencyKey,
	})
	if err != nil {
		return domain.Permanent(fmt.Errorf("marshal: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return domain.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, msg.IdempotencyKey)
	req.Header.Set(HeaderSignature, Sign(t.secret, body))

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: relay: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return fmt.Errorf("%w: relay status %d", domain.ErrTransport, resp.StatusCode)
	default:
		return domain.Permanent(fmt.Errorf("%w: relay status %d", domain.ErrTransport, resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for relay implementations to check incoming requests.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// LogTransport logs messages instead of sending them. Used in development.
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger.Named("LogTransport")}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(ctx context.Context, msg Message) error {
	t.logger.Info("message not sent (log transport)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("idempotency_key", msg.IdempotencyKey),
		zap.Int("html_bytes", len(msg.HTML)),
		zap.String("text", truncate(msg.Text, 200)),
	)
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
