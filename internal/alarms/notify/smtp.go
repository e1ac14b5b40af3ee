package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	alarms "iot-alerting/internal/alarms/domain"
)

var errNoStartTLS = errors.New("smtp: relay does not offer STARTTLS")

// SMTPConfig configures the mail relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Security is none, starttls or tls.
	Security string
	Timeout  time.Duration
}

// SMTPSender delivers email through an SMTP relay.
type SMTPSender struct {
	cfg SMTPConfig
	now func() time.Time
}

// NewSMTPSender constructs an SMTP sender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Security == "" {
		cfg.Security = "starttls"
	}
	return &SMTPSender{cfg: cfg, now: time.Now}
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, msg Message) Outcome {
	cfg, ok := msg.Channel.Config.(alarms.EmailConfig)
	if !ok || cfg.Address == "" {
		return invalidAddress(errors.New("smtp: missing address"))
	}
	if s.cfg.Host == "" {
		return permanent(errors.New("smtp: relay not configured"))
	}
	if err := s.deliver(ctx, cfg.Address, msg); err != nil {
		return classifySMTP(err)
	}
	return success()
}

func (s *SMTPSender) deliver(ctx context.Context, to string, msg Message) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	tlsConfig := &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}

	var (
		conn net.Conn
		err  error
	)
	if s.cfg.Security == "tls" {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return err
	}
	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer client.Close()

	if s.cfg.Security == "starttls" {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return errNoStartTLS
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return err
		}
	}
	if s.cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return err
		}
	}
	if err := client.Mail(s.cfg.From); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(s.compose(to, msg)); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func (s *SMTPSender) compose(to string, msg Message) []byte {
	domain := "localhost"
	if at := strings.LastIndex(s.cfg.From, "@"); at >= 0 {
		domain = strings.Trim(s.cfg.From[at+1:], "> ")
	}
	var b strings.Builder
	b.WriteString("From: " + s.cfg.From + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + "\r\n")
	b.WriteString("Date: " + s.now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString(fmt.Sprintf("Message-ID: <%s@%s>\r\n", uuid.NewString(), domain))
	if msg.AlarmID != "" {
		b.WriteString("X-Alarm-ID: " + msg.AlarmID + "\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// classifySMTP maps relay replies to delivery outcomes. 550, 551 and 553 reject the mailbox.
func classifySMTP(err error) Outcome {
	if errors.Is(err, errNoStartTLS) {
		return permanent(err)
	}
	var reply *textproto.Error
	if errors.As(err, &reply) {
		wrapped := fmt.Errorf("smtp: %w", err)
		switch {
		case reply.Code == 550 || reply.Code == 551 || reply.Code == 553:
			return invalidAddress(wrapped)
		case reply.Code >= 500:
			return permanent(wrapped)
		default:
			return temporary(wrapped)
		}
	}
	return temporary(fmt.Errorf("smtp: %w", err))
}
