package notifier

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
)

// EmailConfig configures the SMTP delivery channel.
type EmailConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	FromAddress string   `json:"fromAddress"`
	ToAddresses []string `json:"toAddresses"`
	UseTLS      bool     `json:"useTLS"`
}

// EmailChannel delivers alerts over SMTP, using STARTTLS when
// configured for port 587.
type EmailChannel struct {
	cfg EmailConfig
}

// NewEmailChannel builds an EmailChannel from configuration.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg}
}

func (c *EmailChannel) send(subject, body string) error {
	if len(c.cfg.ToAddresses) == 0 {
		return fmt.Errorf("notifier: email channel has no recipients configured")
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", c.cfg.FromAddress)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(c.cfg.ToAddresses, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)

	if c.cfg.UseTLS && c.cfg.Port == 587 {
		return c.sendSTARTTLS(addr, auth, []byte(msg.String()))
	}
	return smtp.SendMail(addr, auth, c.cfg.FromAddress, c.cfg.ToAddresses, []byte(msg.String()))
}

func (c *EmailChannel) sendSTARTTLS(addr string, auth smtp.Auth, msg []byte) error {
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("notifier: smtp dial: %w", err)
	}
	defer client.Close()

	tlsConfig := &tls.Config{ServerName: c.cfg.Host}
	if err := client.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("notifier: starttls: %w", err)
	}
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("notifier: smtp auth: %w", err)
	}
	if err := client.Mail(c.cfg.FromAddress); err != nil {
		return fmt.Errorf("notifier: smtp mail: %w", err)
	}
	for _, to := range c.cfg.ToAddresses {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("notifier: smtp rcpt %s: %w", to, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("notifier: smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
