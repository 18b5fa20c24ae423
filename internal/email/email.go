package email

import (
	"fmt"
	"net/smtp"

	"github.com/janschill/licensed/internal/config"
)

// Mailer sends license delivery mail over SMTP. All settings come from
// the resolved configuration; the environment is never consulted here.
type Mailer struct {
	host     string
	port     string
	username string
	password string
	from     string
}

func NewMailer(cfg *config.Config) *Mailer {
	from := cfg.EmailFrom
	if from == "" {
		from = cfg.SMTPUsername
	}
	return &Mailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		from:     from,
	}
}

// Configured reports whether SMTP delivery is set up. License delivery
// is optional; an unconfigured mailer is not an error.
func (m *Mailer) Configured() bool {
	return m.host != "" && m.port != "" && m.username != "" && m.password != ""
}

func (m *Mailer) Send(to, subject, body string) error {
	if !m.Configured() {
		return fmt.Errorf("SMTP configuration missing")
	}

	auth := smtp.PlainAuth("", m.username, m.password, m.host)

	msg := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"\r\n"+
		"%s\r\n", m.from, to, subject, body))

	addr := fmt.Sprintf("%s:%s", m.host, m.port)
	return smtp.SendMail(addr, auth, m.from, []string{to}, msg)
}

// SendLicenseKey delivers a freshly issued key. This is the only place
// the plaintext key leaves the system after creation.
func (m *Mailer) SendLicenseKey(to, key string) error {
	body := fmt.Sprintf(`Hello,

Thank you for subscribing! Your license key is ready.

LICENSE DETAILS
License Key: %s

GETTING STARTED
1. Open the extension settings
2. Go to License
3. Enter your license key: %s

Keep this key private. If you believe it has been exposed, contact
support to rotate it.

Best regards,
The Licensing Team`, key, key)

	return m.Send(to, "Your license key", body)
}
