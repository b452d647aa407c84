package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/formbridge/formbridge/pkg/models"
)

// emailConfig is the type-specific destination config for the email
// connector. Credentials, when set, are the SMTP password for Username.
type emailConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	Subject  string   `json:"subject"`
	Username string   `json:"username"`
}

// Email delivers submissions to an SMTP gateway. The mapped fields are
// rendered as a plain-text body; the submission id rides in a message header
// for destination-side dedupe.
type Email struct{}

// NewEmail creates the email connector.
func NewEmail() *Email {
	return &Email{}
}

func (c *Email) Type() string { return "email" }

func (c *Email) Deliver(ctx context.Context, dest *models.Destination, event *models.CanonicalEvent, credentials []byte) models.DeliveryOutcome {
	start := time.Now()

	cfg, err := parseEmailConfig(dest.Config)
	if err != nil {
		return terminal(0, models.ErrConnectorHTTP4xx, "invalid destination config: "+err.Error(), time.Since(start))
	}

	msg, err := c.render(cfg, event, dest.FieldMapping)
	if err != nil {
		return terminal(0, models.ErrConnectorHTTP4xx, "render message: "+err.Error(), time.Since(start))
	}

	if err := c.send(ctx, cfg, credentials, msg); err != nil {
		if ctx.Err() != nil {
			return retryable(0, models.ErrConnectorTimeout, "delivery deadline exceeded", time.Since(start))
		}
		return retryable(0, models.ErrConnectorNetwork, truncate(err.Error()), time.Since(start))
	}
	return success(250, time.Since(start))
}

func (c *Email) render(cfg *emailConfig, event *models.CanonicalEvent, mapping map[string]string) ([]byte, error) {
	fields := make(map[string]interface{})
	if len(mapping) == 0 {
		if err := json.Unmarshal(event.Payload, &fields); err != nil {
			return nil, err
		}
	} else {
		input, err := event.AsMap()
		if err != nil {
			return nil, err
		}
		for field, expr := range mapping {
			q, err := compileQuery(expr)
			if err != nil {
				return nil, err
			}
			if v, ok := q.Run(input).Next(); ok && v != nil {
				if _, isErr := v.(error); !isErr {
					fields[field] = v
				}
			}
		}
	}

	subject := cfg.Subject
	if subject == "" {
		subject = "New form submission: " + event.FormID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "%s: %s\r\n", SubmissionIDHeader, event.SubmissionID)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %v\r\n", name, fields[name])
	}
	return []byte(b.String()), nil
}

// send speaks SMTP over a connection whose deadline tracks the context, since
// net/smtp itself is not context-aware.
func (c *Email) send(ctx context.Context, cfg *emailConfig, credentials, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		return err
	}
	defer client.Close()

	if cfg.Username != "" && len(credentials) > 0 {
		auth := smtp.PlainAuth("", cfg.Username, string(credentials), cfg.Host)
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return err
	}
	for _, rcpt := range cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	wc, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := wc.Write(msg); err != nil {
		wc.Close()
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func parseEmailConfig(raw map[string]interface{}) (*emailConfig, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	cfg := &emailConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("host, from and to are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	return cfg, nil
}
