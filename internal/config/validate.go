package config

import (
	"fmt"
	"strings"
)

// MissingError names a required key that has no value.
type MissingError struct {
	Key string
}

func (e *MissingError) Error() string {
	msg := fmt.Sprintf("missing required config: %s. Set it in the config file or via environment variable %s", e.Key, EnvVar(e.Key))
	if isSecret(e.Key) {
		msg += ", or store it with `email-agent config set-secret " + e.Key + "`"
	}
	return msg
}

// Part is a group of settings a command depends on.
type Part string

const (
	PartMailbox Part = "mailbox"
	PartBus     Part = "bus"
	PartBlob    Part = "blob"
	PartLayout  Part = "layout"
)

func oneOf(key, val string, allowed ...string) error {
	for _, a := range allowed {
		if val == a {
			return nil
		}
	}
	return fmt.Errorf("invalid config %s=%q: must be one of %s", key, val, strings.Join(allowed, ", "))
}

// validate checks enumerations and ranges. Presence of provider settings is
// checked by Require, since not every command needs every provider.
func (c Config) validate() error {
	checks := []error{
		oneOf("log.level", strings.ToLower(c.Log.Level), "debug", "info", "warn", "error"),
		oneOf("bus.driver", c.Bus.Driver, "sql", "amqp"),
		oneOf("mailbox.provider", c.Mailbox.Provider, "imap", "graph", "gmail"),
		oneOf("blob.driver", c.Blob.Driver, "fs", "azure"),
		oneOf("layout.provider", c.Layout.Provider, "pdf", "azure"),
		oneOf("segment.strategy", c.Segment.Strategy, "title_region", "full_text"),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if c.Store.DSN == "" {
		return &MissingError{Key: "store.dsn"}
	}
	if c.Ingest.Interval <= 0 {
		return fmt.Errorf("invalid config ingest.interval=%s: must be positive", c.Ingest.Interval)
	}
	if c.Ingest.PageSize <= 0 {
		return fmt.Errorf("invalid config ingest.page_size=%d: must be positive", c.Ingest.PageSize)
	}
	if f := c.Segment.TitleFraction; f <= 0 || f > 1 {
		return fmt.Errorf("invalid config segment.title_fraction=%v: must be in (0, 1]", f)
	}
	return nil
}

// Require reports the first missing key among the settings of parts.
func (c Config) Require(parts ...Part) error {
	for _, p := range parts {
		for _, kv := range c.required(p) {
			if kv.val == "" {
				return &MissingError{Key: kv.key}
			}
		}
	}
	return nil
}

type keyValue struct{ key, val string }

func (c Config) required(p Part) []keyValue {
	switch p {
	case PartMailbox:
		switch c.Mailbox.Provider {
		case "imap":
			return []keyValue{
				{"mailbox.host", c.Mailbox.Host},
				{"mailbox.username", c.Mailbox.Username},
				{"mailbox.password", c.Mailbox.Password},
			}
		case "graph":
			return []keyValue{
				{"mailbox.address", c.Mailbox.Address},
				{"mailbox.tenant_id", c.Mailbox.TenantID},
				{"mailbox.client_id", c.Mailbox.ClientID},
				{"mailbox.client_secret", c.Mailbox.ClientSecret},
			}
		case "gmail":
			return []keyValue{
				{"mailbox.credentials_file", c.Mailbox.CredentialsFile},
				{"mailbox.token_file", c.Mailbox.TokenFile},
			}
		}
	case PartBus:
		if c.Bus.Driver == "amqp" {
			return []keyValue{{"bus.url", c.Bus.URL}}
		}
	case PartBlob:
		switch c.Blob.Driver {
		case "fs":
			kv := []keyValue{{"blob.dir", c.Blob.Dir}}
			if c.Blob.BaseURL != "" {
				kv = append(kv, keyValue{"blob.signing_key", c.Blob.SigningKey})
			}
			return kv
		case "azure":
			return []keyValue{
				{"blob.connection_string", c.Blob.ConnectionString},
				{"blob.container", c.Blob.Container},
			}
		}
	case PartLayout:
		if c.Layout.Provider == "azure" {
			return []keyValue{
				{"layout.endpoint", c.Layout.Endpoint},
				{"layout.api_key", c.Layout.APIKey},
			}
		}
	}
	return nil
}
