package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// knownProviders are the adapter names routing may reference.
var knownProviders = map[string]bool{"cloudapi": true, "session": true}

// Validate checks structure and value ranges. It never touches the network.
// All problems are joined into one error.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		add(errors.New("storage.path is required"))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	dur("dispatch.send_delay", c.Dispatch.SendDelay)
	dur("dispatch.send_timeout", c.Dispatch.SendTimeout)
	if c.Dispatch.MaxAttempts < 0 {
		add(errors.New("dispatch.max_attempts must be >= 0"))
	}
	if c.Dispatch.PassBudget < 0 {
		add(errors.New("dispatch.pass_budget must be >= 0"))
	}

	dur("recovery.stale_after", c.Recovery.StaleAfter)
	dur("recovery.interval", c.Recovery.Interval)

	dur("scheduler.run_timeout", c.Scheduler.RunTimeout)
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	for class, names := range map[string][]string{"contact": c.Routing.Contact, "group": c.Routing.Group} {
		seen := map[string]bool{}
		for _, n := range names {
			n = strings.TrimSpace(n)
			if !knownProviders[n] {
				add(fmt.Errorf("routing.%s: unknown provider %q", class, n))
			}
			if seen[n] {
				add(fmt.Errorf("routing.%s: duplicate provider %q", class, n))
			}
			seen[n] = true
		}
	}

	if ca := c.Providers.CloudAPI; ca.Enabled {
		if strings.TrimSpace(ca.PhoneNumberID) == "" || strings.TrimSpace(ca.Token) == "" {
			add(errors.New("providers.cloudapi: phone_number_id and token are required when enabled"))
		}
		dur("providers.cloudapi.timeout", ca.Timeout)
		dur("providers.cloudapi.probe_ttl", ca.ProbeTTL)
	}
	if ss := c.Providers.Session; ss.Enabled {
		if strings.TrimSpace(ss.GatewayURL) == "" {
			add(errors.New("providers.session.gateway_url is required when enabled"))
		}
		if len(ss.Identities) == 0 {
			add(errors.New("providers.session.identities must list at least one session"))
		}
		dur("providers.session.poll_interval", ss.PollInterval)
		dur("providers.session.timeout", ss.Timeout)
		if ss.PerMinute < 0 || ss.Burst < 0 {
			add(errors.New("providers.session: per_minute and burst must be >= 0"))
		}
	}

	if c.Receipts.Enabled && strings.TrimSpace(c.Receipts.Addr) == "" {
		add(errors.New("receipts.addr is required when enabled"))
	}
	dur("receipts.ttl", c.Receipts.TTL)

	if tg := c.Alerts.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" || tg.ChatID == 0 {
			add(errors.New("alerts.telegram: token and chat_id are required when enabled"))
		}
		dur("alerts.telegram.dedup_window", tg.DedupWindow)
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		add(errors.New("telemetry.sample_rate must be within [0,1]"))
	}

	if addr := strings.TrimSpace(c.HTTP.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(fmt.Errorf("http.addr: %w", err))
		}
	}
	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)
	dur("http.idle_timeout", c.HTTP.IdleTimeout)

	ids := map[string]bool{}
	for i, ct := range c.Directory.Contacts {
		id := strings.TrimSpace(ct.ID)
		if id == "" {
			add(fmt.Errorf("directory.contacts[%d]: id is required", i))
			continue
		}
		if ids[id] {
			add(fmt.Errorf("directory.contacts[%d]: duplicate id %q", i, id))
		}
		ids[id] = true
	}
	for i, g := range c.Directory.Groups {
		if strings.TrimSpace(g.ID) == "" {
			add(fmt.Errorf("directory.groups[%d]: id is required", i))
		}
	}

	for ref, content := range c.Templates {
		content := content
		if err := content.Validate(); err != nil {
			add(fmt.Errorf("templates.%s: %w", ref, err))
		}
	}

	return errors.Join(errs...)
}
