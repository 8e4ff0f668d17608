package config

import (
	"reflect"
	"strings"

	logx "dispatchd/pkg/logx"
)

// liveSections apply without a restart.
var liveSections = map[string]bool{
	"logging":   true,
	"dispatch":  true,
	"routing":   true,
	"directory": true,
	"templates": true,
}

// Summarize lists the top-level sections that differ and safe attrs for
// logging them. Secrets are reported only as "_set" booleans.
func Summarize(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	mark := func(name string, diff bool, fields ...logx.Field) {
		if !diff {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	mark("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled))
	mark("storage", oldCfg.Storage != newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver))
	mark("dispatch", oldCfg.Dispatch != newCfg.Dispatch,
		logx.String("dispatch.send_delay", newCfg.Dispatch.SendDelay),
		logx.Int("dispatch.max_attempts", newCfg.Dispatch.MaxAttempts))
	mark("recovery", !reflect.DeepEqual(oldCfg.Recovery, newCfg.Recovery))
	mark("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
		logx.String("scheduler.poll", newCfg.Scheduler.Poll))
	mark("routing", !reflect.DeepEqual(oldCfg.Routing, newCfg.Routing),
		logx.Strings("routing.contact", newCfg.Routing.Contact),
		logx.Strings("routing.group", newCfg.Routing.Group))
	mark("providers.cloudapi", oldCfg.Providers.CloudAPI != newCfg.Providers.CloudAPI,
		logx.Bool("cloudapi.enabled", newCfg.Providers.CloudAPI.Enabled),
		logx.Bool("cloudapi.token_set", strings.TrimSpace(newCfg.Providers.CloudAPI.Token) != ""))
	mark("providers.session", !reflect.DeepEqual(oldCfg.Providers.Session, newCfg.Providers.Session),
		logx.Bool("session.enabled", newCfg.Providers.Session.Enabled),
		logx.Int("session.identities", len(newCfg.Providers.Session.Identities)),
		logx.Bool("session.api_key_set", newCfg.Providers.Session.APIKey != ""))
	mark("receipts", oldCfg.Receipts != newCfg.Receipts,
		logx.Bool("receipts.enabled", newCfg.Receipts.Enabled))
	mark("alerts.telegram", !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts),
		logx.Bool("alerts.enabled", newCfg.Alerts.Telegram.Enabled),
		logx.Bool("alerts.token_set", newCfg.Alerts.Telegram.Token != ""))
	mark("telemetry", !reflect.DeepEqual(oldCfg.Telemetry, newCfg.Telemetry),
		logx.Bool("telemetry.enabled", newCfg.Telemetry.Enabled))
	mark("http", oldCfg.HTTP != newCfg.HTTP,
		logx.String("http.addr", newCfg.HTTP.Addr))
	mark("directory", !reflect.DeepEqual(oldCfg.Directory, newCfg.Directory),
		logx.Int("directory.contacts", len(newCfg.Directory.Contacts)),
		logx.Int("directory.groups", len(newCfg.Directory.Groups)))
	mark("templates", !reflect.DeepEqual(oldCfg.Templates, newCfg.Templates),
		logx.Int("templates.count", len(newCfg.Templates)))
	return changed, attrs
}

// RestartRequired filters changed down to sections that only take effect
// on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !liveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
