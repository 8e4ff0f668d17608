package app

import (
	"strings"
	"time"

	"dispatchd/internal/alerts"
	"dispatchd/internal/api"
	"dispatchd/internal/config"
	"dispatchd/internal/directory"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/model"
	"dispatchd/internal/provider"
	"dispatchd/internal/provider/cloudapi"
	"dispatchd/internal/provider/session"
	"dispatchd/internal/receipts"
	"dispatchd/internal/recovery"
	"dispatchd/internal/schedule"
	"dispatchd/internal/storage"
	"dispatchd/internal/telemetry"
	logx "dispatchd/pkg/logx"
)

// settings is the file config resolved into component configs.
type settings struct {
	Logging    logx.Config
	Storage    storage.Config
	Dispatch   dispatch.Config
	Recovery   recovery.Config
	// SweepEvery repeats the recovery sweep; zero sweeps only at startup.
	SweepEvery time.Duration
	SweepOff   bool
	Scheduler  schedule.Config
	Routing    provider.RoutingConfig
	CloudAPI   cloudapi.Config
	Session    session.Config
	Receipts   receipts.Config
	Alerts     alerts.Config
	Telemetry  telemetry.Config
	HTTP       api.Config
	Directory  directory.Config
	Templates  map[string]model.Content
}

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		Format:  c.Format,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func mapDispatch(c config.DispatchConfig) (dispatch.Config, error) {
	delay, err := config.ParseDurationOrDefault("dispatch.send_delay", c.SendDelay, 2*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", c.SendTimeout, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{SendDelay: delay, SendTimeout: timeout, MaxAttempts: c.MaxAttempts, PassBudget: c.PassBudget}, nil
}

func mapRouting(c config.RoutingConfig, sendTimeout time.Duration) provider.RoutingConfig {
	rc := provider.DefaultRouting()
	if s := strings.TrimSpace(c.GroupSuffix); s != "" {
		rc.GroupSuffix = s
	}
	if len(c.Contact) > 0 {
		rc.Contact = trimAll(c.Contact)
	}
	if len(c.Group) > 0 {
		rc.Group = trimAll(c.Group)
	}
	if sendTimeout > 0 {
		rc.AttemptTimeout = sendTimeout
	}
	return rc
}

func mapDirectory(c config.DirectoryConfig) directory.Config {
	out := directory.Config{}
	for _, ct := range c.Contacts {
		out.Contacts = append(out.Contacts, directory.Contact{ID: ct.ID, Name: ct.Name, Tags: ct.Tags})
	}
	for _, g := range c.Groups {
		out.Groups = append(out.Groups, directory.Group{ID: g.ID, Name: g.Name})
	}
	return out
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// resolve maps every section. Errors name the offending field.
func resolve(cfg *config.Config) (settings, error) {
	var (
		s   settings
		err error
	)
	s.Logging = mapLogging(cfg.Logging)

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return s, err
	}
	s.Storage = storage.Config{Driver: strings.TrimSpace(cfg.Storage.Driver), Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}

	if s.Dispatch, err = mapDispatch(cfg.Dispatch); err != nil {
		return s, err
	}

	s.Recovery = recovery.DefaultConfig()
	if s.Recovery.StaleAfter, err = config.ParseDurationOrDefault("recovery.stale_after", cfg.Recovery.StaleAfter, s.Recovery.StaleAfter); err != nil {
		return s, err
	}
	s.Recovery.ResumePending = boolOr(cfg.Recovery.ResumePending, s.Recovery.ResumePending)
	s.SweepOff = !boolOr(cfg.Recovery.Enabled, true)
	// A run that was fresh at startup only becomes stale later, so the sweep
	// repeats every stale_after unless the interval is set explicitly.
	every, set, err := config.ParseDurationSet("recovery.interval", cfg.Recovery.Interval)
	if err != nil {
		return s, err
	}
	s.SweepEvery = every
	if !set {
		s.SweepEvery = s.Recovery.StaleAfter
	}

	runTimeout, err := config.ParseDurationField("scheduler.run_timeout", cfg.Scheduler.RunTimeout)
	if err != nil {
		return s, err
	}
	s.Scheduler = schedule.Config{
		Enabled:    cfg.Scheduler.Enabled,
		Poll:       strings.TrimSpace(cfg.Scheduler.Poll),
		Timezone:   strings.TrimSpace(cfg.Scheduler.Timezone),
		RunTimeout: runTimeout,
	}

	s.Routing = mapRouting(cfg.Routing, s.Dispatch.SendTimeout)

	ca := cfg.Providers.CloudAPI
	caTimeout, err := config.ParseDurationField("providers.cloudapi.timeout", ca.Timeout)
	if err != nil {
		return s, err
	}
	probe, err := config.ParseDurationField("providers.cloudapi.probe_ttl", ca.ProbeTTL)
	if err != nil {
		return s, err
	}
	s.CloudAPI = cloudapi.Config{
		Enabled:       ca.Enabled,
		BaseURL:       strings.TrimSpace(ca.BaseURL),
		PhoneNumberID: strings.TrimSpace(ca.PhoneNumberID),
		Token:         strings.TrimSpace(ca.Token),
		Timeout:       caTimeout,
		ProbeTTL:      probe,
		GroupSuffix:   s.Routing.GroupSuffix,
	}

	ss := cfg.Providers.Session
	poll, err := config.ParseDurationField("providers.session.poll_interval", ss.PollInterval)
	if err != nil {
		return s, err
	}
	ssTimeout, err := config.ParseDurationField("providers.session.timeout", ss.Timeout)
	if err != nil {
		return s, err
	}
	s.Session = session.Config{
		Enabled:      ss.Enabled,
		GatewayURL:   strings.TrimSpace(ss.GatewayURL),
		APIKey:       ss.APIKey,
		Identities:   trimAll(ss.Identities),
		PollInterval: poll,
		Timeout:      ssTimeout,
		PerMinute:    ss.PerMinute,
		Burst:        ss.Burst,
		AutoStart:    ss.AutoStart,
		StopOnClose:  ss.StopOnClose,
		GroupSuffix:  s.Routing.GroupSuffix,
	}

	ttl, err := config.ParseDurationField("receipts.ttl", cfg.Receipts.TTL)
	if err != nil {
		return s, err
	}
	s.Receipts = receipts.Config{
		Enabled:  cfg.Receipts.Enabled,
		Addr:     strings.TrimSpace(cfg.Receipts.Addr),
		Password: cfg.Receipts.Password,
		DB:       cfg.Receipts.DB,
		TTL:      ttl,
		Prefix:   cfg.Receipts.Prefix,
	}

	tg := cfg.Alerts.Telegram
	dedup, err := config.ParseDurationField("alerts.telegram.dedup_window", tg.DedupWindow)
	if err != nil {
		return s, err
	}
	s.Alerts = alerts.Config{
		Enabled:      tg.Enabled,
		Token:        tg.Token,
		ChatID:       tg.ChatID,
		ThreadID:     tg.ThreadID,
		Events:       tg.Events,
		RatePerMin:   tg.RatePerMin,
		QueueSize:    tg.QueueSize,
		DedupWindow:  dedup,
		ItemFailures: tg.ItemFailures,
	}

	t := cfg.Telemetry
	s.Telemetry = telemetry.Config{
		Enabled:     t.Enabled,
		Endpoint:    t.Endpoint,
		Insecure:    t.Insecure,
		Headers:     t.Headers,
		ServiceName: t.ServiceName,
		SampleRate:  t.SampleRate,
	}

	h := cfg.HTTP
	s.HTTP = api.Config{Enabled: h.Enabled, Addr: strings.TrimSpace(h.Addr), Pprof: h.Pprof}
	if s.HTTP.ReadTimeout, err = config.ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		return s, err
	}
	if s.HTTP.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return s, err
	}
	if s.HTTP.IdleTimeout, err = config.ParseDurationField("http.idle_timeout", h.IdleTimeout); err != nil {
		return s, err
	}

	s.Directory = mapDirectory(cfg.Directory)
	s.Templates = cfg.Templates
	return s, nil
}
