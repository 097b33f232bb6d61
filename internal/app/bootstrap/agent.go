package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/wolfman30/clinic-offline-sync/internal/config"
	"github.com/wolfman30/clinic-offline-sync/internal/connectivity"
	httpmiddleware "github.com/wolfman30/clinic-offline-sync/internal/http/middleware"
	"github.com/wolfman30/clinic-offline-sync/internal/notify"
	"github.com/wolfman30/clinic-offline-sync/internal/observability/metrics"
	"github.com/wolfman30/clinic-offline-sync/internal/store"
	"github.com/wolfman30/clinic-offline-sync/internal/syncer"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

const serviceTokenTTL = 5 * time.Minute

// BuildReplayer targets the backend, signing requests when a service secret
// is configured.
func BuildReplayer(cfg *appconfig.Config, logger *logging.Logger) (*syncer.HTTPReplayer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	rc := syncer.ReplayerConfig{
		BaseURL: cfg.BackendBaseURL,
		Timeout: cfg.ReplayTimeout,
		Logger:  logger,
	}
	subject := cfg.DeviceID
	if subject == "" {
		subject = "sync-agent"
	}
	// A nil *ServiceTokenSigner must not end up inside the interface.
	if signer := httpmiddleware.NewServiceTokenSigner(cfg.ServiceJWTSecret, cfg.ServiceJWTIssuer, subject, serviceTokenTTL); signer != nil {
		rc.Signer = signer
	}
	return syncer.NewHTTPReplayer(rc)
}

// BuildManager applies the configured retry policy.
func BuildManager(cfg *appconfig.Config, st *store.Store, replayer syncer.Replayer, state *connectivity.State, m *metrics.SyncMetrics, logger *logging.Logger) *syncer.Manager {
	var conn syncer.Connectivity
	if state != nil {
		conn = state
	}
	mgr := syncer.NewManager(st, replayer, conn, logger).WithMetrics(m)
	if cfg == nil {
		return mgr
	}
	return mgr.
		WithMaxRetries(cfg.SyncMaxRetries).
		WithBackoff(cfg.SyncBaseBackoff, cfg.SyncMaxBackoff).
		WithItemDelay(cfg.SyncItemDelay)
}

// BuildEmailSender picks SES or SendGrid for staff alerts. It returns nil when
// alerts are disabled or the provider is not configured.
func BuildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) notify.EmailSender {
	if cfg == nil || strings.TrimSpace(cfg.AlertEmailTo) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	from := notify.From{Address: cfg.AlertEmailFrom, Name: cfg.AlertEmailFromName}
	switch cfg.EmailProvider {
	case "ses":
		if awsCfg == nil {
			logger.Warn("ses alerts selected without aws config; alerts disabled")
			return nil
		}
		return notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), from, logger)
	default:
		sender := notify.NewSendGridSender(cfg.SendGridAPIKey, from, logger)
		if sender == nil {
			logger.Warn("alert email recipient set without SENDGRID_API_KEY; alerts disabled")
			return nil
		}
		return sender
	}
}
