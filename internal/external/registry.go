package external

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"

	"reminders/internal/config"
)

// ---------------------------------------------------------------------------
// Provider Registry
//
// Builds the email and SMS providers named in configuration. Unconfigured
// channels fall back to the logging stubs so a local process can boot
// without credentials.
// ---------------------------------------------------------------------------

// ProviderRegistry holds the provider for each delivery channel.
type ProviderRegistry struct {
	Email EmailProvider
	SMS   SMSProvider
}

// NewProviderRegistry initializes the configured providers. awsCfg is only
// read when the SES provider is selected. cfg.Delivery.SendTimeout bounds
// each HTTP call.
func NewProviderRegistry(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (*ProviderRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := &ProviderRegistry{}
	httpClient := &http.Client{Timeout: cfg.Delivery.SendTimeout}

	switch cfg.Email.Provider {
	case config.ProviderSES:
		reg.Email = NewSESClient(awsCfg, SESClientConfig{
			ConfigSetName: cfg.Email.SESConfigSet,
			Logger:        logger.With("client", "ses"),
		})
	case config.ProviderSendGrid:
		reg.Email = NewSendGridClient(httpClient, SendGridClientConfig{
			APIKey: cfg.Email.SendGridAPIKey,
			Logger: logger.With("client", "sendgrid"),
		})
	case config.ProviderStub, "":
		reg.Email = NewStubEmailProvider(logger.With("client", "email-stub"))
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Email.Provider)
	}

	switch cfg.SMS.Provider {
	case config.ProviderTwilio:
		reg.SMS = NewTwilioClient(httpClient, TwilioClientConfig{
			AccountSID: cfg.SMS.TwilioAccountSID,
			AuthToken:  cfg.SMS.TwilioAuthToken,
			From:       cfg.SMS.TwilioFrom,
			Logger:     logger.With("client", "twilio"),
		})
	case config.ProviderStub, "":
		reg.SMS = NewStubSMSProvider(logger.With("client", "sms-stub"))
	default:
		return nil, fmt.Errorf("unknown sms provider %q", cfg.SMS.Provider)
	}

	logger.Info("delivery providers initialized",
		"email_provider", cfg.Email.Provider,
		"sms_provider", cfg.SMS.Provider,
	)
	return reg, nil
}
