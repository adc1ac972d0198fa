// Package canary sends synthetic messages through the whole receive
// pipeline and records when they come out the other end.
package canary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/ses-mail-router/internal/email"
	"github.com/shineum/ses-mail-router/internal/provider"
)

// Headers identifying a canary message.
const (
	HeaderID          = "X-Canary-ID"
	HeaderEnvironment = "X-Canary-Environment"
)

// ErrDNS reports that a record a sending server needs is missing.
var ErrDNS = errors.New("dns validation failed")

// Resolver looks up the records checked before sending. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// DNSReport lists which records were found. MTA-STS is informational.
type DNSReport struct {
	MX     bool `json:"mx"`
	SPF    bool `json:"spf"`
	DMARC  bool `json:"dmarc"`
	MTASTS bool `json:"mta_sts"`
}

// CheckDNS validates the MX, SPF and DMARC records of domain. A missing
// MTA-STS record is logged but does not fail the check.
func CheckDNS(ctx context.Context, r Resolver, domain string) (DNSReport, error) {
	var report DNSReport
	var errs []error

	if mx, err := r.LookupMX(ctx, domain); err != nil {
		errs = append(errs, fmt.Errorf("MX lookup for %s: %w", domain, err))
	} else if len(mx) == 0 {
		errs = append(errs, fmt.Errorf("no MX records for %s", domain))
	} else {
		report.MX = true
	}

	var err error
	if report.SPF, err = hasTXT(ctx, r, domain, "v=spf1"); err != nil {
		errs = append(errs, fmt.Errorf("SPF lookup for %s: %w", domain, err))
	} else if !report.SPF {
		errs = append(errs, fmt.Errorf("no SPF record for %s", domain))
	}

	dmarc := "_dmarc." + domain
	if report.DMARC, err = hasTXT(ctx, r, dmarc, "v=DMARC1"); err != nil {
		errs = append(errs, fmt.Errorf("DMARC lookup for %s: %w", dmarc, err))
	} else if !report.DMARC {
		errs = append(errs, fmt.Errorf("no DMARC record for %s", dmarc))
	}

	sts := "_mta-sts." + domain
	report.MTASTS, _ = hasTXT(ctx, r, sts, "v=STSv1")
	if !report.MTASTS {
		slog.Warn("no MTA-STS record", "name", sts)
	}

	if len(errs) > 0 {
		return report, fmt.Errorf("%w: %w", ErrDNS, errors.Join(errs...))
	}
	return report, nil
}

func hasTXT(ctx context.Context, r Resolver, name, prefix string) (bool, error) {
	records, err := r.LookupTXT(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return false, nil
		}
		return false, err
	}
	for _, txt := range records {
		if strings.Contains(txt, prefix) {
			return true, nil
		}
	}
	return false, nil
}

// Result describes one sent canary.
type Result struct {
	CanaryID string    `json:"canary_id"`
	SentAt   time.Time `json:"sent_at"`
	Status   string    `json:"status"`
	DNS      DNSReport `json:"dns_validation"`
}

// Tracker records sent canaries.
type Tracker interface {
	RecordSent(ctx context.Context, r Result) error
}

// Sender composes and sends canary messages to the canary address.
type Sender struct {
	notifier    provider.Sender
	resolver    Resolver
	tracker     Tracker
	domain      string
	address     string
	environment string
	now         func() time.Time
}

// NewSender creates a Sender for the canary address on domain. A nil tracker
// skips tracking.
func NewSender(notifier provider.Sender, resolver Resolver, tracker Tracker, domain, address, environment string) *Sender {
	return &Sender{
		notifier:    notifier,
		resolver:    resolver,
		tracker:     tracker,
		domain:      domain,
		address:     address,
		environment: environment,
		now:         time.Now,
	}
}

// Send validates DNS, sends one canary and records it.
func (s *Sender) Send(ctx context.Context) (Result, error) {
	if s.domain == "" || s.address == "" {
		return Result{}, errors.New("canary domain and address are required")
	}

	report, err := CheckDNS(ctx, s.resolver, s.domain)
	if err != nil {
		return Result{DNS: report, Status: "dns-failed"}, err
	}

	now := s.now().UTC()
	res := Result{
		CanaryID: "canary-" + now.Format("2006-01-02T15:04:05Z") + "-" + uuid.NewString()[:8],
		SentAt:   now,
		Status:   "sent",
		DNS:      report,
	}

	msg := &email.Email{
		From:    "noreply@" + s.domain,
		To:      []string{s.address},
		Subject: fmt.Sprintf("Canary Test [%s] - %s", strings.ToUpper(s.environment), res.CanaryID),
		TextBody: fmt.Sprintf("Canary test email\n\nEnvironment: %s\nCanary ID: %s\nSent at: %s\n",
			s.environment, res.CanaryID, now.Format(time.RFC3339)),
		Headers: email.Headers{
			{Name: HeaderID, Value: res.CanaryID},
			{Name: HeaderEnvironment, Value: s.environment},
		},
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		return Result{}, fmt.Errorf("failed to send canary %s via %s: %w", res.CanaryID, s.notifier.Name(), err)
	}
	slog.Info("canary sent", "canary_id", res.CanaryID, "to", s.address, "sender", s.notifier.Name())

	if s.tracker != nil {
		if err := s.tracker.RecordSent(ctx, res); err != nil {
			return res, err
		}
	}
	return res, nil
}
