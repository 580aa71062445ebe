package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fedplane/internal/breaker"
	"fedplane/internal/linkstore"
	"fedplane/internal/model"
)

// Prober actively checks partner reachability for every ACTIVE outbound
// link: OIDC discovery first, then the advertised token endpoint. Each
// probe is gated by the link's circuit breaker, so an OPEN link is skipped
// until its cool-down allows a half-open attempt.
type Prober struct {
	ctx    context.Context
	cancel context.CancelFunc

	db          *gorm.DB
	service     *Service
	breakers    *breaker.Registry
	client      *http.Client
	localCode   string
	interval    time.Duration
	concurrency int
	logger      *logrus.Entry
}

// ProberConfig holds the probe worker configuration
type ProberConfig struct {
	DB          *gorm.DB
	Service     *Service
	Breakers    *breaker.Registry
	LocalCode   string
	IntervalSec int
	TimeoutSec  int
	Concurrency int
	Logger      *logrus.Entry
}

// NewProber creates a probe worker
func NewProber(cfg *ProberConfig) *Prober {
	ctx, cancel := context.WithCancel(context.Background())
	return &Prober{
		ctx:         ctx,
		cancel:      cancel,
		db:          cfg.DB,
		service:     cfg.Service,
		breakers:    cfg.Breakers,
		client:      &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		localCode:   cfg.LocalCode,
		interval:    time.Duration(cfg.IntervalSec) * time.Second,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger.WithField("component", "probe-worker"),
	}
}

// Start begins periodic probing
func (p *Prober) Start() {
	p.logger.Info("Starting health probe worker...")
	ticker := time.NewTicker(p.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.runProbes()
			case <-p.ctx.Done():
				p.logger.Info("Stopping health probe worker...")
				return
			}
		}
	}()
}

// Stop gracefully stops the worker
func (p *Prober) Stop() {
	p.cancel()
}

func (p *Prober) runProbes() {
	var links []model.FederationLink
	err := p.db.
		Where("source_code = ? AND status = ?", p.localCode, model.LinkStatusActive).
		Find(&links).Error
	if err != nil {
		p.logger.Errorf("Failed to list links for probing: %v", err)
		return
	}

	if len(links) == 0 {
		return
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, p.concurrency)

	for _, link := range links {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(l model.FederationLink) {
			defer wg.Done()
			defer func() { <-semaphore }()
			p.ProbeLink(&l)
		}(link)
	}

	wg.Wait()
}

// ProbeLink runs one probe against a link's partner, honoring the breaker
func (p *Prober) ProbeLink(link *model.FederationLink) {
	key := linkstore.Key(link.SourceCode, link.TargetCode, link.Direction)

	if err := p.breakers.Allow(key); err != nil {
		p.logger.WithField("link", key).Debug("probe skipped, breaker open")
		return
	}

	var partner model.Instance
	if err := p.db.Where("instance_code = ?", link.TargetCode).First(&partner).Error; err != nil {
		p.logger.Errorf("No instance record for probe target %s: %v", link.TargetCode, err)
		return
	}

	sample := p.probe(&partner)
	sample.SourceCode = link.SourceCode
	sample.TargetCode = link.TargetCode
	sample.Direction = link.Direction

	if err := p.service.RecordProbe(sample); err != nil {
		p.logger.Errorf("Failed to record probe for %s: %v", key, err)
	}
}

type oidcDiscovery struct {
	Issuer        string `json:"issuer"`
	TokenEndpoint string `json:"token_endpoint"`
}

// probe checks the partner's OIDC discovery document and token endpoint
func (p *Prober) probe(partner *model.Instance) *model.HealthSample {
	sample := &model.HealthSample{}
	start := time.Now()

	discoveryURL := fmt.Sprintf("%s/.well-known/openid-configuration", partner.IdPURL)
	doc, err := p.fetchDiscovery(discoveryURL)
	sample.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		sample.ErrorMessage = err.Error()
		return sample
	}
	sample.IdPReachable = true
	sample.OIDCDiscoveryOK = true

	if doc.TokenEndpoint == "" {
		sample.ErrorMessage = "discovery document has no token_endpoint"
		return sample
	}

	req, err := http.NewRequestWithContext(p.ctx, http.MethodGet, doc.TokenEndpoint, nil)
	if err != nil {
		sample.ErrorMessage = err.Error()
		return sample
	}
	resp, err := p.client.Do(req)
	sample.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		sample.ErrorMessage = fmt.Sprintf("token endpoint unreachable: %v", err)
		return sample
	}
	defer resp.Body.Close()

	// any non-5xx answer proves the endpoint is alive; an unauthenticated
	// GET is expected to be rejected with a 4xx
	if resp.StatusCode >= 500 {
		sample.ErrorMessage = fmt.Sprintf("token endpoint returned %d", resp.StatusCode)
		return sample
	}

	sample.TokenExchangeOK = true
	sample.Healthy = true
	return sample
}

func (p *Prober) fetchDiscovery(url string) (*oidcDiscovery, error) {
	req, err := http.NewRequestWithContext(p.ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery returned %d", resp.StatusCode)
	}

	var doc oidcDiscovery
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}
	return &doc, nil
}
