// Package campaign drains the bulk-send job queue in claimed batches.
// Claiming is transactional (SKIP LOCKED), so several engine instances
// can tick concurrently without double-sending a job.
package campaign

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/servisia/wa-engine/internal/identity"
	"github.com/servisia/wa-engine/internal/provider"
	"github.com/servisia/wa-engine/internal/storage"
	"github.com/servisia/wa-engine/pkg/log"
	"github.com/servisia/wa-engine/pkg/validation"
)

const (
	// DefaultBatchSize caps how many jobs one tick claims.
	DefaultBatchSize = 50

	// maxSendsPerMinute is the global outbound ceiling across all
	// campaign jobs, spread evenly over the window.
	maxSendsPerMinute = 50
)

// ProviderResolver resolves the driver for a job's tenant. Satisfied by
// provider.Factory.
type ProviderResolver interface {
	Get(tenant *storage.Tenant) (provider.Provider, error)
}

type Processor struct {
	store      storage.CampaignStore
	providers  ProviderResolver
	normalizer *identity.Normalizer
	limiter    *rate.Limiter
	batchSize  int

	running int32
}

func New(store storage.CampaignStore, providers ProviderResolver, normalizer *identity.Normalizer) *Processor {
	return &Processor{
		store:      store,
		providers:  providers,
		normalizer: normalizer,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/maxSendsPerMinute), 1),
		batchSize:  DefaultBatchSize,
	}
}

// Tick claims and processes one batch. A tick arriving while another is
// still running is a no-op, so a slow batch never stacks up behind the
// scheduler.
func (p *Processor) Tick(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&p.running, 0)

	jobs, err := p.store.ClaimBatch(ctx, p.batchSize)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	log.Print(nil).Infof("Processing %d claimed campaign jobs", len(jobs))

	for i := range jobs {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		p.process(ctx, &jobs[i])
	}
	return nil
}

// process sends one claimed job and records its outcome. Errors are
// terminal for the job: the row flips to failed instead of retrying.
func (p *Processor) process(ctx context.Context, job *storage.CampaignJob) {
	entry := log.Campaign(job.ID, job.CampaignID)

	destination, err := p.destination(job)
	if err != nil {
		entry.WithError(err).Warn("Campaign job has an unusable destination")
		p.markFailed(ctx, job, err)
		return
	}

	driver, err := p.providers.Get(&job.Tenant)
	if err != nil {
		entry.WithError(err).Error("Campaign job tenant has no usable provider")
		p.markFailed(ctx, job, err)
		return
	}

	result, err := driver.SendText(ctx, destination, job.Template)
	if err != nil {
		entry.WithError(err).Error("Campaign send failed")
		p.markFailed(ctx, job, err)
		return
	}

	if err := p.store.MarkSent(ctx, job.ID, job.CampaignID, result.MessageID); err != nil {
		entry.WithError(err).Error("Failed to record campaign job as sent")
	}
}

// destination renders the job's phone in the format its tenant's driver
// requires: canonical key for the socket driver, bare digits for cloud.
func (p *Processor) destination(job *storage.CampaignJob) (string, error) {
	digits := p.normalizer.FormatPhone(job.Phone)
	if err := validation.ValidatePhone(digits); err != nil {
		return "", &invalidPhoneError{phone: job.Phone}
	}
	if job.Tenant.Provider == storage.ProviderCloud {
		return digits, nil
	}
	return p.normalizer.ToSocketFormat(digits), nil
}

func (p *Processor) markFailed(ctx context.Context, job *storage.CampaignJob, cause error) {
	if err := p.store.MarkFailed(ctx, job.ID, job.CampaignID, cause.Error()); err != nil {
		log.Campaign(job.ID, job.CampaignID).WithError(err).Error("Failed to record campaign job as failed")
	}
}

type invalidPhoneError struct {
	phone string
}

func (e *invalidPhoneError) Error() string {
	return "invalid campaign destination phone: " + e.phone
}
