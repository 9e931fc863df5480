package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dalfonso89/state-gateway/internal/cache"
	"github.com/dalfonso89/state-gateway/internal/lookup"
	"github.com/dalfonso89/state-gateway/internal/models"
)

// ErrorType classifies aggregation faults
type ErrorType int

const (
	ErrorTypeInvalidRequest ErrorType = iota
	ErrorTypeContextCancelled
	ErrorTypeUnknown
)

func (errorType ErrorType) String() string {
	switch errorType {
	case ErrorTypeInvalidRequest:
		return "invalid_request"
	case ErrorTypeContextCancelled:
		return "context_cancelled"
	default:
		return "unknown"
	}
}

// ErrDuplicateDomain is returned when a domain kind is requested more than once
var ErrDuplicateDomain = errors.New("domain requested more than once")

// ServiceError represents a service-specific error with type information
type ServiceError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// ClassifyError returns the ErrorType of err
func ClassifyError(err error) ErrorType {
	var serviceError *ServiceError
	switch {
	case err == nil:
		return ErrorTypeUnknown
	case errors.As(err, &serviceError):
		return serviceError.Type
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeContextCancelled
	default:
		return ErrorTypeUnknown
	}
}

// Aggregator fans one request out to the domain providers and merges the results
type Aggregator struct {
	resolver  lookup.Resolver
	cache     *cache.ResponseCache
	providers map[models.DomainKind]DataProvider
	logger    *logrus.Logger
}

// taskResult is what one domain task produced
type taskResult struct {
	kind         models.DomainKind
	result       models.NormalizedResult
	found        bool
	reachedCache bool
	hit          bool
}

// NewAggregator creates an aggregator; a later provider for the same kind replaces an earlier one
func NewAggregator(resolver lookup.Resolver, responseCache *cache.ResponseCache, logger *logrus.Logger, providers ...DataProvider) *Aggregator {
	byKind := make(map[models.DomainKind]DataProvider, len(providers))
	for _, provider := range providers {
		byKind[provider.GetKind()] = provider
	}
	return &Aggregator{
		resolver:  resolver,
		cache:     responseCache,
		providers: byKind,
		logger:    logger,
	}
}

// Aggregate fetches every requested domain concurrently.
// A domain that cannot be served is left out of Results; it never fails the call.
func (aggregator *Aggregator) Aggregate(ctx context.Context, requests []models.DomainRequest) (models.AggregateOutcome, error) {
	startTime := time.Now()

	seen := make(map[models.DomainKind]bool, len(requests))
	for _, request := range requests {
		if seen[request.Kind] {
			return models.AggregateOutcome{}, &ServiceError{
				Type:    ErrorTypeInvalidRequest,
				Message: fmt.Sprintf("invalid request for %s", request.Kind),
				Cause:   ErrDuplicateDomain,
			}
		}
		seen[request.Kind] = true
	}

	// each task writes only its own index
	results := make([]taskResult, len(requests))

	var group errgroup.Group
	for index, request := range requests {
		index, request := index, request
		group.Go(func() error {
			results[index] = aggregator.runTask(ctx, request)
			return nil
		})
	}
	_ = group.Wait()

	outcome := models.AggregateOutcome{
		Results:   make(map[models.DomainKind]models.NormalizedResult, len(requests)),
		CacheHits: make(map[models.DomainKind]bool, len(requests)),
		Requested: len(requests),
	}
	for _, task := range results {
		if task.reachedCache {
			outcome.CacheHits[task.kind] = task.hit
		}
		if task.found {
			outcome.Results[task.kind] = task.result
		}
	}
	outcome.Elapsed = time.Since(startTime)

	aggregator.logger.WithFields(logrus.Fields{
		"requested": outcome.Requested,
		"returned":  len(outcome.Results),
		"cached":    outcome.Cached(),
		"elapsed":   outcome.Elapsed.String(),
	}).Debug("Aggregation completed")

	return outcome, nil
}

// runTask resolves, then serves one domain from the cache or its provider.
// A panic is converted into an absent result.
func (aggregator *Aggregator) runTask(ctx context.Context, request models.DomainRequest) (task taskResult) {
	task.kind = request.Kind

	defer func() {
		if recovered := recover(); recovered != nil {
			aggregator.logger.WithFields(logrus.Fields{
				"kind":       request.Kind,
				"identifier": request.Identifier,
				"panic":      fmt.Sprint(recovered),
			}).Error("Domain task panicked")
			task = taskResult{kind: request.Kind}
		}
	}()

	params, ok := aggregator.resolver.Resolve(request.Kind, request.Identifier)
	if !ok {
		aggregator.logger.WithFields(logrus.Fields{
			"kind":       request.Kind,
			"identifier": request.Identifier,
		}).Debug("Unknown identifier, skipping domain")
		return task
	}

	provider, ok := aggregator.providers[request.Kind]
	if !ok {
		aggregator.logger.WithField("kind", request.Kind).Warn("No provider configured for domain")
		return task
	}

	result, found, hit := aggregator.cache.LookupOrFetch(ctx, request.Kind, params.Identifier,
		func(fetchContext context.Context) (models.NormalizedResult, bool) {
			return provider.Fetch(fetchContext, params)
		})

	task.reachedCache = true
	task.hit = hit
	task.result = result
	task.found = found
	return task
}
